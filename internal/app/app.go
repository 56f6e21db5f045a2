// Package app wires one SessionManager, one Transport and one Store into a
// running client. It owns their lifecycle and routes events between them:
// session changes drive the realtime channel and the user state, and pushed
// frames land in the store.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Watchdog088/Test-apps-sub002/internal/authclient"
	"github.com/Watchdog088/Test-apps-sub002/internal/config"
	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/metrics"
	"github.com/Watchdog088/Test-apps-sub002/internal/realtime"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
	"github.com/Watchdog088/Test-apps-sub002/internal/store"
)

// Connection statuses written to "connection.status".
const (
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
	StatusOffline      = "offline"
)

// Outbound frame types for client actions.
const (
	FrameNotificationRead = "notificationRead"
)

// Deps overrides the collaborators New would otherwise build from config.
// Nil fields take the config-driven default.
type Deps struct {
	Authority   session.Authority
	Storage     kv.Storage
	Broadcaster store.Broadcaster
	Logger      *logging.Logger
	Metrics     *metrics.Collector
}

// App is a running sync client.
type App struct {
	Session   *session.Manager
	Transport *realtime.Transport
	Store     *store.Store

	log        *logging.Logger
	metrics    *metrics.Collector
	listenerID session.ListenerID
	offs       []func()
	closers    []io.Closer
}

// New builds the client from cfg. Nothing touches the network until Start.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.New("syncclient", cfg.LogLevel, cfg.LogFormat)
	}
	log := deps.Logger

	a := &App{log: log, metrics: deps.Metrics}

	storage := deps.Storage
	if storage == nil {
		s, closer, err := kv.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.closers = append(a.closers, closer)
		storage = s

		if rs, ok := s.(*kv.Redis); ok && deps.Broadcaster == nil && cfg.BroadcastChannel != "" {
			deps.Broadcaster = store.NewRedisBroadcaster(rs.Client(), cfg.BroadcastChannel, log)
		}
	}
	storage = kv.WithPrefix(storage, cfg.StoragePrefix)

	if deps.Authority == nil {
		retry := authclient.DefaultRetryConfig()
		retry.MaxRetries = cfg.MaxRetries
		deps.Authority = authclient.New(authclient.Config{
			BaseURL:           cfg.APIBaseURL,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Retry:             retry,
			Logger:            log,
		})
	}

	a.Store = store.New(store.Options{
		Storage:     storage,
		HistorySize: cfg.HistorySize,
		Broadcaster: deps.Broadcaster,
		Logger:      log,
		Metrics:     deps.Metrics,
	})

	a.Session = session.NewManager(deps.Authority, storage, session.Options{
		TokenLifetime:    cfg.TokenLifetime,
		RefreshRatio:     cfg.RefreshRatio,
		ValidateInterval: cfg.ValidateInterval,
		RequestTimeout:   cfg.RequestTimeout,
		Logger:           log,
		Metrics:          deps.Metrics,
	})

	maxAttempts := cfg.ReconnectMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = -1
	}
	a.Transport = realtime.NewTransport(cfg.RealtimeURL, realtime.Options{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReadTimeout:          cfg.ReadTimeout,
		WriteTimeout:         cfg.WriteTimeout,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: maxAttempts,
		MaxQueuedFrames:      cfg.MaxQueuedFrames,
		Logger:               log,
		Metrics:              deps.Metrics,
	})
	a.Transport.SetCredentials(a.Session.Token)

	a.wire()
	return a, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start loads persisted state, begins periodic session validation and
// resumes a persisted session if one is usable.
func (a *App) Start(ctx context.Context) error {
	if err := a.Store.Hydrate(ctx); err != nil {
		a.log.WithError(err).Warn("state hydration incomplete")
	}
	if err := a.Store.Listen(ctx); err != nil {
		return fmt.Errorf("listen for remote changes: %w", err)
	}
	if err := a.Session.Start(); err != nil {
		return err
	}

	restored, err := a.Session.Restore(ctx)
	if err != nil {
		a.log.WithError(err).Warn("session restore failed")
	}
	a.log.WithFields(map[string]interface{}{"restored": restored}).Info("client started")
	return nil
}

// Close tears everything down. The session itself stays persisted.
func (a *App) Close() error {
	a.Session.RemoveListener(a.listenerID)
	for _, off := range a.offs {
		off()
	}
	a.Transport.Disconnect()
	a.Session.Close()

	errs := []error{a.Store.Close()}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Login authenticates and, through the session listener, opens the channel.
func (a *App) Login(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	return a.Session.Login(ctx, creds)
}

// Register creates an account and signs in.
func (a *App) Register(ctx context.Context, reg session.Registration) (*session.Session, error) {
	return a.Session.Register(ctx, reg)
}

// Logout ends the session; the channel and volatile state go with it.
func (a *App) Logout(ctx context.Context) {
	a.Session.Logout(ctx)
}

// =============================================================================
// Actions
// =============================================================================

// SendMessage sends a chat message and records it locally right away.
func (a *App) SendMessage(conversationID, content string) (realtime.ChatMessage, error) {
	user, ok := a.Session.CurrentUser()
	if !ok {
		return realtime.ChatMessage{}, svcerrors.NotAuthenticated()
	}
	if conversationID == "" || strings.TrimSpace(content) == "" {
		return realtime.ChatMessage{}, svcerrors.Validation("conversation and content are required")
	}

	msg := realtime.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        content,
		SentAt:         time.Now().UnixMilli(),
	}
	if err := a.Transport.Send(string(realtime.KindMessage), msg); err != nil {
		return realtime.ChatMessage{}, err
	}
	if err := a.Store.AddToArray(messagesPath(conversationID), msg); err != nil {
		a.log.WithError(err).Warn("failed to record sent message")
	}
	return msg, nil
}

// SetTyping announces whether the current user is typing in a conversation.
func (a *App) SetTyping(conversationID string, typing bool) error {
	user, ok := a.Session.CurrentUser()
	if !ok {
		return svcerrors.NotAuthenticated()
	}
	return a.Transport.Send(string(realtime.KindTyping), realtime.TypingIndicator{
		ConversationID: conversationID,
		UserID:         user.ID,
		Typing:         typing,
	})
}

// MarkNotificationRead flags a notification locally and tells the remote.
func (a *App) MarkNotificationRead(id string) error {
	err := a.Store.UpdateInArray("notifications", func(item interface{}) bool {
		n, ok := item.(map[string]interface{})
		return ok && n["id"] == id
	}, map[string]interface{}{"read": true})
	if err != nil {
		return err
	}
	return a.Transport.Send(FrameNotificationRead, map[string]string{"id": id})
}

// =============================================================================
// Wiring
// =============================================================================

func (a *App) wire() {
	a.listenerID = a.Session.AddListener(a.onSession)

	a.offs = append(a.offs,
		a.Transport.OnMessage(func(m realtime.ChatMessage) {
			a.apply("message", a.Store.AddToArray(messagesPath(m.ConversationID), m))
		}),
		a.Transport.OnNotification(func(n realtime.Notification) {
			a.apply("notification", a.Store.PrependToArray("notifications", n))
		}),
		a.Transport.OnMatch(func(m realtime.Match) {
			a.apply("match", a.Store.AddToArray("matches", m))
		}),
		a.Transport.OnTyping(func(t realtime.TypingIndicator) {
			a.apply("typing", a.Store.SetState("typing."+pathKey(t.ConversationID)+"."+pathKey(t.UserID), t.Typing))
		}),
		a.Transport.OnPresence(func(p realtime.PresenceUpdate) {
			a.apply("presence", a.Store.SetState("presence."+pathKey(p.UserID), p))
		}),
		a.Transport.On(realtime.KindConnected, func(realtime.Event) {
			a.setConnection(StatusConnected, 0)
		}),
		a.Transport.On(realtime.KindReconnecting, func(ev realtime.Event) {
			info, _ := ev.Payload.(realtime.ConnectionInfo)
			a.setConnection(StatusReconnecting, info.Attempt)
		}),
		a.Transport.On(realtime.KindDisconnected, func(ev realtime.Event) {
			if info, _ := ev.Payload.(realtime.ConnectionInfo); info.Deliberate {
				a.setConnection(StatusDisconnected, 0)
			}
		}),
		a.Transport.On(realtime.KindReconnectFailed, func(ev realtime.Event) {
			info, _ := ev.Payload.(realtime.ConnectionInfo)
			a.setConnection(StatusOffline, info.Attempt)
		}),
	)
}

func (a *App) onSession(ev session.Event) {
	switch ev.Kind {
	case session.EventLogin, session.EventRegister:
		if prev, ok := a.Store.GetState("user.id").(string); ok && prev != ev.Session.User.ID {
			// The open channel and cached state belong to the previous user.
			a.Transport.Disconnect()
			a.Store.ClearState()
		}
		a.apply("user", a.Store.SetState("user", ev.Session.User))
		a.Transport.Connect(ev.Session.Token)

	case session.EventUserUpdate:
		a.apply("user", a.Store.SetState("user", ev.Session.User))

	case session.EventRefresh:
		// Reconnections read the token through the credential source.
		a.log.Debug("session token refreshed")

	case session.EventLogout:
		a.Transport.Disconnect()
		a.Store.ClearState()
		a.log.WithFields(map[string]interface{}{"reason": ev.Reason}).Info("session ended")
	}
}

func (a *App) setConnection(status string, attempts int) {
	a.apply("connection", a.Store.BatchUpdate(map[string]interface{}{
		"connection.status":   status,
		"connection.attempts": attempts,
	}))
}

func (a *App) apply(what string, err error) {
	if err != nil {
		a.log.WithError(err).WithField("event", what).Warn("failed to apply event to state")
	}
}

func messagesPath(conversationID string) string {
	return "messages." + pathKey(conversationID)
}

// pathKey makes an identifier safe to use as a single path segment.
func pathKey(id string) string {
	if id == "" {
		return "_"
	}
	return strings.ReplaceAll(id, ".", "_")
}
