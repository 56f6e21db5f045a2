// Package session owns the bearer credential and the authenticated user.
//
// The Manager is the single source of truth for "who is logged in". It keeps
// the token and user together, persists them, renews the token before it
// expires and periodically confirms with the authority that the session has
// not been revoked. Lifecycle transitions are published to listeners.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/metrics"
)

// Durable storage keys, relative to the storage namespace.
const (
	TokenKey = "token"
	UserKey  = "user"
)

// Options tunes the Manager. Zero values take the documented defaults.
type Options struct {
	// TokenLifetime is assumed when the token carries no expiry claim (default 60m).
	TokenLifetime time.Duration
	// RefreshRatio is the fraction of the lifetime after which to refresh (default 0.83).
	RefreshRatio float64
	// MinRefreshDelay floors the computed refresh delay (default 1s).
	MinRefreshDelay time.Duration
	// ValidateInterval is the period of the server-side liveness check (default 5m).
	ValidateInterval time.Duration
	// RequestTimeout bounds timer-driven authority calls (default 30s).
	RequestTimeout time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

func (o *Options) applyDefaults() {
	if o.TokenLifetime <= 0 {
		o.TokenLifetime = 60 * time.Minute
	}
	if o.RefreshRatio <= 0 || o.RefreshRatio >= 1 {
		o.RefreshRatio = 0.83
	}
	if o.MinRefreshDelay <= 0 {
		o.MinRefreshDelay = time.Second
	}
	if o.ValidateInterval <= 0 {
		o.ValidateInterval = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

// Manager implements the session lifecycle.
type Manager struct {
	auth    Authority
	storage kv.Storage
	opts    Options
	log     *logging.Logger

	mu          sync.Mutex
	current     *Session
	epoch       uint64 // bumped when the token is installed or cleared, not on user edits
	timer       *time.Timer
	timerGen    uint64
	nextRefresh time.Time

	// refreshMu serializes Refresh calls.
	refreshMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[ListenerID]Listener
	nextID      ListenerID

	cronMu sync.Mutex
	cron   *cron.Cron
}

// NewManager creates a Manager. storage may be nil, in which case the
// session lives in memory only.
func NewManager(auth Authority, storage kv.Storage, opts Options) *Manager {
	opts.applyDefaults()
	if storage == nil {
		storage = kv.NewMemory()
	}
	return &Manager{
		auth:      auth,
		storage:   storage,
		opts:      opts,
		log:       opts.Logger.Named("session"),
		listeners: make(map[ListenerID]Listener),
	}
}

// =============================================================================
// Authentication
// =============================================================================

// Login authenticates with the authority and establishes the session.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if err := creds.Validate(); err != nil {
		m.opts.Metrics.RecordSessionOp("login", err)
		return nil, err
	}

	sess, err := m.auth.Login(ctx, creds)
	if err == nil && !sess.Valid() {
		err = svcerrors.Internal("authority returned an incomplete session", nil)
	}
	m.opts.Metrics.RecordSessionOp("login", err)
	if err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("login failed")
		return nil, err
	}

	out := m.establish(ctx, *sess)
	m.log.WithContext(logging.WithUserID(ctx, out.User.ID)).Info("logged in")
	m.emit(Event{Kind: EventLogin, Session: out})
	return out, nil
}

// Register creates an account and establishes the session.
func (m *Manager) Register(ctx context.Context, reg Registration) (*Session, error) {
	if err := reg.Validate(); err != nil {
		m.opts.Metrics.RecordSessionOp("register", err)
		return nil, err
	}

	sess, err := m.auth.Register(ctx, reg)
	if err == nil && !sess.Valid() {
		err = svcerrors.Internal("authority returned an incomplete session", nil)
	}
	m.opts.Metrics.RecordSessionOp("register", err)
	if err != nil {
		m.log.WithContext(ctx).WithError(err).Warn("registration failed")
		return nil, err
	}

	out := m.establish(ctx, *sess)
	m.log.WithContext(logging.WithUserID(ctx, out.User.ID)).Info("registered")
	m.emit(Event{Kind: EventRegister, Session: out})
	return out, nil
}

// Refresh exchanges the current token for a new one. On failure the session
// is cleared and a logout event is emitted.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, svcerrors.NotAuthenticated()
	}
	token := m.current.Token
	epoch := m.epoch
	m.mu.Unlock()

	fresh, err := m.auth.Refresh(ctx, token)
	if err == nil && (fresh == nil || fresh.Token == "") {
		err = svcerrors.Internal("authority returned an empty token", nil)
	}
	m.opts.Metrics.RecordSessionOp("refresh", err)

	if err != nil {
		if !errors.Is(err, svcerrors.ErrRefreshFailed) {
			err = svcerrors.RefreshFailed(err)
		}

		m.mu.Lock()
		cleared := m.epoch == epoch && m.current != nil
		if cleared {
			m.clearLocked(ctx)
		}
		m.mu.Unlock()

		m.log.WithContext(ctx).WithError(err).Warn("token refresh failed")
		if cleared {
			m.emit(Event{Kind: EventLogout, Reason: ReasonRefreshFailed})
		}
		return nil, err
	}

	m.mu.Lock()
	if m.epoch != epoch || m.current == nil {
		// Logged out or replaced while the request was in flight.
		m.mu.Unlock()
		return nil, svcerrors.NotAuthenticated()
	}
	next := Session{Token: fresh.Token, User: m.current.User}
	m.setLocked(ctx, next)
	out := next
	m.mu.Unlock()

	m.log.WithContext(ctx).Debug("token refreshed")
	m.emit(Event{Kind: EventRefresh, Session: &out})
	return &out, nil
}

// Logout notifies the authority best-effort, then clears the local session
// and emits a logout event. It is safe to call in any state and never fails.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.stopTimerLocked()
	var token string
	if m.current != nil {
		token = m.current.Token
	}
	m.mu.Unlock()

	if token != "" {
		err := m.auth.Logout(ctx, token)
		m.opts.Metrics.RecordSessionOp("logout", err)
		if err != nil {
			m.log.WithContext(ctx).WithError(err).Warn("remote logout failed; clearing local session anyway")
		}
	}

	m.mu.Lock()
	m.clearLocked(ctx)
	m.mu.Unlock()

	m.log.WithContext(ctx).Info("logged out")
	m.emit(Event{Kind: EventLogout, Reason: ReasonUser})
}

// Restore reloads a persisted session. It reports false when nothing usable
// was stored. A restored session is announced as a login.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	token, err := m.storage.Get(ctx, TokenKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, m.discardPersisted(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("load token: %w", err)
	}

	rawUser, err := m.storage.Get(ctx, UserKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, m.discardPersisted(ctx)
	}
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}

	var user User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		m.log.WithError(err).Warn("discarding corrupt persisted user")
		return false, m.discardPersisted(ctx)
	}

	sess := Session{Token: token, User: user}
	if !sess.Valid() || tokenExpired(token, time.Now()) {
		return false, m.discardPersisted(ctx)
	}

	out := m.establish(ctx, sess)
	m.log.WithContext(logging.WithUserID(ctx, user.ID)).Info("session restored")
	m.emit(Event{Kind: EventLogin, Session: out, Reason: ReasonRestored})
	return true, nil
}

// UpdateUser replaces the user half of the session, for profile edits.
func (m *Manager) UpdateUser(ctx context.Context, user User) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return svcerrors.NotAuthenticated()
	}
	if user.ID == "" {
		m.mu.Unlock()
		return svcerrors.Validation("user id is required")
	}
	next := Session{Token: m.current.Token, User: user}
	m.current = &next
	m.persistLocked(ctx, next)
	out := next
	m.mu.Unlock()

	m.emit(Event{Kind: EventUserUpdate, Session: &out})
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// IsAuthenticated reports whether both a token and a user are held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Valid()
}

// CurrentUser returns the authenticated user.
func (m *Manager) CurrentUser() (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return User{}, false
	}
	return m.current.User, true
}

// Token returns the current bearer token, or "" when logged out.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// Session returns a copy of the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// NextRefresh returns when the pending refresh fires, or the zero time.
func (m *Manager) NextRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return time.Time{}
	}
	return m.nextRefresh
}

// =============================================================================
// Listeners
// =============================================================================

// AddListener registers l and returns an ID for RemoveListener.
func (m *Manager) AddListener(l Listener) ListenerID {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

// RemoveListener unregisters a listener. Unknown IDs are ignored.
func (m *Manager) RemoveListener(id ListenerID) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, id)
}

// emit delivers ev to a snapshot of the listeners in registration order.
func (m *Manager) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.listenersMu.RLock()
	ids := make([]ListenerID, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, m.listeners[id])
	}
	m.listenersMu.RUnlock()

	for _, l := range snapshot {
		m.safeCall(l, ev)
	}
}

func (m *Manager) safeCall(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Metrics.RecordHandlerPanic("session")
			m.log.WithFields(map[string]interface{}{
				"event": string(ev.Kind),
				"panic": fmt.Sprint(r),
			}).Error("session listener panicked")
		}
	}()
	l(ev)
}

// =============================================================================
// Periodic validation
// =============================================================================

// Start begins the periodic server-side validation. Calling Start twice is a no-op.
func (m *Manager) Start() error {
	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron != nil {
		return nil
	}

	c := cron.New()
	spec := "@every " + m.opts.ValidateInterval.String()
	if _, err := c.AddFunc(spec, m.validateTick); err != nil {
		return fmt.Errorf("schedule validation: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Close stops periodic validation and the refresh timer. The session itself
// is kept; use Logout to end it.
func (m *Manager) Close() {
	m.cronMu.Lock()
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
	m.cronMu.Unlock()

	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

func (m *Manager) validateTick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	_, _ = m.Validate(ctx)
}

// Validate asks the authority whether the current token is still accepted.
// A negative answer clears the session; a transport error leaves it intact.
func (m *Manager) Validate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return false, nil
	}
	token := m.current.Token
	epoch := m.epoch
	m.mu.Unlock()

	valid, err := m.auth.Validate(ctx, token)
	if err != nil {
		m.opts.Metrics.RecordValidation("error")
		m.log.WithContext(ctx).WithError(err).Warn("session validation failed")
		return false, err
	}
	if valid {
		m.opts.Metrics.RecordValidation("valid")
		return true, nil
	}

	m.opts.Metrics.RecordValidation("invalid")
	m.mu.Lock()
	cleared := m.epoch == epoch && m.current != nil
	if cleared {
		m.clearLocked(ctx)
	}
	m.mu.Unlock()

	if cleared {
		m.log.WithContext(ctx).Info("session invalidated by authority")
		m.emit(Event{Kind: EventLogout, Reason: ReasonInvalidated})
	}
	return false, nil
}

// =============================================================================
// Internal state transitions
// =============================================================================

func (m *Manager) establish(ctx context.Context, sess Session) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(ctx, sess)
	out := sess
	return &out
}

// setLocked installs sess, persists it and reschedules the refresh timer.
func (m *Manager) setLocked(ctx context.Context, sess Session) {
	m.current = &sess
	m.epoch++
	m.persistLocked(ctx, sess)
	m.scheduleRefreshLocked(sess.Token)
}

func (m *Manager) clearLocked(ctx context.Context) {
	m.stopTimerLocked()
	m.current = nil
	m.epoch++
	if err := m.discardPersisted(ctx); err != nil {
		m.log.WithError(err).Warn("failed to delete persisted session")
	}
}

func (m *Manager) persistLocked(ctx context.Context, sess Session) {
	raw, err := json.Marshal(sess.User)
	if err == nil {
		err = m.storage.Set(ctx, UserKey, string(raw))
	}
	if err == nil {
		err = m.storage.Set(ctx, TokenKey, sess.Token)
	}
	if err != nil {
		m.opts.Metrics.RecordPersistenceFailure("session")
		m.log.WithError(err).Warn("failed to persist session")
		// Never leave one half behind.
		_ = m.discardPersisted(ctx)
	}
}

func (m *Manager) discardPersisted(ctx context.Context) error {
	errToken := m.storage.Delete(ctx, TokenKey)
	errUser := m.storage.Delete(ctx, UserKey)
	return errors.Join(errToken, errUser)
}

func (m *Manager) scheduleRefreshLocked(token string) {
	m.stopTimerLocked()

	now := time.Now()
	delay := refreshDelay(token, now, m.opts.TokenLifetime, m.opts.RefreshRatio, m.opts.MinRefreshDelay)
	m.timerGen++
	gen := m.timerGen
	m.nextRefresh = now.Add(delay)
	m.timer = time.AfterFunc(delay, func() { m.onRefreshTimer(gen) })
	m.opts.Metrics.RecordRefreshScheduled(delay)
	m.log.WithFields(map[string]interface{}{"delay": delay.String()}).Debug("refresh scheduled")
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	m.nextRefresh = time.Time{}
}

func (m *Manager) onRefreshTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	_, _ = m.Refresh(ctx)
}
