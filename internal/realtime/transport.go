// Package realtime maintains the single realtime channel between the client
// and the remote service.
//
// A Transport owns at most one websocket at a time. It reconnects with
// exponential backoff after unexpected drops, sends a heartbeat while open,
// queues outbound frames while the channel is down and replays them in order
// once it is back, and dispatches inbound frames to typed handlers.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/metrics"
)

// CredentialSource returns the freshest bearer token for a (re)connection.
// An empty result keeps the token given to Connect.
type CredentialSource func() string

// Options tunes a Transport. Zero values take the documented defaults.
type Options struct {
	// HeartbeatInterval between ping frames while open (default 30s).
	HeartbeatInterval time.Duration
	// ReadTimeout after which a silent channel counts as dropped (default 90s).
	ReadTimeout time.Duration
	// WriteTimeout bounds a single frame write (default 10s).
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the websocket handshake (default 10s).
	HandshakeTimeout time.Duration
	// ReconnectBaseDelay is the first backoff delay (default 1s).
	ReconnectBaseDelay time.Duration
	// MaxReconnectDelay caps the backoff (default 5m).
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts per disconnection episode (default 5; negative disables reconnection).
	MaxReconnectAttempts int
	// MaxQueuedFrames bounds the outbound queue (default 1000).
	MaxQueuedFrames int
	// Header is sent with the handshake.
	Header http.Header

	Dialer  *websocket.Dialer
	Logger  *logging.Logger
	Metrics *metrics.Collector
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 90 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 5 * time.Minute
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	} else if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.MaxQueuedFrames <= 0 {
		o.MaxQueuedFrames = 1000
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Transport is a reconnecting realtime channel.
type Transport struct {
	url  string
	opts Options
	log  *logging.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connDone     chan struct{} // closed when conn is torn down
	connGen      uint64        // identifies the live physical connection
	episode      uint64        // bumped by Connect and Disconnect
	token        string
	creds        CredentialSource
	attemptCount int
	lastError    error
	queue        []Frame
	exhausted    bool
	retryTimer   *time.Timer
	dialCancel   context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[EventKind][]handlerEntry
	nextID     uint64
}

// NewTransport creates a Transport for the websocket endpoint at rawURL.
// Nothing is dialed until Connect.
func NewTransport(rawURL string, opts Options) *Transport {
	opts.applyDefaults()
	return &Transport{
		url:      rawURL,
		opts:     opts,
		log:      opts.Logger.Named("transport"),
		handlers: make(map[EventKind][]handlerEntry),
	}
}

// =============================================================================
// Accessors
// =============================================================================

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AttemptCount returns the number of reconnection attempts in the current episode.
func (t *Transport) AttemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attemptCount
}

// LastError returns the most recent connection failure, cleared on open.
func (t *Transport) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// QueueLen returns the number of frames waiting for the channel.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// SetCredentials installs the token source consulted on every reconnection.
func (t *Transport) SetCredentials(src CredentialSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = src
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect opens the channel asynchronously with token. It is a no-op unless
// the transport is closed. Progress is reported through lifecycle events.
func (t *Transport) Connect(token string) {
	t.mu.Lock()
	if t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	t.token = token
	t.exhausted = false
	t.attemptCount = 0
	t.lastError = nil
	t.episode++
	episode := t.episode
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	t.log.Info("connecting")
	go t.dial(episode)
}

// Disconnect closes the channel deliberately. It stops every timer, clears
// the outbound queue and resets the attempt counter. Safe in any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	prev := t.state
	t.episode++
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	if t.conn != nil {
		t.setStateLocked(StateClosing)
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
		_ = t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		t.closeConnLocked()
	}
	dropped := len(t.queue)
	t.queue = nil
	t.attemptCount = 0
	t.exhausted = false
	t.setStateLocked(StateClosed)
	t.opts.Metrics.RecordQueueDepth(0)
	t.mu.Unlock()

	t.opts.Metrics.RecordFramesDropped("disconnect", dropped)
	if prev == StateClosed {
		return
	}
	t.log.WithFields(map[string]interface{}{"dropped": dropped}).Info("disconnected")
	t.emit(Event{
		Kind:      KindDisconnected,
		Payload:   ConnectionInfo{Deliberate: true, Dropped: dropped},
		Timestamp: time.Now(),
	})
}

func (t *Transport) dialURL(token string) (string, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) dial(episode uint64) {
	t.mu.Lock()
	if t.episode != episode {
		t.mu.Unlock()
		return
	}
	token := t.token
	if t.creds != nil {
		if fresh := t.creds(); fresh != "" {
			token = fresh
			t.token = fresh
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.HandshakeTimeout)
	t.dialCancel = cancel
	t.mu.Unlock()
	defer cancel()

	var conn *websocket.Conn
	target, err := t.dialURL(token)
	if err == nil {
		var resp *http.Response
		conn, resp, err = t.opts.Dialer.DialContext(ctx, target, t.opts.Header)
		if err != nil && resp != nil {
			err = fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
	}
	t.opts.Metrics.RecordConnectAttempt(err)
	t.completeDial(episode, conn, err)
}

// completeDial applies the outcome of a dial started for episode. A dial
// from an earlier episode closes its conn and leaves the current one alone.
func (t *Transport) completeDial(episode uint64, conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.episode != episode {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	t.dialCancel = nil

	if err != nil {
		t.lastError = err
		t.setStateLocked(StateClosed)
		events := append([]Event{{
			Kind:      KindError,
			Payload:   ConnectionInfo{Attempt: t.attemptCount, Err: err},
			Timestamp: time.Now(),
		}}, t.scheduleReconnectLocked(err)...)
		t.mu.Unlock()

		t.log.WithError(err).Warn("channel open failed")
		t.emit(events...)
		return
	}

	start := t.installLocked(conn)
	if flushErr := t.flushLocked(); flushErr != nil {
		events := t.dropLocked(flushErr)
		t.mu.Unlock()
		t.log.WithError(flushErr).Warn("flush after open failed")
		t.emit(events...)
		return
	}

	t.attemptCount = 0
	t.lastError = nil
	t.setStateLocked(StateOpen)
	t.mu.Unlock()

	t.log.Info("channel open")
	t.emit(Event{Kind: KindConnected, Payload: ConnectionInfo{}, Timestamp: time.Now()})
	start()
}

// installLocked makes conn the live connection. The returned func starts its
// reader and heartbeat; callers run it after announcing the connection so no
// pushed frame is delivered ahead of KindConnected.
func (t *Transport) installLocked(conn *websocket.Conn) func() {
	t.connGen++
	gen := t.connGen
	done := make(chan struct{})
	t.conn = conn
	t.connDone = done

	return func() {
		go t.readLoop(conn, gen)
		go t.heartbeat(gen, done)
	}
}

// closeConnLocked tears down the physical connection, if any.
func (t *Transport) closeConnLocked() {
	if t.conn == nil {
		return
	}
	close(t.connDone)
	t.conn.Close()
	t.conn = nil
	t.connDone = nil
	t.connGen++
}

// flushLocked writes the queue in order. On failure the unsent frames stay queued.
func (t *Transport) flushLocked() error {
	for len(t.queue) > 0 {
		if err := t.writeLocked(t.queue[0]); err != nil {
			return err
		}
		t.queue = t.queue[1:]
	}
	t.queue = nil
	t.opts.Metrics.RecordQueueDepth(0)
	return nil
}

func (t *Transport) writeLocked(f Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return svcerrors.Protocol("encode frame", err)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	t.opts.Metrics.RecordFrameSent(f.Type)
	return nil
}

// dropLocked handles an unexpected loss of the live connection and returns
// the events to emit once the lock is released.
func (t *Transport) dropLocked(cause error) []Event {
	t.closeConnLocked()
	t.lastError = cause
	t.setStateLocked(StateClosed)

	events := []Event{{
		Kind:      KindDisconnected,
		Payload:   ConnectionInfo{Err: cause},
		Timestamp: time.Now(),
	}}
	return append(events, t.scheduleReconnectLocked(cause)...)
}

// scheduleReconnectLocked arms the single backoff timer, or gives up.
func (t *Transport) scheduleReconnectLocked(cause error) []Event {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}

	if t.attemptCount >= t.opts.MaxReconnectAttempts {
		t.exhausted = true
		t.setStateLocked(StateClosed)
		t.opts.Metrics.RecordReconnectExhausted()
		return []Event{{
			Kind:      KindReconnectFailed,
			Payload:   ConnectionInfo{Attempt: t.attemptCount, Err: cause},
			Timestamp: time.Now(),
		}}
	}

	delay := t.backoff(t.attemptCount)
	t.attemptCount++
	attempt := t.attemptCount
	episode := t.episode
	t.setStateLocked(StateReconnecting)
	t.retryTimer = time.AfterFunc(delay, func() { t.retry(episode) })
	t.opts.Metrics.RecordReconnectScheduled(delay)

	return []Event{{
		Kind:      KindReconnecting,
		Payload:   ConnectionInfo{Attempt: attempt, Delay: delay, Err: cause},
		Timestamp: time.Now(),
	}}
}

// backoff returns base * 2^attempt, capped.
func (t *Transport) backoff(attempt int) time.Duration {
	delay := t.opts.ReconnectBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= t.opts.MaxReconnectDelay {
			return t.opts.MaxReconnectDelay
		}
	}
	if delay > t.opts.MaxReconnectDelay {
		delay = t.opts.MaxReconnectDelay
	}
	return delay
}

func (t *Transport) retry(episode uint64) {
	t.mu.Lock()
	if t.episode != episode || t.state != StateReconnecting {
		t.mu.Unlock()
		return
	}
	t.retryTimer = nil
	attempt := t.attemptCount
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	t.log.WithFields(map[string]interface{}{"attempt": attempt}).Info("reconnecting")
	t.dial(episode)
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
	t.opts.Metrics.RecordTransportState(int(s))
}

// =============================================================================
// Outbound
// =============================================================================

// Send transmits a frame when open, or queues it for replay. It fails only
// when data cannot be encoded, the queue is full, or reconnection has been
// exhausted; write failures requeue the frame and trigger reconnection.
func (t *Transport) Send(eventType string, data interface{}) error {
	frame, err := NewFrame(eventType, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == StateOpen && t.conn != nil {
		werr := t.writeLocked(frame)
		if werr == nil {
			t.mu.Unlock()
			return nil
		}
		t.queue = append([]Frame{frame}, t.queue...)
		t.opts.Metrics.RecordQueueDepth(len(t.queue))
		events := t.dropLocked(werr)
		t.mu.Unlock()

		t.log.WithError(werr).Warn("write failed; frame requeued")
		t.emit(events...)
		return nil
	}

	if t.exhausted {
		attempts := t.attemptCount
		t.mu.Unlock()
		return svcerrors.ExhaustedRetries(attempts)
	}
	if len(t.queue) >= t.opts.MaxQueuedFrames {
		t.mu.Unlock()
		t.opts.Metrics.RecordFramesDropped("queue_full", 1)
		return svcerrors.QueueFull(t.opts.MaxQueuedFrames)
	}
	t.queue = append(t.queue, frame)
	depth := len(t.queue)
	t.mu.Unlock()

	t.opts.Metrics.RecordFrameQueued()
	t.opts.Metrics.RecordQueueDepth(depth)
	t.log.WithFields(map[string]interface{}{"type": eventType, "depth": depth}).Debug("frame queued")
	return nil
}

// sendControl writes a control frame only when open; control frames are never queued.
func (t *Transport) sendControl(gen uint64, frameType string) {
	frame, err := NewFrame(frameType, nil)
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.connGen != gen || t.conn == nil || t.state != StateOpen {
		t.mu.Unlock()
		return
	}
	if werr := t.writeLocked(frame); werr != nil {
		events := t.dropLocked(werr)
		t.mu.Unlock()
		t.log.WithError(werr).Warn("control write failed")
		t.emit(events...)
		return
	}
	t.mu.Unlock()
}

func (t *Transport) heartbeat(gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.sendControl(gen, TypePing)
		}
	}
}

// =============================================================================
// Inbound
// =============================================================================

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.connGen != gen {
				// Torn down deliberately or already handled.
				t.mu.Unlock()
				return
			}
			events := t.dropLocked(err)
			t.mu.Unlock()

			t.log.WithError(err).Warn("channel dropped")
			t.emit(events...)
			return
		}
		t.handleFrame(gen, raw)
	}
}

func (t *Transport) handleFrame(gen uint64, raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		t.protocolError(err, raw)
		return
	}
	t.opts.Metrics.RecordFrameReceived(frame.Type)

	kind := EventKind(frame.Type)
	switch {
	case kind == KindPong:
		t.log.Debug("pong")
		return
	case frame.Type == TypePing:
		t.sendControl(gen, TypePong)
		return
	case kind.IsLifecycle():
		t.protocolError(svcerrors.Protocol("reserved event type "+frame.Type, nil), raw)
		return
	}

	payload, err := decodePayload(kind, frame.Data)
	if err != nil {
		t.protocolError(err, raw)
		return
	}

	ts := frame.Time()
	if ts.IsZero() {
		ts = time.Now()
	}
	t.emit(Event{Kind: kind, Payload: payload, Raw: frame.Data, Timestamp: ts})
}

// protocolError logs and drops a malformed frame without touching the connection.
func (t *Transport) protocolError(err error, raw []byte) {
	t.opts.Metrics.RecordProtocolError()
	t.log.WithError(err).WithField("bytes", len(raw)).Warn("dropping malformed frame")
	t.emit(Event{Kind: KindError, Payload: ConnectionInfo{Err: err}, Raw: raw, Timestamp: time.Now()})
}

// =============================================================================
// Handlers
// =============================================================================

// On registers h for kind and returns a function that removes it. The
// returned function is idempotent.
func (t *Transport) On(kind EventKind, h Handler) func() {
	t.handlersMu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[kind] = append(t.handlers[kind], handlerEntry{id: id, fn: h})
	t.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.off(kind, id) })
	}
}

func (t *Transport) off(kind EventKind, id uint64) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	entries := t.handlers[kind]
	for i, e := range entries {
		if e.id == id {
			next := make([]handlerEntry, 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(t.handlers, kind)
			} else {
				t.handlers[kind] = next
			}
			return
		}
	}
}

// OnMessage registers a typed handler for chat messages.
func (t *Transport) OnMessage(h func(ChatMessage)) func() {
	return t.On(KindMessage, func(ev Event) {
		if p, ok := ev.Payload.(ChatMessage); ok {
			h(p)
		}
	})
}

// OnNotification registers a typed handler for notifications.
func (t *Transport) OnNotification(h func(Notification)) func() {
	return t.On(KindNotification, func(ev Event) {
		if p, ok := ev.Payload.(Notification); ok {
			h(p)
		}
	})
}

// OnMatch registers a typed handler for matches.
func (t *Transport) OnMatch(h func(Match)) func() {
	return t.On(KindMatch, func(ev Event) {
		if p, ok := ev.Payload.(Match); ok {
			h(p)
		}
	})
}

// OnTyping registers a typed handler for typing indicators.
func (t *Transport) OnTyping(h func(TypingIndicator)) func() {
	return t.On(KindTyping, func(ev Event) {
		if p, ok := ev.Payload.(TypingIndicator); ok {
			h(p)
		}
	})
}

// OnPresence registers a typed handler for presence updates.
func (t *Transport) OnPresence(h func(PresenceUpdate)) func() {
	return t.On(KindPresence, func(ev Event) {
		if p, ok := ev.Payload.(PresenceUpdate); ok {
			h(p)
		}
	})
}

// emit delivers events in order to a snapshot of each kind's handlers.
// A panicking handler is logged and does not affect the others.
func (t *Transport) emit(events ...Event) {
	for _, ev := range events {
		t.handlersMu.RLock()
		entries := make([]handlerEntry, len(t.handlers[ev.Kind]))
		copy(entries, t.handlers[ev.Kind])
		t.handlersMu.RUnlock()

		for _, e := range entries {
			t.safeCall(e.fn, ev)
		}
	}
}

func (t *Transport) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.Metrics.RecordHandlerPanic("transport")
			t.log.WithFields(map[string]interface{}{
				"event": string(ev.Kind),
				"panic": fmt.Sprint(r),
			}).Error("event handler panicked")
		}
	}()
	h(ev)
}
