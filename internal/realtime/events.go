package realtime

import (
	"encoding/json"
	"time"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// EventKind names an event delivered by a Transport. Inbound frame types and
// lifecycle transitions share the namespace; any inbound type outside the
// well-known set is delivered under its literal name.
type EventKind string

// Inbound kinds with typed payloads.
const (
	KindMessage      EventKind = "message"
	KindNotification EventKind = "notification"
	KindMatch        EventKind = "match"
	KindTyping       EventKind = "typing"
	KindPresence     EventKind = "presence"
	KindPong         EventKind = "pong"
)

// Lifecycle kinds. These are produced locally and never accepted from the wire.
const (
	KindConnected       EventKind = "connected"
	KindDisconnected    EventKind = "disconnected"
	KindReconnecting    EventKind = "reconnecting"
	KindReconnectFailed EventKind = "reconnectFailed"
	KindError           EventKind = "error"
)

// IsLifecycle reports whether k is produced by the transport itself.
func (k EventKind) IsLifecycle() bool {
	switch k {
	case KindConnected, KindDisconnected, KindReconnecting, KindReconnectFailed, KindError:
		return true
	}
	return false
}

// IsWellKnown reports whether k has a typed payload.
func (k EventKind) IsWellKnown() bool {
	switch k {
	case KindMessage, KindNotification, KindMatch, KindTyping, KindPresence, KindPong:
		return true
	}
	return false
}

// =============================================================================
// Payloads
// =============================================================================

// ChatMessage is the payload of a message frame.
type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	SentAt         int64  `json:"sentAt,omitempty"`
}

// Notification is the payload of a notification frame.
type Notification struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title,omitempty"`
	Body      string                 `json:"body,omitempty"`
	Read      bool                   `json:"read"`
	CreatedAt int64                  `json:"createdAt,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Match is the payload of a match frame.
type Match struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	MatchedUserID string  `json:"matchedUserId"`
	Score         float64 `json:"score,omitempty"`
	CreatedAt     int64   `json:"createdAt,omitempty"`
}

// TypingIndicator is the payload of a typing frame.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// PresenceUpdate is the payload of a presence frame.
type PresenceUpdate struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// ConnectionInfo is the payload of lifecycle events.
type ConnectionInfo struct {
	// Attempt is the reconnection attempt number, starting at 1.
	Attempt int
	// Delay is the backoff before the attempt (reconnecting only).
	Delay time.Duration
	// Err is the cause of a drop or failure.
	Err error
	// Deliberate is set on the disconnected event of Disconnect.
	Deliberate bool
	// Dropped counts queued frames discarded by the transition.
	Dropped int
}

// =============================================================================
// Event
// =============================================================================

// Event is delivered to handlers. Payload holds one of the typed payloads
// above for well-known and lifecycle kinds, or nil for custom kinds whose
// data is only available in Raw.
type Event struct {
	Kind      EventKind
	Payload   interface{}
	Raw       json.RawMessage
	Timestamp time.Time
}

// Handler receives events.
type Handler func(Event)

// decodePayload decodes frame data for well-known kinds.
func decodePayload(kind EventKind, raw json.RawMessage) (interface{}, error) {
	var target interface{}
	switch kind {
	case KindMessage:
		target = &ChatMessage{}
	case KindNotification:
		target = &Notification{}
	case KindMatch:
		target = &Match{}
	case KindTyping:
		target = &TypingIndicator{}
	case KindPresence:
		target = &PresenceUpdate{}
	default:
		return nil, nil
	}

	if len(raw) == 0 {
		return nil, svcerrors.Protocol(string(kind)+" frame has no data", nil)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, svcerrors.Protocol("decode "+string(kind)+" payload", err)
	}

	switch p := target.(type) {
	case *ChatMessage:
		return *p, nil
	case *Notification:
		return *p, nil
	case *Match:
		return *p, nil
	case *TypingIndicator:
		return *p, nil
	case *PresenceUpdate:
		return *p, nil
	}
	return nil, nil
}
