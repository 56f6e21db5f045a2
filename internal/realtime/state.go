package realtime

import (
	"encoding/json"
	"fmt"
)

// State is the connection state of a Transport.
type State int32

const (
	// StateClosed means no channel exists and none is being opened.
	StateClosed State = iota

	// StateConnecting means a handshake is in progress.
	StateConnecting

	// StateOpen means frames are written immediately.
	StateOpen

	// StateClosing means a deliberate disconnect is tearing the channel down.
	StateClosing

	// StateReconnecting means an open channel dropped unexpectedly and a
	// backoff timer is pending.
	StateReconnecting
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseState(str)
	return nil
}

// ParseState converts a string to State. Unknown names map to StateClosed.
func ParseState(s string) State {
	switch s {
	case "connecting":
		return StateConnecting
	case "open":
		return StateOpen
	case "closing":
		return StateClosing
	case "reconnecting":
		return StateReconnecting
	default:
		return StateClosed
	}
}

// Queueing reports whether Send enqueues rather than writes in this state.
func (s State) Queueing() bool {
	return s != StateOpen
}
