package session

import (
	"context"
	"strings"
	"time"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
)

// =============================================================================
// Identity
// =============================================================================

// User is the authenticated identity returned by the authority.
type User struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Email      string                 `json:"email"`
	Avatar     string                 `json:"avatar,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Session pairs a bearer token with the user it was issued to.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Valid reports whether both halves of the session are present.
func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.User.ID != ""
}

// Credentials authenticate an existing user, either with email and password
// or with a token issued by a social identity provider.
type Credentials struct {
	Email         string `json:"email,omitempty"`
	Password      string `json:"password,omitempty"`
	Provider      string `json:"provider,omitempty"`
	ProviderToken string `json:"provider_token,omitempty"`
}

// Validate rejects credentials that cannot possibly authenticate.
func (c Credentials) Validate() error {
	if c.Provider != "" {
		if c.ProviderToken == "" {
			return svcerrors.Validation("provider_token is required for social login")
		}
		return nil
	}
	if strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return svcerrors.InvalidCredentials("email and password are required")
	}
	return nil
}

// Registration is the payload for creating a new account.
type Registration struct {
	Name       string                 `json:"name"`
	Email      string                 `json:"email"`
	Password   string                 `json:"password"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Validate performs local checks before the authority is contacted.
func (r Registration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return svcerrors.Validation("name is required")
	}
	if !strings.Contains(r.Email, "@") {
		return svcerrors.Validation("a valid email is required")
	}
	if len(r.Password) < 8 {
		return svcerrors.Validation("password must be at least 8 characters")
	}
	return nil
}

// Authority is the remote authentication service.
type Authority interface {
	Login(ctx context.Context, creds Credentials) (*Session, error)
	Register(ctx context.Context, reg Registration) (*Session, error)
	Refresh(ctx context.Context, token string) (*Session, error)
	Logout(ctx context.Context, token string) error
	Validate(ctx context.Context, token string) (bool, error)
}

// =============================================================================
// Lifecycle events
// =============================================================================

// EventKind identifies a session lifecycle transition.
type EventKind string

const (
	EventLogin      EventKind = "login"
	EventRegister   EventKind = "register"
	EventLogout     EventKind = "logout"
	EventUserUpdate EventKind = "userUpdate"
	EventRefresh    EventKind = "refresh"
)

// Logout reasons carried in Event.Reason.
const (
	ReasonUser          = "user"
	ReasonRefreshFailed = "refresh_failed"
	ReasonInvalidated   = "invalidated"
	ReasonRestored      = "restored"
)

// Event is delivered to listeners after the state change it describes.
// Session is nil for logout.
type Event struct {
	Kind      EventKind
	Session   *Session
	Reason    string
	Timestamp time.Time
}

// Listener receives lifecycle events.
type Listener func(Event)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64
