// Package devserver is a local stand-in for the remote side of the sync
// client: an authentication authority and a realtime push endpoint on one
// router. It backs end-to-end tests and cmd/devserver, and exposes control
// methods to push frames, drop sockets and reject handshakes.
package devserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/httputil"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
	"github.com/Watchdog088/Test-apps-sub002/internal/middleware"
	"github.com/Watchdog088/Test-apps-sub002/internal/realtime"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
)

// Config configures a Server.
type Config struct {
	// Secret signs HS256 tokens. A random secret is generated when empty.
	Secret []byte
	// TokenLifetime is the exp - iat span of issued tokens. Default: 60m.
	TokenLifetime time.Duration
	// RequestsPerSecond and Burst bound /auth traffic per client. Default: 100/100.
	RequestsPerSecond float64
	Burst             int
	// BcryptCost for stored passwords. Default: bcrypt.MinCost.
	BcryptCost int
	// WriteTimeout bounds each websocket write. Default: 5s.
	WriteTimeout time.Duration
	Logger       *logging.Logger
}

func (c *Config) applyDefaults() {
	if len(c.Secret) == 0 {
		c.Secret = []byte(uuid.NewString())
	}
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = 60 * time.Minute
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.MinCost
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
}

type account struct {
	user session.User
	hash []byte
}

// Server implements the authority HTTP surface and the /ws push endpoint.
type Server struct {
	cfg      Config
	log      *logging.Logger
	auth     *middleware.AuthMiddleware
	router   *mux.Router
	upgrader websocket.Upgrader

	mu         sync.Mutex
	byEmail    map[string]*account
	byID       map[string]*account
	issued     map[string]string // jti -> user ID
	revoked    map[string]bool
	conns      map[*clientConn]struct{}
	received   map[string][]realtime.Frame
	rejectNext int
	handshakes int
}

// New creates a Server. Serve it with Handler.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		byEmail:  make(map[string]*account),
		byID:     make(map[string]*account),
		issued:   make(map[string]string),
		revoked:  make(map[string]bool),
		conns:    make(map[*clientConn]struct{}),
		received: make(map[string][]realtime.Frame),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.auth = middleware.NewAuthMiddleware(cfg.Secret, s.isRevoked, cfg.Logger)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Tracing(s.log))

	api := r.PathPrefix("/auth").Subrouter()
	api.Use(middleware.NewRateLimiter(s.cfg.RequestsPerSecond, s.cfg.Burst, s.log).Handler)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.Handle("/refresh", s.auth.Handler(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	api.Handle("/logout", s.auth.Handler(http.HandlerFunc(s.handleLogout))).Methods(http.MethodPost)
	api.Handle("/validate", s.auth.Handler(http.HandlerFunc(s.handleValidate))).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// =============================================================================
// Accounts and tokens
// =============================================================================

// AddUser registers an account directly.
func (s *Server) AddUser(name, email, password string) (session.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return session.User{}, svcerrors.Internal("hash password", err)
	}

	key := normalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[key]; exists {
		return session.User{}, svcerrors.New(svcerrors.CodeValidation, "email already registered", http.StatusConflict, nil)
	}

	acct := &account{
		user: session.User{ID: uuid.NewString(), Name: name, Email: key},
		hash: hash,
	}
	s.byEmail[key] = acct
	s.byID[acct.user.ID] = acct
	return acct.user, nil
}

func (s *Server) issue(user session.User) (string, error) {
	now := time.Now()
	claims := middleware.Claims{
		UserID: user.ID,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenLifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", svcerrors.Internal("sign token", err)
	}

	s.mu.Lock()
	s.issued[claims.ID] = user.ID
	s.mu.Unlock()
	return token, nil
}

func (s *Server) isRevoked(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[tokenID]
}

func (s *Server) revoke(tokenID string) {
	s.mu.Lock()
	s.revoked[tokenID] = true
	s.mu.Unlock()
}

// RevokeAll invalidates every token issued so far.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.issued {
		s.revoked[id] = true
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// =============================================================================
// HTTP handlers
// =============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if err := httputil.ReadJSON(r, &creds); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if creds.Provider != "" {
		httputil.WriteError(w, svcerrors.Validation("social login is not supported by this server").
			WithDetails("provider", creds.Provider))
		return
	}

	s.mu.Lock()
	acct, ok := s.byEmail[normalizeEmail(creds.Email)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(creds.Password)) != nil {
		httputil.WriteError(w, svcerrors.InvalidCredentials("Invalid email or password"))
		return
	}

	s.writeSession(w, r, http.StatusOK, acct.user)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg session.Registration
	if err := httputil.ReadJSON(r, &reg); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := reg.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	user, err := s.AddUser(reg.Name, reg.Email, reg.Password)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if len(reg.Attributes) > 0 {
		s.mu.Lock()
		s.byID[user.ID].user.Attributes = reg.Attributes
		user = s.byID[user.ID].user
		s.mu.Unlock()
	}

	s.writeSession(w, r, http.StatusCreated, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	user, ok := s.lookup(claims.UserID)
	if !ok {
		httputil.WriteError(w, svcerrors.InvalidToken(nil).WithDetails("reason", "unknown user"))
		return
	}

	token, err := s.issue(user)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.revoke(claims.ID)

	httputil.WriteJSON(w, http.StatusOK, session.Session{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	s.revoke(claims.ID)
	s.log.WithContext(r.Context()).Info("session revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, status int, user session.User) {
	token, err := s.issue(user)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.log.WithContext(logging.WithUserID(r.Context(), user.ID)).Info("session issued")
	httputil.WriteJSON(w, status, session.Session{Token: token, User: user})
}

func (s *Server) lookup(userID string) (session.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[userID]
	if !ok {
		return session.User{}, false
	}
	return acct.user, true
}
