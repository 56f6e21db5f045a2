package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchdog088/Test-apps-sub002/internal/httputil"
	"github.com/Watchdog088/Test-apps-sub002/internal/logging"
)

var testSecret = []byte("middleware-test-secret")

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(userID string) Claims {
	return Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-" + userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// =============================================================================
// Auth
// =============================================================================

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc", "abc", true},
		{"lowercase scheme", "bearer abc", "abc", true},
		{"missing", "", "", false},
		{"wrong scheme", "Basic abc", "", false},
		{"empty token", "Bearer   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(r)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAuthMiddleware_ValidateToken(t *testing.T) {
	revoked := map[string]bool{"jti-revoked": true}
	m := NewAuthMiddleware(testSecret, func(id string) bool { return revoked[id] }, logging.NewNop())

	claims, err := m.ValidateToken(signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("u1")))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	_, err = m.ValidateToken(signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims("u1")))
	assert.Error(t, err, "wrong secret")

	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err = m.ValidateToken(signToken(t, jwt.SigningMethodHS256, testSecret, expired))
	assert.Error(t, err, "expired")

	_, err = m.ValidateToken(signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("revoked")))
	assert.Error(t, err, "revoked")

	_, err = m.ValidateToken(signToken(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, validClaims("u1")))
	assert.Error(t, err, "unsigned")

	_, err = m.ValidateToken(signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("")))
	assert.Error(t, err, "no user")
}

func TestAuthMiddleware_Handler(t *testing.T) {
	m := NewAuthMiddleware(testSecret, nil, logging.NewNop())
	var gotUser string
	var gotClaims *Claims
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = logging.GetUserID(r.Context())
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, testSecret, validClaims("u7")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "u7", gotUser)
	require.NotNil(t, gotClaims)
	assert.Equal(t, "jti-u7", gotClaims.ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/validate", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Code)

	r = httptest.NewRequest(http.MethodGet, "/auth/validate", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", decodeError(t, rec).Code)
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logging.NewNop())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1001").Code)

	rec := call("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "RATE_LIMITED", body.Code)
	assert.EqualValues(t, 2, body.Details["limit"])

	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000").Code, "other clients are unaffected")
}

// =============================================================================
// Tracing
// =============================================================================

func TestTracing_AssignsAndPropagatesTraceID(t *testing.T) {
	var seen string
	h := Tracing(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(TraceHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(TraceHeader, "caller-trace")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "caller-trace", seen)
	assert.Equal(t, "caller-trace", rec.Header().Get(TraceHeader))
}

func TestTracing_AllowsWebsocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	h := Tracing(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
}
