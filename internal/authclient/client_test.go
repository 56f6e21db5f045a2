package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Retry: fastRetry()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Trace-ID"))

		var creds session.Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		if creds.Password != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"token": "tok-1",
			"user":  map[string]string{"id": "u1", "name": "Alice", "email": creds.Email},
		})
	})

	sess, err := c.Login(context.Background(), session.Credentials{Email: "a@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "u1", sess.User.ID)

	_, err = c.Login(context.Background(), session.Credentials{Email: "a@example.com", Password: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrInvalidCredentials))
	assert.Contains(t, err.Error(), "bad password")
}

func TestRegister_ValidationError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "email taken", "code": "DUPLICATE"})
	})

	_, err := c.Register(context.Background(), session.Registration{Name: "A", Email: "a@b.c", Password: "longenough"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrValidation))
	assert.Equal(t, http.StatusConflict, svcerrors.GetServiceError(err).Details["status"])
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer old" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "new"})
	})

	sess, err := c.Refresh(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new", sess.Token)

	_, err = c.Refresh(context.Background(), "stale")
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrRefreshFailed))
	assert.True(t, errors.Is(err, svcerrors.ErrUnauthorized))
}

func TestValidate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
		case "Bearer revoked":
			writeJSON(w, http.StatusOK, map[string]bool{"valid": false})
		default:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown"})
		}
	})

	tests := []struct {
		token string
		want  bool
	}{
		{"good", true},
		{"revoked", false},
		{"garbage", false},
	}
	for _, tc := range tests {
		got, err := c.Validate(context.Background(), tc.token)
		require.NoError(t, err, tc.token)
		assert.Equal(t, tc.want, got, tc.token)
	}
}

func TestLogout(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/auth/logout", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Logout(context.Background(), "tok"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetriesServerErrorsButNotAuthErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/auth/login" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "nope"})
			return
		}
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
	})

	valid, err := c.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, 0)
	_, err = c.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPersistentServerErrorIsTyped(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream down"})
	})

	err := c.Logout(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, svcerrors.IsTransient(err))
}

func TestNetworkErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Retry: fastRetry()})
	_, err := c.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrNetwork))
}

func TestMalformedSessionIsProtocolError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "only-token"})
	})

	_, err := c.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "x"})
	assert.True(t, errors.Is(err, svcerrors.ErrProtocol))
}
