package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watchdog088/Test-apps-sub002/internal/authclient"
	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/realtime"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func newClient(baseURL string) *authclient.Client {
	retry := authclient.DefaultRetryConfig()
	retry.MaxRetries = 0
	return authclient.New(authclient.Config{BaseURL: baseURL, Timeout: 5 * time.Second, Retry: retry})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// =============================================================================
// Authority
// =============================================================================

func TestServer_AuthorityFlow(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	client := newClient(srv.URL)
	ctx := context.Background()

	reg, err := client.Register(ctx, session.Registration{
		Name: "Ada", Email: "Ada@Example.com", Password: "correct-horse",
		Attributes: map[string]interface{}{"city": "London"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", reg.User.Email)
	assert.Equal(t, "London", reg.User.Attributes["city"])

	login, err := client.Login(ctx, session.Credentials{Email: "ada@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)

	valid, err := client.Validate(ctx, login.Token)
	require.NoError(t, err)
	assert.True(t, valid)

	refreshed, err := client.Refresh(ctx, login.Token)
	require.NoError(t, err)
	assert.NotEqual(t, login.Token, refreshed.Token)
	assert.Equal(t, reg.User.ID, refreshed.User.ID)

	valid, err = client.Validate(ctx, login.Token)
	require.NoError(t, err)
	assert.False(t, valid, "refresh revokes the old token")

	require.NoError(t, client.Logout(ctx, refreshed.Token))
	valid, err = client.Validate(ctx, refreshed.Token)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestServer_LoginFailures(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	client := newClient(srv.URL)
	_, err := s.AddUser("Bob", "bob@example.com", "password-1")
	require.NoError(t, err)

	_, err = client.Login(context.Background(), session.Credentials{Email: "bob@example.com", Password: "nope"})
	assert.ErrorIs(t, err, svcerrors.ErrInvalidCredentials)

	_, err = client.Login(context.Background(), session.Credentials{Email: "nobody@example.com", Password: "password-1"})
	assert.ErrorIs(t, err, svcerrors.ErrInvalidCredentials)

	_, err = client.Login(context.Background(), session.Credentials{Provider: "google", ProviderToken: "tok"})
	assert.ErrorIs(t, err, svcerrors.ErrValidation)
}

func TestServer_RegisterRejections(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	client := newClient(srv.URL)
	_, err := s.AddUser("Bob", "bob@example.com", "password-1")
	require.NoError(t, err)

	_, err = client.Register(context.Background(), session.Registration{Name: "Bob", Email: "BOB@example.com", Password: "password-2"})
	assert.ErrorIs(t, err, svcerrors.ErrValidation)

	_, err = s.AddUser("Bob", "bob@example.com", "x")
	assert.ErrorIs(t, err, svcerrors.ErrValidation)
}

func TestServer_RevokeAll(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	client := newClient(srv.URL)
	_, err := s.AddUser("Cy", "cy@example.com", "password-1")
	require.NoError(t, err)

	sess, err := client.Login(context.Background(), session.Credentials{Email: "cy@example.com", Password: "password-1"})
	require.NoError(t, err)

	s.RevokeAll()
	valid, err := client.Validate(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = client.Refresh(context.Background(), sess.Token)
	assert.ErrorIs(t, err, svcerrors.ErrRefreshFailed)
}

func TestServer_RateLimited(t *testing.T) {
	_, srv := newTestServer(t, Config{RequestsPerSecond: 0.001, Burst: 1})

	post := func() *http.Response {
		resp, err := http.Post(srv.URL+"/auth/login", "application/json",
			strings.NewReader(`{"email":"x@example.com","password":"p"}`))
		require.NoError(t, err)
		return resp
	}

	resp := post()
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body.Code)
}

// =============================================================================
// Realtime
// =============================================================================

func loginUser(t *testing.T, s *Server, srv *httptest.Server, email string) *session.Session {
	t.Helper()
	_, err := s.AddUser("User", email, "password-1")
	require.NoError(t, err)
	sess, err := newClient(srv.URL).Login(context.Background(), session.Credentials{Email: email, Password: "password-1"})
	require.NoError(t, err)
	return sess
}

func TestServer_WebsocketRejectsBadToken(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_PushAndReceive(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	sess := loginUser(t, s, srv, "dee@example.com")

	tr := realtime.NewTransport(wsURL(srv), realtime.Options{ReconnectBaseDelay: 10 * time.Millisecond})
	defer tr.Disconnect()

	got := make(chan realtime.ChatMessage, 1)
	tr.OnMessage(func(m realtime.ChatMessage) { got <- m })

	tr.Connect(sess.Token)
	require.Eventually(t, func() bool { return s.Connections(sess.User.ID) == 1 }, waitFor, tick)

	n, err := s.Push(sess.User.ID, "message", realtime.ChatMessage{ID: "m1", ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case m := <-got:
		assert.Equal(t, "hi", m.Content)
	case <-time.After(waitFor):
		t.Fatal("message not delivered")
	}

	require.NoError(t, tr.Send("typing", map[string]bool{"typing": true}))
	require.Eventually(t, func() bool { return len(s.Received(sess.User.ID)) == 1 }, waitFor, tick)
	assert.Equal(t, "typing", s.Received(sess.User.ID)[0].Type)

	n, err = s.Push("someone-else", "message", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServer_PingAnsweredWithPong(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	sess := loginUser(t, s, srv, "eve@example.com")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+sess.Token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1}`)))
	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	frame, err := realtime.DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, realtime.TypePong, frame.Type)
	assert.Empty(t, s.Received(sess.User.ID), "control frames are not recorded")
}

func TestServer_DropAndRejectHandshakes(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	sess := loginUser(t, s, srv, "fay@example.com")

	tr := realtime.NewTransport(wsURL(srv), realtime.Options{
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 5,
	})
	defer tr.Disconnect()

	tr.Connect(sess.Token)
	require.Eventually(t, func() bool { return tr.State() == realtime.StateOpen }, waitFor, tick)
	before := s.Handshakes()

	s.RejectHandshakes(2)
	s.DropConnections()

	require.Eventually(t, func() bool {
		return tr.State() == realtime.StateOpen && s.Handshakes() == before+3
	}, waitFor, tick)
	require.Eventually(t, func() bool { return s.Connections(sess.User.ID) == 1 }, waitFor, tick)
}
