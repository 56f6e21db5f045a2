package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
	"github.com/Watchdog088/Test-apps-sub002/pkg/testutil"
)

var alice = session.User{ID: "u-alice", Name: "Alice", Email: "alice@example.com"}

type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) listen(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []session.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newManager(t *testing.T, opts session.Options) (*session.Manager, *testutil.MockAuthority, kv.Storage, *recorder) {
	t.Helper()
	auth := testutil.NewMockAuthority()
	auth.AddUser(alice, "correct-horse")
	storage := kv.NewMemory()
	m := session.NewManager(auth, storage, opts)
	t.Cleanup(m.Close)

	rec := &recorder{}
	m.AddListener(rec.listen)
	return m, auth, storage, rec
}

func login(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	sess, err := m.Login(context.Background(), session.Credentials{Email: alice.Email, Password: "correct-horse"})
	require.NoError(t, err)
	return sess
}

func TestLogin_EstablishesSession(t *testing.T) {
	m, _, storage, rec := newManager(t, session.Options{})
	ctx := context.Background()

	sess := login(t, m)

	assert.True(t, m.IsAuthenticated())
	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, sess.User, user)
	assert.Equal(t, sess.Token, m.Token())
	assert.Equal(t, []session.EventKind{session.EventLogin}, rec.kinds())
	assert.False(t, m.NextRefresh().IsZero())

	token, err := storage.Get(ctx, session.TokenKey)
	require.NoError(t, err)
	assert.Equal(t, sess.Token, token)
	rawUser, err := storage.Get(ctx, session.UserKey)
	require.NoError(t, err)
	assert.Contains(t, rawUser, `"id":"u-alice"`)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	m, _, _, rec := newManager(t, session.Options{})

	_, err := m.Login(context.Background(), session.Credentials{Email: alice.Email, Password: "wrong"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrInvalidCredentials))
	assert.True(t, svcerrors.IsAuthFailure(err))
	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, rec.kinds())
}

func TestLogin_NetworkFailurePropagates(t *testing.T) {
	m, auth, _, _ := newManager(t, session.Options{})
	auth.Fail(testutil.OpLogin, svcerrors.Network(errors.New("dial tcp: refused")))

	_, err := m.Login(context.Background(), session.Credentials{Email: alice.Email, Password: "correct-horse"})
	assert.True(t, errors.Is(err, svcerrors.ErrNetwork))
	assert.False(t, m.IsAuthenticated())
}

func TestRegister(t *testing.T) {
	m, auth, _, rec := newManager(t, session.Options{})
	ctx := context.Background()

	_, err := m.Register(ctx, session.Registration{Name: "Bob", Email: "bob@example.com", Password: "short"})
	assert.True(t, errors.Is(err, svcerrors.ErrValidation))
	assert.Zero(t, auth.Calls(testutil.OpRegister))

	_, err = m.Register(ctx, session.Registration{Name: "Dup", Email: alice.Email, Password: "longenough"})
	assert.True(t, errors.Is(err, svcerrors.ErrValidation))

	sess, err := m.Register(ctx, session.Registration{Name: "Bob", Email: "bob@example.com", Password: "longenough"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", sess.User.Name)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, []session.EventKind{session.EventRegister}, rec.kinds())
}

func TestRefresh_ReplacesTokenKeepsUser(t *testing.T) {
	m, auth, storage, rec := newManager(t, session.Options{})
	first := login(t, m)

	next, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, next.Token)
	assert.Equal(t, first.User, next.User)
	assert.Equal(t, next.Token, m.Token())
	assert.False(t, auth.Issued(first.Token))
	assert.Equal(t, session.EventRefresh, rec.last().Kind)

	token, err := storage.Get(context.Background(), session.TokenKey)
	require.NoError(t, err)
	assert.Equal(t, next.Token, token)
}

func TestRefresh_FailureClearsSession(t *testing.T) {
	m, auth, storage, rec := newManager(t, session.Options{})
	login(t, m)
	auth.Fail(testutil.OpRefresh, svcerrors.HTTPStatusToError(401, "token expired"))

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, svcerrors.ErrRefreshFailed))

	assert.False(t, m.IsAuthenticated())
	assert.Empty(t, m.Token())
	assert.True(t, m.NextRefresh().IsZero())
	ev := rec.last()
	assert.Equal(t, session.EventLogout, ev.Kind)
	assert.Equal(t, session.ReasonRefreshFailed, ev.Reason)

	_, err = storage.Get(context.Background(), session.TokenKey)
	assert.True(t, errors.Is(err, kv.ErrNotFound))
	_, err = storage.Get(context.Background(), session.UserKey)
	assert.True(t, errors.Is(err, kv.ErrNotFound))
}

func TestRefresh_NotAuthenticated(t *testing.T) {
	m, _, _, _ := newManager(t, session.Options{})
	_, err := m.Refresh(context.Background())
	assert.True(t, errors.Is(err, svcerrors.ErrNotAuthenticated))
}

// blockingAuthority holds a successful Refresh response until released.
type blockingAuthority struct {
	*testutil.MockAuthority
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAuthority) Refresh(ctx context.Context, token string) (*session.Session, error) {
	sess, err := b.MockAuthority.Refresh(ctx, token)
	close(b.entered)
	<-b.release
	return sess, err
}

func TestRefresh_DoesNotResurrectAfterLogout(t *testing.T) {
	mock := testutil.NewMockAuthority()
	mock.AddUser(alice, "correct-horse")
	auth := &blockingAuthority{MockAuthority: mock, entered: make(chan struct{}), release: make(chan struct{})}
	m := session.NewManager(auth, nil, session.Options{})
	t.Cleanup(m.Close)
	login(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()

	<-auth.entered
	m.Logout(context.Background())
	close(auth.release)

	err := <-done
	assert.True(t, errors.Is(err, svcerrors.ErrNotAuthenticated))
	assert.False(t, m.IsAuthenticated())
}

func newBlockingManager(t *testing.T) (*session.Manager, *blockingAuthority) {
	t.Helper()
	mock := testutil.NewMockAuthority()
	mock.AddUser(alice, "correct-horse")
	auth := &blockingAuthority{MockAuthority: mock, entered: make(chan struct{}), release: make(chan struct{})}
	m := session.NewManager(auth, nil, session.Options{})
	t.Cleanup(m.Close)
	return m, auth
}

func TestRefresh_ProfileEditInFlightKeepsNewToken(t *testing.T) {
	m, auth := newBlockingManager(t)
	first := login(t, m)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()

	<-auth.entered
	edited := alice
	edited.Name = "Alice L."
	require.NoError(t, m.UpdateUser(context.Background(), edited))
	close(auth.release)

	require.NoError(t, <-done)
	assert.NotEqual(t, first.Token, m.Token())
	assert.True(t, auth.Issued(m.Token()))
	assert.False(t, m.NextRefresh().IsZero())

	user, ok := m.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "Alice L.", user.Name)
}

func TestRefresh_FailureAfterProfileEditStillClears(t *testing.T) {
	m, auth := newBlockingManager(t)
	login(t, m)
	auth.Fail(testutil.OpRefresh, svcerrors.Unauthorized(""))

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		done <- err
	}()

	<-auth.entered
	require.NoError(t, m.UpdateUser(context.Background(), alice))
	close(auth.release)

	err := <-done
	assert.True(t, errors.Is(err, svcerrors.ErrRefreshFailed))
	assert.False(t, m.IsAuthenticated())
	assert.True(t, m.NextRefresh().IsZero())
}

func TestScheduledRefresh(t *testing.T) {
	m, auth, _, rec := newManager(t, session.Options{
		TokenLifetime:   200 * time.Millisecond,
		RefreshRatio:    0.5,
		MinRefreshDelay: time.Millisecond,
	})
	first := login(t, m)

	require.Eventually(t, func() bool {
		return auth.Calls(testutil.OpRefresh) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return m.Token() != first.Token }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, k := range rec.kinds() {
			if k == session.EventRefresh {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.IsAuthenticated())
}

func TestScheduledRefresh_FailureLogsOut(t *testing.T) {
	m, auth, _, rec := newManager(t, session.Options{
		TokenLifetime:   100 * time.Millisecond,
		RefreshRatio:    0.5,
		MinRefreshDelay: time.Millisecond,
	})
	login(t, m)
	auth.Fail(testutil.OpRefresh, svcerrors.Unauthorized(""))

	require.Eventually(t, func() bool {
		return !m.IsAuthenticated() && rec.last().Kind == session.EventLogout
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.NextRefresh().IsZero())
}

func TestOnlyOneRefreshTimer(t *testing.T) {
	m, auth, _, _ := newManager(t, session.Options{
		TokenLifetime:   400 * time.Millisecond,
		RefreshRatio:    0.5,
		MinRefreshDelay: time.Millisecond,
	})
	login(t, m)
	login(t, m)
	login(t, m)

	require.Eventually(t, func() bool {
		return auth.Calls(testutil.OpRefresh) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, auth.Calls(testutil.OpRefresh))
}

func TestLogout_RemoteFailureStillClears(t *testing.T) {
	m, auth, storage, rec := newManager(t, session.Options{})
	login(t, m)
	auth.Fail(testutil.OpLogout, svcerrors.Network(errors.New("network unreachable")))

	m.Logout(context.Background())

	assert.False(t, m.IsAuthenticated())
	assert.True(t, m.NextRefresh().IsZero())
	assert.Equal(t, session.EventLogout, rec.last().Kind)
	assert.Equal(t, 1, auth.Calls(testutil.OpLogout))

	_, err := storage.Get(context.Background(), session.TokenKey)
	assert.True(t, errors.Is(err, kv.ErrNotFound))
}

func TestLogout_Idempotent(t *testing.T) {
	m, auth, _, rec := newManager(t, session.Options{})

	m.Logout(context.Background())
	m.Logout(context.Background())

	assert.False(t, m.IsAuthenticated())
	assert.Zero(t, auth.Calls(testutil.OpLogout))
	assert.Equal(t, []session.EventKind{session.EventLogout, session.EventLogout}, rec.kinds())
}

func TestValidate_InvalidatedSessionIsCleared(t *testing.T) {
	m, auth, _, rec := newManager(t, session.Options{})
	sess := login(t, m)

	valid, err := m.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, valid)

	auth.Revoke(sess.Token)
	valid, err = m.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, valid)
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, session.ReasonInvalidated, rec.last().Reason)
}

func TestValidate_TransportErrorKeepsSession(t *testing.T) {
	m, auth, _, _ := newManager(t, session.Options{})
	login(t, m)
	auth.Fail(testutil.OpValidate, svcerrors.Network(nil))

	_, err := m.Validate(context.Background())
	assert.Error(t, err)
	assert.True(t, m.IsAuthenticated())
}

func TestStart_PeriodicValidation(t *testing.T) {
	m, auth, _, _ := newManager(t, session.Options{ValidateInterval: time.Second})
	sess := login(t, m)
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	auth.Revoke(sess.Token)
	require.Eventually(t, func() bool { return !m.IsAuthenticated() }, 3*time.Second, 20*time.Millisecond)
}

func TestRestore(t *testing.T) {
	auth := testutil.NewMockAuthority()
	auth.AddUser(alice, "correct-horse")
	storage := kv.NewMemory()

	first := session.NewManager(auth, storage, session.Options{})
	sess := login(t, first)
	first.Close()

	second := session.NewManager(auth, storage, session.Options{})
	t.Cleanup(second.Close)
	rec := &recorder{}
	second.AddListener(rec.listen)

	ok, err := second.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.Token, second.Token())
	user, _ := second.CurrentUser()
	assert.Equal(t, alice, user)
	assert.Equal(t, session.ReasonRestored, rec.last().Reason)
	assert.Equal(t, session.EventLogin, rec.last().Kind)
}

func TestRestore_HalfSessionIsDiscarded(t *testing.T) {
	storage := kv.NewMemory()
	require.NoError(t, storage.Set(context.Background(), session.TokenKey, "orphan"))

	m := session.NewManager(testutil.NewMockAuthority(), storage, session.Options{})
	t.Cleanup(m.Close)

	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, storage.Keys())
}

func TestUpdateUser(t *testing.T) {
	m, _, _, rec := newManager(t, session.Options{})

	err := m.UpdateUser(context.Background(), alice)
	assert.True(t, errors.Is(err, svcerrors.ErrNotAuthenticated))

	sess := login(t, m)
	updated := alice
	updated.Name = "Alice Liddell"
	require.NoError(t, m.UpdateUser(context.Background(), updated))

	user, _ := m.CurrentUser()
	assert.Equal(t, "Alice Liddell", user.Name)
	assert.Equal(t, sess.Token, m.Token())
	assert.Equal(t, session.EventUserUpdate, rec.last().Kind)
}

func TestListeners_PanicIsolatedAndRemovable(t *testing.T) {
	m, _, _, _ := newManager(t, session.Options{})

	var got []string
	m.AddListener(func(session.Event) { panic("boom") })
	id := m.AddListener(func(ev session.Event) { got = append(got, "second:"+string(ev.Kind)) })
	m.AddListener(func(ev session.Event) { got = append(got, "third:"+string(ev.Kind)) })

	login(t, m)
	assert.Equal(t, []string{"second:login", "third:login"}, got)

	m.RemoveListener(id)
	m.RemoveListener(id)
	m.Logout(context.Background())
	assert.Equal(t, []string{"second:login", "third:login", "third:logout"}, got)
}

func TestPersistenceFailure_NeverLeavesHalfSession(t *testing.T) {
	auth := testutil.NewMockAuthority()
	auth.AddUser(alice, "correct-horse")
	storage := testutil.NewRecordingStorage()
	storage.FailSets(errors.New("disk full"))

	m := session.NewManager(auth, storage, session.Options{})
	t.Cleanup(m.Close)
	login(t, m)

	assert.True(t, m.IsAuthenticated())
	assert.Empty(t, storage.Keys())
}
