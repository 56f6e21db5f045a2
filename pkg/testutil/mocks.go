// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv"
	"github.com/Watchdog088/Test-apps-sub002/internal/session"
)

// Operation names used by MockAuthority for call counting and failure injection.
const (
	OpLogin    = "login"
	OpRegister = "register"
	OpRefresh  = "refresh"
	OpLogout   = "logout"
	OpValidate = "validate"
)

// =============================================================================
// MockAuthority
// =============================================================================

type mockAccount struct {
	user     session.User
	password string
}

// MockAuthority is an in-memory session.Authority with scripted failures.
type MockAuthority struct {
	mu       sync.Mutex
	accounts map[string]mockAccount // email -> account
	tokens   map[string]string      // token -> user ID
	failures map[string]error
	calls    map[string]int
	seq      int

	// TokenFunc, when set, issues tokens instead of the default opaque ones.
	TokenFunc func(user session.User) string
}

var _ session.Authority = (*MockAuthority)(nil)

// NewMockAuthority creates an authority with no accounts.
func NewMockAuthority() *MockAuthority {
	return &MockAuthority{
		accounts: make(map[string]mockAccount),
		tokens:   make(map[string]string),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// AddUser registers an account that Login accepts.
func (m *MockAuthority) AddUser(user session.User, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	m.accounts[user.Email] = mockAccount{user: user, password: password}
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (m *MockAuthority) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockAuthority) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Revoke makes the authority reject token from now on.
func (m *MockAuthority) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, token)
}

// Issued reports whether token is currently accepted.
func (m *MockAuthority) Issued(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[token]
	return ok
}

func (m *MockAuthority) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MockAuthority) issueLocked(user session.User) *session.Session {
	var token string
	if m.TokenFunc != nil {
		token = m.TokenFunc(user)
	} else {
		m.seq++
		token = fmt.Sprintf("tok-%d", m.seq)
	}
	m.tokens[token] = user.ID
	return &session.Session{Token: token, User: user}
}

func (m *MockAuthority) Login(_ context.Context, creds session.Credentials) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpLogin); err != nil {
		return nil, err
	}

	acct, ok := m.accounts[creds.Email]
	if !ok || acct.password != creds.Password {
		return nil, svcerrors.InvalidCredentials("")
	}
	return m.issueLocked(acct.user), nil
}

func (m *MockAuthority) Register(_ context.Context, reg session.Registration) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpRegister); err != nil {
		return nil, err
	}

	if _, exists := m.accounts[reg.Email]; exists {
		return nil, svcerrors.Validation("email already registered")
	}
	user := session.User{ID: uuid.NewString(), Name: reg.Name, Email: reg.Email, Attributes: reg.Attributes}
	m.accounts[reg.Email] = mockAccount{user: user, password: reg.Password}
	return m.issueLocked(user), nil
}

func (m *MockAuthority) Refresh(_ context.Context, token string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpRefresh); err != nil {
		return nil, err
	}

	userID, ok := m.tokens[token]
	if !ok {
		return nil, svcerrors.RefreshFailed(svcerrors.Unauthorized(""))
	}
	delete(m.tokens, token)
	for _, acct := range m.accounts {
		if acct.user.ID == userID {
			return m.issueLocked(acct.user), nil
		}
	}
	return nil, svcerrors.RefreshFailed(svcerrors.NotFound("user"))
}

func (m *MockAuthority) Logout(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpLogout); err != nil {
		return err
	}
	delete(m.tokens, token)
	return nil
}

func (m *MockAuthority) Validate(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpValidate); err != nil {
		return false, err
	}
	_, ok := m.tokens[token]
	return ok, nil
}

// =============================================================================
// RecordingStorage
// =============================================================================

// StorageOp is one call observed by RecordingStorage.
type StorageOp struct {
	Op    string
	Key   string
	Value string
}

// RecordingStorage is a kv.Storage that records every call and can be told
// to fail writes.
type RecordingStorage struct {
	*kv.Memory

	mu       sync.Mutex
	ops      []StorageOp
	failSets error
}

var _ kv.Storage = (*RecordingStorage)(nil)

// NewRecordingStorage creates an empty recording storage.
func NewRecordingStorage() *RecordingStorage {
	return &RecordingStorage{Memory: kv.NewMemory()}
}

// FailSets makes subsequent Set calls return err. A nil err clears it.
func (r *RecordingStorage) FailSets(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSets = err
}

// Ops returns a copy of the recorded calls.
func (r *RecordingStorage) Ops() []StorageOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StorageOp, len(r.ops))
	copy(out, r.ops)
	return out
}

func (r *RecordingStorage) record(op StorageOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *RecordingStorage) Get(ctx context.Context, key string) (string, error) {
	r.record(StorageOp{Op: "get", Key: key})
	return r.Memory.Get(ctx, key)
}

func (r *RecordingStorage) Set(ctx context.Context, key, value string) error {
	r.record(StorageOp{Op: "set", Key: key, Value: value})
	r.mu.Lock()
	err := r.failSets
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.Memory.Set(ctx, key, value)
}

func (r *RecordingStorage) Delete(ctx context.Context, key string) error {
	r.record(StorageOp{Op: "delete", Key: key})
	return r.Memory.Delete(ctx, key)
}
