// Package sessionfakes provides in-memory session.Manager collaborators
// for tests.
package sessionfakes

import (
	"context"
	"sync"
	"time"

	"github.com/simplifaq/session-agent/api"
	"github.com/simplifaq/session-agent/broadcast"
	"github.com/simplifaq/session-agent/credentials"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/session"
	"github.com/simplifaq/session-agent/token"
	"github.com/simplifaq/session-agent/users"
)

var (
	_ session.Backend      = (*FakeBackend)(nil)
	_ session.TokenManager = (*FakeTokenManager)(nil)
	_ session.Broadcaster  = (*FakeBroadcaster)(nil)
)

// FakeBackend is a scriptable session.Backend.
type FakeBackend struct {
	lock sync.Mutex

	LoginResp   *api.AuthResponse
	LoginErr    error
	RegisterResp *api.AuthResponse
	RegisterErr  error
	MeProfile   *users.Profile
	MeErr       error

	// MeDelay makes /me hang, for timeout/abort tests. The call honours
	// context cancellation.
	MeDelay time.Duration

	LoginCalls    int
	RegisterCalls int
	MeCalls       int
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{}
}

func (b *FakeBackend) Login(ctx context.Context, email, password string) (*api.AuthResponse, error) {
	b.lock.Lock()
	b.LoginCalls++
	resp, err := b.LoginResp, b.LoginErr
	b.lock.Unlock()
	return resp, err
}

func (b *FakeBackend) Register(ctx context.Context, req api.RegisterRequest) (*api.AuthResponse, error) {
	b.lock.Lock()
	b.RegisterCalls++
	resp, err := b.RegisterResp, b.RegisterErr
	b.lock.Unlock()
	return resp, err
}

func (b *FakeBackend) Me(ctx context.Context, accessToken string) (*users.Profile, error) {
	b.lock.Lock()
	b.MeCalls++
	profile, err, delay := b.MeProfile, b.MeErr, b.MeDelay
	b.lock.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return profile, err
}

// Calls returns the recorded call counts.
func (b *FakeBackend) Calls() (login, register, me int) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.LoginCalls, b.RegisterCalls, b.MeCalls
}

// FakeTokenManager is a scriptable session.TokenManager built around a
// real event broker so subscription semantics match production.
type FakeTokenManager struct {
	Broker *token.Broker

	lock    sync.Mutex
	current *credentials.Session

	StoreErr     error
	RefreshToken string
	RefreshErr   error
	LogoutErr    error
	ExpiringSoon bool

	StoreCalls   int
	ClearCalls   int
	RefreshCalls int
	LogoutCalls  int
}

func NewFakeTokenManager() *FakeTokenManager {
	return &FakeTokenManager{Broker: token.NewBroker()}
}

func (f *FakeTokenManager) StoreTokenInfo(session credentials.Session) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.StoreCalls++
	if f.StoreErr != nil {
		return f.StoreErr
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(time.Hour)
	}
	if session.IssuedAt.IsZero() {
		session.IssuedAt = time.Now()
	}
	f.current = &session
	return nil
}

func (f *FakeTokenManager) ClearTokenInfo() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.ClearCalls++
	f.current = nil
}

func (f *FakeTokenManager) Current() (credentials.Session, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.current == nil {
		return credentials.Session{}, false
	}
	return *f.current, true
}

func (f *FakeTokenManager) IsTokenExpiringSoon(window ...time.Duration) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.ExpiringSoon
}

func (f *FakeTokenManager) Refresh(ctx context.Context) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.RefreshCalls++
	if f.RefreshErr != nil {
		return "", f.RefreshErr
	}
	if f.current == nil {
		return "", apperrors.ErrNoToken
	}
	if f.RefreshToken != "" {
		f.current.Token = f.RefreshToken
	}
	return f.current.Token, nil
}

func (f *FakeTokenManager) Logout(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.LogoutCalls++
	f.current = nil
	return f.LogoutErr
}

func (f *FakeTokenManager) Subscribe(kinds ...token.EventKind) *token.Subscription {
	return f.Broker.Subscribe(kinds...)
}

func (f *FakeTokenManager) EvaluateExpiry() {}

// FakeBroadcaster is a scriptable session.Broadcaster.
type FakeBroadcaster struct {
	lock sync.Mutex

	InitiateErr   error
	Pending       bool
	InitiateCalls int

	changes chan broadcast.Change
}

func NewFakeBroadcaster() *FakeBroadcaster {
	return &FakeBroadcaster{changes: make(chan broadcast.Change, 8)}
}

func (f *FakeBroadcaster) InitiateLogout(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.InitiateCalls++
	return f.InitiateErr
}

func (f *FakeBroadcaster) Watch(ctx context.Context) (<-chan broadcast.Change, error) {
	return f.changes, nil
}

func (f *FakeBroadcaster) PendingLogout() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.Pending
}

// Emit feeds a change to the watcher, as if another process acted.
func (f *FakeBroadcaster) Emit(change broadcast.Change) {
	f.changes <- change
}
