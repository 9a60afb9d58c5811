package token

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/simplifaq/session-agent/api"
	"github.com/simplifaq/session-agent/credentials"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/internal/utils"
)

// Refresher performs the HTTP mechanics of refresh and logout. Satisfied
// by *api.Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*api.AuthResponse, error)
	Logout(ctx context.Context, token string) error
}

// Manager is the single source of truth for token expiry timing. It holds
// only in-memory state and is rehydrated from the credential store via
// StoreTokenInfo; rotated sessions are written back to the store so the
// store stays authoritative across restarts.
type Manager struct {
	refresher Refresher
	store     credentials.Store
	broker    *Broker
	log       zerolog.Logger

	refreshWindow time.Duration
	warningWindow time.Duration
	fallbackTTL   time.Duration
	maxRetries    uint
	nowFunc       func() time.Time

	lock    sync.Mutex
	current *credentials.Session
	warned  bool
	expired bool
}

type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithRefreshWindow(window time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshWindow = window
	}
}

func WithWarningWindow(window time.Duration) ManagerOption {
	return func(m *Manager) {
		m.warningWindow = window
	}
}

// WithFallbackTTL sets the assumed lifetime for tokens that carry no expiry
// of their own.
func WithFallbackTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.fallbackTTL = ttl
	}
}

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

func WithMaxRetries(n uint) ManagerOption {
	return func(m *Manager) {
		m.maxRetries = n
	}
}

func New(refresher Refresher, store credentials.Store, options ...ManagerOption) (*Manager, error) {
	if refresher == nil {
		return nil, errors.New("[token.New] refresher is required")
	}
	if store == nil {
		return nil, errors.New("[token.New] store is required")
	}

	m := &Manager{
		refresher:     refresher,
		store:         store,
		broker:        NewBroker(),
		log:           zerolog.Nop(),
		refreshWindow: 2 * time.Minute,
		warningWindow: 5 * time.Minute,
		fallbackTTL:   time.Hour,
		maxRetries:    3,
		nowFunc:       time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// StoreTokenInfo starts tracking a session. Missing timing fields are
// filled from the token's JWT claims, then from the fallback TTL.
func (m *Manager) StoreTokenInfo(session credentials.Session) error {
	if session.Token == "" {
		return apperrors.ErrNoToken
	}

	if session.ExpiresAt.IsZero() {
		if iat, exp, ok := timesFromClaims(session.Token); ok {
			session.ExpiresAt = exp
			if session.IssuedAt.IsZero() {
				session.IssuedAt = iat
			}
		}
	}
	if session.IssuedAt.IsZero() {
		session.IssuedAt = m.nowFunc()
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = session.IssuedAt.Add(m.fallbackTTL)
	}
	if err := session.Validate(); err != nil {
		return errors.Wrap(err, "[Manager.StoreTokenInfo] validate")
	}

	m.lock.Lock()
	m.current = &session
	m.warned = false
	m.expired = false
	m.lock.Unlock()
	return nil
}

// ClearTokenInfo stops tracking. It does not touch the credential store;
// that is the caller's cleanup.
func (m *Manager) ClearTokenInfo() {
	m.lock.Lock()
	m.current = nil
	m.warned = false
	m.expired = false
	m.lock.Unlock()
}

// Current returns the tracked session, if any.
func (m *Manager) Current() (credentials.Session, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.current == nil {
		return credentials.Session{}, false
	}
	return *m.current, true
}

// IsTokenExpiringSoon reports whether the token expires within the given
// window (the configured refresh window when omitted). No tracked token
// counts as expiring.
func (m *Manager) IsTokenExpiringSoon(window ...time.Duration) bool {
	w := m.refreshWindow
	if len(window) > 0 {
		w = window[0]
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.current == nil {
		return true
	}
	return m.current.ExpiresAt.Sub(m.nowFunc()) <= w
}

// TimeToExpiry returns the remaining lifetime of the tracked token.
func (m *Manager) TimeToExpiry() (time.Duration, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.current == nil {
		return 0, false
	}
	return m.current.ExpiresAt.Sub(m.nowFunc()), true
}

// EvaluateExpiry emits session_warning when the token enters the warning
// window and token_expired when it lapses, each at most once per tracked
// token.
func (m *Manager) EvaluateExpiry() {
	m.lock.Lock()
	if m.current == nil {
		m.lock.Unlock()
		return
	}
	remaining := m.current.ExpiresAt.Sub(m.nowFunc())
	emitWarning := remaining > 0 && remaining <= m.warningWindow && !m.warned
	emitExpired := remaining <= 0 && !m.expired
	if emitWarning {
		m.warned = true
	}
	if emitExpired {
		m.expired = true
	}
	m.lock.Unlock()

	if emitWarning {
		m.broker.Publish(Event{Kind: EventSessionWarning, At: m.nowFunc(), TimeRemaining: remaining})
	}
	if emitExpired {
		m.broker.Publish(Event{Kind: EventTokenExpired, At: m.nowFunc()})
	}
}

// Refresh exchanges the refresh token for a new session, with exponential
// backoff on transport faults. Server rejections are permanent: retrying a
// revoked refresh token cannot succeed. The rotated session replaces the
// stored one.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.lock.Lock()
	current := m.current
	m.lock.Unlock()

	if current == nil {
		return "", apperrors.ErrNoToken
	}
	if current.RefreshToken == nil || *current.RefreshToken == "" {
		return "", apperrors.ErrNoRefreshToken
	}
	refreshToken := *current.RefreshToken

	operation := func() (*api.AuthResponse, error) {
		resp, err := m.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			var serverErr *api.ServerError
			if errors.As(err, &serverErr) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(m.maxRetries),
	)
	if err != nil {
		m.log.Warn().Err(err).Str("event", "token.refresh_failed").Msg("token refresh failed")
		m.broker.Publish(Event{Kind: EventRefreshFailed, At: m.nowFunc(), Err: err})
		return "", apperrors.Wrapf(apperrors.ErrRefreshFailed, "%v", err)
	}

	rotated := credentials.Session{
		Token:        resp.Token,
		IssuedAt:     utils.Value(resp.IssuedAt),
		ExpiresAt:    utils.Value(resp.ExpiresAt),
		RefreshToken: resp.RefreshToken,
	}
	if rotated.RefreshToken == nil {
		// Backend kept the old refresh token instead of rotating.
		rotated.RefreshToken = utils.Ptr(refreshToken)
	}
	if err := m.StoreTokenInfo(rotated); err != nil {
		return "", errors.Wrap(err, "[Manager.Refresh] StoreTokenInfo")
	}

	// The manager rehydrates from StoreTokenInfo, so re-read the filled-in
	// timing fields before persisting.
	tracked, _ := m.Current()
	if err := m.store.Put(credentials.KeyToken, tracked); err != nil {
		return "", errors.Wrap(err, "[Manager.Refresh] store.Put")
	}

	m.log.Info().Str("event", "token.refreshed").Time("expires_at", tracked.ExpiresAt).Msg("token refreshed")
	m.broker.Publish(Event{Kind: EventTokenRefreshed, At: m.nowFunc()})
	return tracked.Token, nil
}

// Logout invalidates the session server-side and stops tracking. Tracking
// is cleared even when the network call fails.
func (m *Manager) Logout(ctx context.Context) error {
	current, ok := m.Current()
	m.ClearTokenInfo()
	if !ok {
		return nil
	}
	if err := m.refresher.Logout(ctx, current.Token); err != nil {
		return errors.Wrap(err, "[Manager.Logout] refresher.Logout")
	}
	return nil
}

// Subscribe opens an event feed for the given kinds (all kinds when none
// given). The returned handle owns its disposal.
func (m *Manager) Subscribe(kinds ...EventKind) *Subscription {
	return m.broker.Subscribe(kinds...)
}

// Close detaches every open subscription.
func (m *Manager) Close() {
	m.broker.CloseAll()
}
