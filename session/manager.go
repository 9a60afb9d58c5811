package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/simplifaq/session-agent/api"
	"github.com/simplifaq/session-agent/broadcast"
	"github.com/simplifaq/session-agent/credentials"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/internal/utils"
	"github.com/simplifaq/session-agent/token"
	"github.com/simplifaq/session-agent/users"
)

// Backend is the slice of the API client the manager needs.
type Backend interface {
	Login(ctx context.Context, email, password string) (*api.AuthResponse, error)
	Register(ctx context.Context, req api.RegisterRequest) (*api.AuthResponse, error)
	Me(ctx context.Context, token string) (*users.Profile, error)
}

// TokenManager is the expiry-timing collaborator. The session manager
// treats it as the single source of truth for when a token needs
// refreshing and delegates the HTTP refresh mechanics to it.
type TokenManager interface {
	StoreTokenInfo(session credentials.Session) error
	ClearTokenInfo()
	Current() (credentials.Session, bool)
	IsTokenExpiringSoon(window ...time.Duration) bool
	Refresh(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
	Subscribe(kinds ...token.EventKind) *token.Subscription
	EvaluateExpiry()
}

// Broadcaster coordinates logout across agent processes.
type Broadcaster interface {
	InitiateLogout(ctx context.Context) error
	Watch(ctx context.Context) (<-chan broadcast.Change, error)
	PendingLogout() bool
}

var (
	_ Backend      = (*api.Client)(nil)
	_ TokenManager = (*token.Manager)(nil)
	_ Broadcaster  = (*broadcast.Coordinator)(nil)
)

// Deps holds all collaborator dependencies for the Manager.
type Deps struct {
	Backend   Backend
	Tokens    TokenManager
	Store     credentials.Store
	Broadcast Broadcaster
}

// RegisterOutcome distinguishes an authenticated registration from one
// pending email confirmation.
type RegisterOutcome string

const (
	OutcomeAuthenticated       RegisterOutcome = "authenticated"
	OutcomePendingConfirmation RegisterOutcome = "pending_confirmation"
)

// Manager owns the auth state machine and orchestrates every session
// lifecycle operation. All I/O happens here, before dispatching into the
// pure reducer.
type Manager struct {
	deps    Deps
	limiter *RateLimiter
	log     zerolog.Logger
	nowFunc func() time.Time

	maxSessionAge       time.Duration
	profileFetchTimeout time.Duration
	corruptionCooldown  time.Duration
	activityThrottle    time.Duration
	backstopInterval    time.Duration

	warningFunc   func(remaining time.Duration, user *users.Profile)
	stateListener func(State)

	lock          sync.Mutex
	state         State
	lastCleanup   time.Time
	lastExtension time.Time
}

type ManagerOption func(*Manager)

// WithNowTime sets the clock (primarily for testing).
func WithNowTime(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

func WithMaxSessionAge(age time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxSessionAge = age
	}
}

func WithProfileFetchTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.profileFetchTimeout = timeout
	}
}

func WithCorruptionCooldown(cooldown time.Duration) ManagerOption {
	return func(m *Manager) {
		m.corruptionCooldown = cooldown
	}
}

func WithActivityThrottle(throttle time.Duration) ManagerOption {
	return func(m *Manager) {
		m.activityThrottle = throttle
	}
}

func WithBackstopInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		m.backstopInterval = interval
	}
}

func WithRateLimiter(limiter *RateLimiter) ManagerOption {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// WithSessionWarningFunc registers the UI hook invoked when the token
// enters the warning window, with the remaining time and the current user.
func WithSessionWarningFunc(fn func(remaining time.Duration, user *users.Profile)) ManagerOption {
	return func(m *Manager) {
		m.warningFunc = fn
	}
}

// WithStateListener registers a callback invoked after every dispatch with
// a copy of the new state.
func WithStateListener(fn func(State)) ManagerOption {
	return func(m *Manager) {
		m.stateListener = fn
	}
}

// NewManager initializes a Manager with required collaborators. Optional
// behaviour is configured via options.
func NewManager(deps Deps, options ...ManagerOption) (*Manager, error) {
	if deps.Backend == nil {
		return nil, errors.New("[NewManager] Backend is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("[NewManager] Tokens is required")
	}
	if deps.Store == nil {
		return nil, errors.New("[NewManager] Store is required")
	}
	if deps.Broadcast == nil {
		return nil, errors.New("[NewManager] Broadcast is required")
	}

	m := &Manager{
		deps:                deps,
		log:                 zerolog.Nop(),
		nowFunc:             time.Now,
		maxSessionAge:       30 * 24 * time.Hour,
		profileFetchTimeout: 10 * time.Second,
		corruptionCooldown:  5 * time.Second,
		activityThrottle:    5 * time.Minute,
		backstopInterval:    10 * time.Minute,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.limiter == nil {
		m.limiter = NewRateLimiter(5, 15*time.Minute, WithRateLimiterNowFunc(m.nowFunc))
	}
	return m, nil
}

// State returns a copy of the current auth state.
func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *Manager) dispatch(action Action) {
	m.lock.Lock()
	m.state = Reduce(m.state, action)
	next := m.state
	listener := m.stateListener
	m.lock.Unlock()

	if listener != nil {
		listener(next)
	}
}

// Login authenticates the identity. Validation and rate-limit failures
// never reach the network.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	email = users.NormalizeEmail(email)

	if err := ValidateEmail(email); err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: err.Error()})
		m.log.Warn().Str("event", "auth.login_failed").Str("reason", "validation").Msg(err.Error())
		return err
	}
	if err := ValidatePassword(password); err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: err.Error()})
		m.log.Warn().Str("event", "auth.login_failed").Str("reason", "validation").Msg(err.Error())
		return err
	}

	if !m.limiter.Allow(email) {
		m.dispatch(Action{Kind: ActionAuthError, Message: apperrors.ErrRateLimited.Error()})
		m.log.Warn().Str("event", "auth.rate_limited").Str("email", email).Msg("login blocked by rate limit")
		return apperrors.ErrRateLimited
	}

	m.dispatch(Action{Kind: ActionAuthStart})

	resp, err := m.deps.Backend.Login(ctx, email, password)
	if err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: userMessage(err)})
		m.log.Warn().Err(err).Str("event", "auth.login_failed").Str("email", email).Msg("login rejected")
		return errors.Wrap(err, "[Manager.Login] backend.Login")
	}

	if err := m.adoptSession(ctx, resp); err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: userMessage(err)})
		return errors.Wrap(err, "[Manager.Login] adoptSession")
	}

	m.limiter.Reset(email)
	m.log.Info().Str("event", "auth.login").Str("email", email).Msg("login succeeded")
	return nil
}

// Register creates an account. When the backend requires email
// confirmation the user is deliberately NOT authenticated, whatever the
// response carries, and the pending outcome is returned instead.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) (RegisterOutcome, error) {
	req.Email = users.NormalizeEmail(req.Email)

	if err := ValidateRegistration(req); err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: err.Error()})
		m.log.Warn().Str("event", "auth.register_failed").Str("reason", "validation").Msg(err.Error())
		return "", err
	}

	m.dispatch(Action{Kind: ActionAuthStart})

	resp, err := m.deps.Backend.Register(ctx, req)
	if err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: userMessage(err)})
		m.log.Warn().Err(err).Str("event", "auth.register_failed").Str("email", req.Email).Msg("registration rejected")
		return "", errors.Wrap(err, "[Manager.Register] backend.Register")
	}

	if resp.RequiresEmailConfirmation {
		m.dispatch(Action{Kind: ActionAuthLogout})
		m.log.Info().Str("event", "auth.register_pending").Str("email", req.Email).Msg("registration pending email confirmation")
		return OutcomePendingConfirmation, nil
	}

	if err := m.adoptSession(ctx, resp); err != nil {
		m.dispatch(Action{Kind: ActionAuthError, Message: userMessage(err)})
		return "", errors.Wrap(err, "[Manager.Register] adoptSession")
	}

	m.log.Info().Str("event", "auth.register").Str("email", req.Email).Msg("registration succeeded")
	return OutcomeAuthenticated, nil
}

// Restore hydrates auth state from the credential store on startup. Three
// cases: full bundle restores directly; session-only recovers the profile
// from the backend under a bounded fetch; nothing stays logged out. Stale
// entries are treated as absent, never as valid.
func (m *Manager) Restore(ctx context.Context) error {
	var session credentials.Session
	err := m.deps.Store.Get(credentials.KeyToken, m.maxSessionAge, &session)
	switch {
	case apperrors.Is(err, apperrors.ErrEntryNotFound):
		m.dispatch(Action{Kind: ActionAuthLogout})
		return nil
	case apperrors.Is(err, apperrors.ErrEntryStale):
		m.log.Info().Str("event", "auth.session_stale").Msg("stored session exceeded max age")
		_ = m.deps.Store.Clear()
		m.dispatch(Action{Kind: ActionAuthLogout})
		return nil
	case err != nil:
		m.handleCorrupted("token entry unreadable")
		return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "token entry: %v", err)
	}
	if err := session.Validate(); err != nil {
		m.handleCorrupted("token entry invalid")
		return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "token entry: %v", err)
	}

	var profile users.Profile
	err = m.deps.Store.Get(credentials.KeyUser, m.maxSessionAge, &profile)
	switch {
	case err == nil:
		users.Normalize(&profile)
		if err := m.deps.Tokens.StoreTokenInfo(session); err != nil {
			m.handleCorrupted("token tracking failed")
			return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "track session: %v", err)
		}
		m.dispatch(Action{Kind: ActionAuthSuccess, User: &profile, Token: session.Token})
		m.log.Info().Str("event", "auth.restored").Msg("session restored from store")
		return nil

	case apperrors.Is(err, apperrors.ErrEntryNotFound) || apperrors.Is(err, apperrors.ErrEntryStale):
		fetched, fetchErr := m.fetchProfile(ctx, session.Token)
		if fetchErr != nil {
			m.handleCorrupted("profile recovery failed")
			return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "profile recovery: %v", fetchErr)
		}
		if err := m.deps.Store.Put(credentials.KeyUser, fetched); err != nil {
			m.log.Error().Err(err).Msg("persisting recovered profile failed")
		}
		if err := m.deps.Tokens.StoreTokenInfo(session); err != nil {
			m.handleCorrupted("token tracking failed")
			return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "track session: %v", err)
		}
		m.dispatch(Action{Kind: ActionAuthSuccess, User: fetched, Token: session.Token})
		m.log.Info().Str("event", "auth.recovered").Msg("session restored with recovered profile")
		return nil

	default:
		m.handleCorrupted("user entry unreadable")
		return apperrors.Wrapf(apperrors.ErrSessionCorrupted, "user entry: %v", err)
	}
}

// Logout ends the session. Both the token manager's logout and the
// cross-process beacon run even when either fails; cleanup errors are
// logged, never allowed to block the logged-out transition.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.deps.Tokens.Logout(ctx); err != nil {
		m.log.Warn().Err(err).Str("event", "auth.logout_cleanup").Msg("token manager logout failed")
	}
	if err := m.deps.Broadcast.InitiateLogout(ctx); err != nil {
		m.log.Warn().Err(err).Str("event", "auth.logout_cleanup").Msg("logout broadcast failed")
	}
	if err := m.deps.Store.Clear(); err != nil {
		m.log.Warn().Err(err).Str("event", "auth.logout_cleanup").Msg("credential store clear failed")
	}

	m.lock.Lock()
	m.lastExtension = time.Time{}
	m.lock.Unlock()

	m.dispatch(Action{Kind: ActionAuthLogout})
	m.log.Info().Str("event", "auth.logout").Msg("logged out")
	return nil
}

// ClearError recovers from an error state without retrying.
func (m *Manager) ClearError() {
	m.dispatch(Action{Kind: ActionClearError})
}

// UpdateUser replaces the authenticated profile and persists it.
func (m *Manager) UpdateUser(profile *users.Profile) error {
	users.Normalize(profile)
	if err := m.deps.Store.Put(credentials.KeyUser, profile); err != nil {
		return errors.Wrap(err, "[Manager.UpdateUser] store.Put")
	}
	m.dispatch(Action{Kind: ActionUpdateUser, User: profile})
	return nil
}

// adoptSession stores and starts tracking a fresh auth response.
func (m *Manager) adoptSession(ctx context.Context, resp *api.AuthResponse) error {
	session := credentials.Session{
		Token:        resp.Token,
		IssuedAt:     utils.Value(resp.IssuedAt),
		ExpiresAt:    utils.Value(resp.ExpiresAt),
		RefreshToken: resp.RefreshToken,
	}
	if err := m.deps.Tokens.StoreTokenInfo(session); err != nil {
		return errors.Wrap(err, "StoreTokenInfo")
	}

	// The token manager fills timing gaps from the token's claims; persist
	// the tracked version so the store and the tracker agree.
	tracked, ok := m.deps.Tokens.Current()
	if !ok {
		return apperrors.ErrNoToken
	}
	if err := m.deps.Store.Put(credentials.KeyToken, tracked); err != nil {
		return errors.Wrap(err, "store.Put token")
	}

	profile := resp.User
	if profile == nil {
		fetched, err := m.fetchProfile(ctx, tracked.Token)
		if err != nil {
			return errors.Wrap(err, "fetchProfile")
		}
		profile = fetched
	}
	users.Normalize(profile)
	if err := m.deps.Store.Put(credentials.KeyUser, profile); err != nil {
		return errors.Wrap(err, "store.Put user")
	}

	m.dispatch(Action{Kind: ActionAuthSuccess, User: profile, Token: tracked.Token})
	return nil
}

// fetchProfile calls /me bounded by the profile fetch timeout; exceeding
// it cancels the in-flight request.
func (m *Manager) fetchProfile(ctx context.Context, accessToken string) (*users.Profile, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.profileFetchTimeout)
	defer cancel()
	profile, err := m.deps.Backend.Me(fetchCtx, accessToken)
	if err != nil {
		return nil, errors.Wrap(err, "backend.Me")
	}
	return profile, nil
}

// handleCorrupted is the single recovery path for unparseable or
// unrecoverable session state. Idempotent: overlapping triggers inside the
// cooldown window collapse into one cleanup sequence, guarding against
// feedback loops where a failed recovery re-triggers recovery.
func (m *Manager) handleCorrupted(reason string) {
	now := m.nowFunc()

	m.lock.Lock()
	if m.state.CleanupInProgress || (!m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.corruptionCooldown) {
		m.lock.Unlock()
		return
	}
	m.state.CleanupInProgress = true
	m.lastCleanup = now
	m.lock.Unlock()

	m.deps.Tokens.ClearTokenInfo()
	if err := m.deps.Store.Clear(); err != nil {
		m.log.Error().Err(err).Msg("clearing corrupted credential store failed")
	}
	m.dispatch(Action{Kind: ActionAuthLogout})
	m.log.Warn().Str("event", "auth.session_corrupted").Str("reason", reason).Msg("session corrupted, forced logout")

	m.lock.Lock()
	m.state.CleanupInProgress = false
	m.lock.Unlock()
}

// userMessage folds internal errors into a single user-facing message,
// keeping the internal taxonomy for logs only.
func userMessage(err error) string {
	var serverErr *api.ServerError
	if errors.As(err, &serverErr) && serverErr.Message != "" {
		return serverErr.Message
	}
	if apperrors.Is(err, apperrors.ErrTransport) ||
		apperrors.Is(err, context.DeadlineExceeded) ||
		apperrors.Is(err, context.Canceled) {
		return "connection problem, please try again"
	}
	return "authentication failed, please try again"
}
