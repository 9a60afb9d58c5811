package session

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/simplifaq/session-agent/broadcast"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/credentials"
	"github.com/simplifaq/session-agent/token"
	"github.com/simplifaq/session-agent/users"
)

// Touch is the activity signal: the embedding application calls it on user
// interaction. Activity qualifies when at least the throttle interval has
// passed since the last extension; lastExtension is explicit manager state,
// so the throttle survives however often callers fire.
func (m *Manager) Touch(ctx context.Context) {
	m.lock.Lock()
	if !m.state.IsAuthenticated || m.state.CleanupInProgress {
		m.lock.Unlock()
		return
	}
	now := m.nowFunc()
	if !m.lastExtension.IsZero() && now.Sub(m.lastExtension) < m.activityThrottle {
		m.lock.Unlock()
		return
	}
	m.lastExtension = now
	m.lock.Unlock()

	m.extendIfNeeded(ctx, "activity")
}

func (m *Manager) extendIfNeeded(ctx context.Context, trigger string) {
	if !m.deps.Tokens.IsTokenExpiringSoon() {
		return
	}
	if _, err := m.deps.Tokens.Refresh(ctx); err != nil {
		m.log.Warn().Err(err).Str("event", "auth.session_extension_failed").Str("trigger", trigger).Msg("session extension failed")
		return
	}
	m.log.Info().Str("event", "auth.session_extended").Str("trigger", trigger).Msg("session extended")
}

// Run drives the background lifecycle until ctx is cancelled: the periodic
// expiry backstop for idle processes, token lifecycle events, and
// cross-process state changes. Everything Run opens is torn down when it
// returns, so logout/login cycles never leak timers or subscriptions.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.deps.Tokens.Subscribe(
		token.EventSessionWarning,
		token.EventTokenExpired,
		token.EventRefreshFailed,
	)
	defer sub.Close()

	changes, err := m.deps.Broadcast.Watch(ctx)
	if err != nil {
		return errors.Wrap(err, "[Manager.Run] broadcast.Watch")
	}

	// A beacon written while this process was down still counts.
	if m.deps.Broadcast.PendingLogout() {
		m.convergeLogout()
	}

	ticker := time.NewTicker(m.backstopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.State().IsAuthenticated {
				m.deps.Tokens.EvaluateExpiry()
				m.extendIfNeeded(ctx, "backstop")
			}
		case event, ok := <-sub.C:
			if !ok {
				return nil
			}
			m.handleTokenEvent(ctx, event)
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			m.handleChange(change)
		}
	}
}

func (m *Manager) handleTokenEvent(ctx context.Context, event token.Event) {
	switch event.Kind {
	case token.EventSessionWarning:
		state := m.State()
		m.log.Info().
			Str("event", "auth.session_warning").
			Dur("time_remaining", event.TimeRemaining).
			Msg("session expiring soon")
		if m.warningFunc != nil {
			m.warningFunc(event.TimeRemaining, state.User)
		}
	case token.EventTokenExpired:
		if _, err := m.deps.Tokens.Refresh(ctx); err != nil {
			m.deps.Tokens.ClearTokenInfo()
			if clearErr := m.deps.Store.Clear(); clearErr != nil {
				m.log.Warn().Err(clearErr).Msg("clearing expired session failed")
			}
			m.dispatch(Action{Kind: ActionAuthLogout})
			m.log.Warn().Str("event", "auth.session_expired").Msg("token expired and refresh failed")
		}
	case token.EventRefreshFailed:
		m.log.Warn().Err(event.Err).Str("event", "auth.refresh_failed").Msg("token refresh failed")
	}
}

func (m *Manager) handleChange(change broadcast.Change) {
	switch change.Kind {
	case broadcast.ChangeLogout:
		m.convergeLogout()
	case broadcast.ChangeCredentials:
		m.syncFromStore()
	}
}

// convergeLogout resets local state after another process logged out. The
// initiator already did the network logout and cleared the store; this
// process only converges.
func (m *Manager) convergeLogout() {
	m.deps.Tokens.ClearTokenInfo()
	m.dispatch(Action{Kind: ActionAuthLogout})
	m.log.Info().Str("event", "auth.remote_logout").Msg("logged out by another process")
}

// syncFromStore re-derives auth state after a credential entry changed on
// disk: a full parseable bundle authenticates, anything missing logs out,
// and unparseable state routes to the corruption handler.
func (m *Manager) syncFromStore() {
	var session credentials.Session
	var profile users.Profile

	sessErr := m.deps.Store.Get(credentials.KeyToken, m.maxSessionAge, &session)
	userErr := m.deps.Store.Get(credentials.KeyUser, m.maxSessionAge, &profile)

	switch {
	case sessErr == nil && userErr == nil:
		if err := session.Validate(); err != nil {
			m.handleCorrupted("synced session invalid")
			return
		}
		users.Normalize(&profile)
		if err := m.deps.Tokens.StoreTokenInfo(session); err != nil {
			m.handleCorrupted("synced session untrackable")
			return
		}
		m.dispatch(Action{Kind: ActionAuthSuccess, User: &profile, Token: session.Token})
	case apperrors.Is(sessErr, apperrors.ErrEntryCorrupted) || apperrors.Is(userErr, apperrors.ErrEntryCorrupted):
		m.handleCorrupted("synced credentials unparseable")
	default:
		m.deps.Tokens.ClearTokenInfo()
		m.dispatch(Action{Kind: ActionAuthLogout})
	}
}
