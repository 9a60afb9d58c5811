package token

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	apperrors "github.com/simplifaq/session-agent/internal/errors"
)

// TokenSource adapts the manager to oauth2.TokenSource so API consumers
// can plug the session straight into oauth2.NewClient or a Transport.
// Tokens inside the refresh window are refreshed before being returned.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{manager: m, ctx: ctx}
}

type managerTokenSource struct {
	manager *Manager
	ctx     context.Context
}

var _ oauth2.TokenSource = (*managerTokenSource)(nil)

func (ts *managerTokenSource) Token() (*oauth2.Token, error) {
	current, ok := ts.manager.Current()
	if !ok {
		return nil, apperrors.ErrNoToken
	}

	if ts.manager.IsTokenExpiringSoon() {
		if _, err := ts.manager.Refresh(ts.ctx); err != nil {
			// A still-valid token outlives a failed refresh attempt.
			if remaining, tracked := ts.manager.TimeToExpiry(); !tracked || remaining <= 0 {
				return nil, errors.Wrap(err, "[managerTokenSource.Token] Refresh")
			}
		}
		current, _ = ts.manager.Current()
	}

	return &oauth2.Token{
		AccessToken: current.Token,
		TokenType:   "Bearer",
		Expiry:      current.ExpiresAt,
	}, nil
}
