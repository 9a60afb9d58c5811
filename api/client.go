package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/users"
)

// Client talks to the SimpliFAQ backend. All calls take a context; the
// caller owns cancellation and timeouts beyond the transport default.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the underlying transport (primarily for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, requestTimeout time.Duration, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.post(ctx, "/login", "", loginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Login] post")
	}
	if resp.User != nil {
		users.Normalize(resp.User)
	}
	return &resp, nil
}

// Register creates an account. The response may carry
// RequiresEmailConfirmation, in which case the caller must not treat the
// account as authenticated.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.post(ctx, "/register", "", req, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Register] post")
	}
	if resp.User != nil {
		users.Normalize(resp.User)
	}
	return &resp, nil
}

// Me fetches the profile for an existing token.
func (c *Client) Me(ctx context.Context, token string) (*users.Profile, error) {
	var profile users.Profile
	if err := c.do(ctx, http.MethodGet, "/me", token, nil, &profile); err != nil {
		return nil, errors.Wrap(err, "[Client.Me] do")
	}
	return users.Normalize(&profile), nil
}

// Refresh exchanges a refresh token for a new session.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	var resp AuthResponse
	err := c.post(ctx, "/refresh", "", refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Refresh] post")
	}
	return &resp, nil
}

// Logout invalidates the session server-side.
func (c *Client) Logout(ctx context.Context, token string) error {
	if err := c.do(ctx, http.MethodPost, "/logout", token, nil, nil); err != nil {
		return errors.Wrap(err, "[Client.Logout] do")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, token, body, out)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		// Context cancellation keeps its identity so callers can tell an
		// aborted profile fetch from a network fault.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.Wrapf(apperrors.ErrTransport, "%s %s: %v", method, path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrTransport, "read response: %v", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return apperrors.Wrapf(apperrors.ErrServerRejected, "malformed envelope (status %d)", httpResp.StatusCode)
	}

	if !envelope.Success || httpResp.StatusCode >= 400 {
		message := ""
		if envelope.Error != nil {
			message = envelope.Error.Message
		}
		c.log.Debug().
			Str("path", path).
			Int("status", httpResp.StatusCode).
			Str("message", message).
			Msg("server rejected request")
		return &ServerError{StatusCode: httpResp.StatusCode, Message: message}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 {
		return apperrors.Wrapf(apperrors.ErrServerRejected, "empty data for %s", path)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errors.Wrap(err, "decode response data")
	}
	return nil
}
