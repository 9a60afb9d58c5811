package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/simplifaq/session-agent/users"
)

// Envelope is the response wrapper every backend endpoint uses.
// Exactly one of Data and Error is meaningful, selected by Success.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries the server-side failure description.
type ErrorBody struct {
	Message string `json:"message"`
}

// AuthResponse is the payload of /login, /register and /refresh.
type AuthResponse struct {
	// Token is the bearer token for subsequent API calls.
	// Usage: "Authorization: Bearer <token>"
	Token string `json:"token"`

	// RefreshToken is an opaque token exchanged at /refresh for a new
	// session. Rotates on each use.
	RefreshToken *string `json:"refresh_token,omitempty"`

	// ExpiresAt is the absolute token expiry. Optional; when absent the
	// expiry is derived from the token's own claims.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// IssuedAt is when the backend minted the token.
	IssuedAt *time.Time `json:"issued_at,omitempty"`

	// User is the account profile. May be absent on /refresh.
	User *users.Profile `json:"user,omitempty"`

	// RequiresEmailConfirmation marks a registration that must not
	// authenticate: the account exists but is pending confirmation.
	RequiresEmailConfirmation bool `json:"requiresEmailConfirmation,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"-"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	Company         string `json:"company,omitempty"`
	VATNumber       string `json:"vat_number,omitempty"`
	Country         string `json:"country,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// ServerError is a structured rejection (4xx with an envelope error).
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request (status %d)", e.StatusCode)
	}
	return e.Message
}
