package credentials

import (
	"encoding/json"
	"time"

	apperrors "github.com/simplifaq/session-agent/internal/errors"
)

// Storage keys. Kept byte-compatible with the legacy web client so an
// existing install keeps its session across the migration.
const (
	KeyToken = "simplifaq_token"
	KeyUser  = "simplifaq_user"
)

// Session is the persisted credential bundle: created on login or
// registration, replaced on refresh, destroyed on logout or corruption.
type Session struct {
	Token        string    `json:"token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken *string   `json:"refresh_token,omitempty"`
}

// Validate enforces the session invariants.
func (s *Session) Validate() error {
	if s.Token == "" {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "session has no token")
	}
	if !s.ExpiresAt.After(s.IssuedAt) {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "session expires_at not after issued_at")
	}
	return nil
}

// storedEntry wraps every persisted payload with its write time so reads
// can enforce a maximum age.
type storedEntry struct {
	StoredAt time.Time       `json:"stored_at"`
	Payload  json.RawMessage `json:"payload"`
}

// Store persists credential entries with expiry-aware reads.
//
// Get contract: ErrEntryNotFound when the key has never been written or was
// deleted, ErrEntryStale when the entry is older than maxAge, and
// ErrEntryCorrupted when the entry exists but cannot be decoded. A stale
// entry is never returned as valid.
type Store interface {
	Put(key string, value interface{}) error
	Get(key string, maxAge time.Duration, out interface{}) error
	Delete(key string) error
	Clear() error
}
