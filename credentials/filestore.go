package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	apperrors "github.com/simplifaq/session-agent/internal/errors"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps one sealed file per entry under the agent's state
// directory.
type FileStore struct {
	dir     string
	sealer  *sealer
	nowFunc func() time.Time
}

type FileStoreOption func(*FileStore)

// WithNowFunc sets the clock (primarily for testing max-age behaviour).
func WithNowFunc(now func() time.Time) FileStoreOption {
	return func(fs *FileStore) {
		fs.nowFunc = now
	}
}

// NewFileStore creates the state directory if needed and loads or creates
// the sealing secret.
func NewFileStore(dir string, options ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] MkdirAll")
	}
	s, err := newSealer(dir)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] newSealer")
	}
	fs := &FileStore{
		dir:     dir,
		sealer:  s,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(fs)
	}
	return fs, nil
}

func (fs *FileStore) Put(key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "[FileStore.Put] marshal payload")
	}
	entry, err := json.Marshal(storedEntry{
		StoredAt: fs.nowFunc(),
		Payload:  payload,
	})
	if err != nil {
		return errors.Wrap(err, "[FileStore.Put] marshal entry")
	}
	sealed, err := fs.sealer.seal(entry)
	if err != nil {
		return errors.Wrap(err, "[FileStore.Put] seal")
	}

	// Write-then-rename so a concurrent reader never sees a half-written
	// entry.
	path := fs.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(err, "[FileStore.Put] write")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "[FileStore.Put] rename")
	}
	return nil
}

func (fs *FileStore) Get(key string, maxAge time.Duration, out interface{}) error {
	sealed, err := os.ReadFile(fs.path(key))
	if os.IsNotExist(err) {
		return apperrors.ErrEntryNotFound
	}
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "read %s: %v", key, err)
	}

	raw, err := fs.sealer.open(sealed)
	if err != nil {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "unseal %s: %v", key, err)
	}

	var entry storedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "decode %s: %v", key, err)
	}

	if maxAge > 0 && fs.nowFunc().Sub(entry.StoredAt) > maxAge {
		return apperrors.Wrapf(apperrors.ErrEntryStale, "%s stored at %s", key, entry.StoredAt.Format(time.RFC3339))
	}

	if err := json.Unmarshal(entry.Payload, out); err != nil {
		return apperrors.Wrapf(apperrors.ErrEntryCorrupted, "decode payload %s: %v", key, err)
	}
	return nil
}

func (fs *FileStore) Delete(key string) error {
	err := os.Remove(fs.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileStore.Delete] remove")
	}
	return nil
}

// Clear removes every credential entry but keeps the sealing secret, so a
// subsequent login reuses the same key material.
func (fs *FileStore) Clear() error {
	matches, err := filepath.Glob(filepath.Join(fs.dir, "*.cred"))
	if err != nil {
		return errors.Wrap(err, "[FileStore.Clear] glob")
	}
	for _, match := range matches {
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "[FileStore.Clear] remove")
		}
	}
	return nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, key+".cred")
}
