package credfakes

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/simplifaq/session-agent/credentials"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
)

var _ credentials.Store = (*FakeStore)(nil)

type fakeEntry struct {
	storedAt  time.Time
	payload   []byte
	corrupted bool
}

// FakeStore is an in-memory credentials.Store with the same read contract
// as the file store, plus failure injection for tests.
type FakeStore struct {
	entries map[string]*fakeEntry
	NowFunc func() time.Time

	// ClearCalls counts Clear invocations, for cleanup-idempotency tests.
	ClearCalls int

	lock sync.RWMutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		entries: make(map[string]*fakeEntry),
		NowFunc: time.Now,
	}
}

func (fs *FakeStore) Put(key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.entries[key] = &fakeEntry{storedAt: fs.NowFunc(), payload: payload}
	return nil
}

func (fs *FakeStore) Get(key string, maxAge time.Duration, out interface{}) error {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	entry, ok := fs.entries[key]
	if !ok {
		return apperrors.ErrEntryNotFound
	}
	if entry.corrupted {
		return apperrors.ErrEntryCorrupted
	}
	if maxAge > 0 && fs.NowFunc().Sub(entry.storedAt) > maxAge {
		return apperrors.ErrEntryStale
	}
	if err := json.Unmarshal(entry.payload, out); err != nil {
		return apperrors.ErrEntryCorrupted
	}
	return nil
}

func (fs *FakeStore) Delete(key string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	delete(fs.entries, key)
	return nil
}

func (fs *FakeStore) Clear() error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.ClearCalls++
	fs.entries = make(map[string]*fakeEntry)
	return nil
}

// Corrupt marks an entry so reads return ErrEntryCorrupted.
func (fs *FakeStore) Corrupt(key string) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if entry, ok := fs.entries[key]; ok {
		entry.corrupted = true
	} else {
		fs.entries[key] = &fakeEntry{storedAt: fs.NowFunc(), corrupted: true}
	}
}

// Backdate rewrites an entry's stored-at time, for max-age tests.
func (fs *FakeStore) Backdate(key string, storedAt time.Time) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if entry, ok := fs.entries[key]; ok {
		entry.storedAt = storedAt
	}
}

// Has reports whether a key currently exists.
func (fs *FakeStore) Has(key string) bool {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	_, ok := fs.entries[key]
	return ok
}
