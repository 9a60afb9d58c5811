// Package broadcast converges every agent process on the same machine to a
// single logged-out state. One process initiates logout and performs the
// network call; the others observe the beacon and only reset locally.
package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const beaconFileName = "logout.beacon"

// Signal is the beacon payload.
type Signal struct {
	Originator string    `json:"originator"`
	At         time.Time `json:"at"`
}

// ChangeKind classifies a watched state-directory change.
type ChangeKind string

const (
	// ChangeLogout: another process wrote a logout beacon.
	ChangeLogout ChangeKind = "logout"
	// ChangeCredentials: a credential entry was written or removed,
	// presumably by another process; auth state must be re-derived.
	ChangeCredentials ChangeKind = "credentials"
)

// Change is a single observed state-directory event.
type Change struct {
	Kind ChangeKind
	At   time.Time
}

// Coordinator writes and observes the logout beacon in the shared state
// directory. Each Coordinator carries a unique originator ID so a process
// never reacts to its own beacon.
type Coordinator struct {
	dir        string
	originator string
	beaconTTL  time.Duration
	log        zerolog.Logger
	nowFunc    func() time.Time
}

type CoordinatorOption func(*Coordinator)

func WithNowFunc(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

func NewCoordinator(dir string, beaconTTL time.Duration, options ...CoordinatorOption) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewCoordinator] MkdirAll")
	}
	c := &Coordinator{
		dir:        dir,
		originator: uuid.New().String(),
		beaconTTL:  beaconTTL,
		log:        zerolog.Nop(),
		nowFunc:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// OriginatorID identifies this process's beacons.
func (c *Coordinator) OriginatorID() string {
	return c.originator
}

// InitiateLogout broadcasts a logout signal to every watching process.
func (c *Coordinator) InitiateLogout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(Signal{
		Originator: c.originator,
		At:         c.nowFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "[Coordinator.InitiateLogout] marshal")
	}

	path := filepath.Join(c.dir, beaconFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errors.Wrap(err, "[Coordinator.InitiateLogout] write")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "[Coordinator.InitiateLogout] rename")
	}

	c.log.Info().Str("event", "broadcast.logout").Str("originator", c.originator).Msg("logout beacon written")
	return nil
}

// Watch observes the state directory until ctx is cancelled. Beacon writes
// from other originators surface as ChangeLogout; credential entry writes
// and removals surface as ChangeCredentials. The channel closes when the
// watch ends.
func (c *Coordinator) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "[Coordinator.Watch] fsnotify.NewWatcher")
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrap(err, "[Coordinator.Watch] watcher.Add")
	}

	changes := make(chan Change, 8)
	go func() {
		defer close(changes)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if change, relevant := c.classify(event); relevant {
					select {
					case changes <- change:
					case <-ctx.Done():
						return
					}
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Warn().Err(watchErr).Msg("state directory watch error")
			}
		}
	}()
	return changes, nil
}

func (c *Coordinator) classify(event fsnotify.Event) (Change, bool) {
	name := filepath.Base(event.Name)

	if name == beaconFileName {
		if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
			return Change{}, false
		}
		signal, err := c.readBeacon()
		if err != nil {
			c.log.Warn().Err(err).Msg("unreadable logout beacon")
			return Change{}, false
		}
		if signal.Originator == c.originator {
			return Change{}, false
		}
		if c.nowFunc().Sub(signal.At) > c.beaconTTL {
			return Change{}, false
		}
		return Change{Kind: ChangeLogout, At: signal.At}, true
	}

	if strings.HasSuffix(name, ".cred") {
		if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) ||
			event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
			return Change{Kind: ChangeCredentials, At: c.nowFunc()}, true
		}
	}
	return Change{}, false
}

// PendingLogout reports whether a live beacon from another process exists,
// for startup checks before the watch begins. Stale beacons are ignored.
func (c *Coordinator) PendingLogout() bool {
	signal, err := c.readBeacon()
	if err != nil {
		return false
	}
	if signal.Originator == c.originator {
		return false
	}
	return c.nowFunc().Sub(signal.At) <= c.beaconTTL
}

func (c *Coordinator) readBeacon() (*Signal, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, beaconFileName))
	if err != nil {
		return nil, err
	}
	var signal Signal
	if err := json.Unmarshal(raw, &signal); err != nil {
		return nil, errors.Wrap(err, "decode beacon")
	}
	return &signal, nil
}
