package config

import "time"

type StoreConfig interface {
	GetStateDir() string
	GetBeaconTTL() time.Duration
}

type Store struct {
	vars EnvVars
}

var _ StoreConfig = Store{}

func (s Store) GetStateDir() string {
	if s.vars.StateDir != "" {
		return s.vars.StateDir
	}
	return defaultStateDir()
}

// GetBeaconTTL is how long a logout beacon stays meaningful. Beacons older
// than this are ignored on startup so a stale file cannot log a fresh
// session out.
func (Store) GetBeaconTTL() time.Duration {
	return 30 * time.Second
}
