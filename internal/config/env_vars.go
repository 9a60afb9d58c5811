package config

import (
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Environment names recognised when resolving the API base URL.
const (
	EnvTest = "test"
	EnvDev  = "dev"
	EnvProd = "prod"
)

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

// EnvVars holds every value read from the process environment.
// Parsed once at startup; all config getters derive from it.
type EnvVars struct {
	AppName  string `env:"APP_NAME" envDefault:"SimpliFAQ Agent"`
	Env      string `env:"SIMPLIFAQ_ENV"`
	BaseURL  string `env:"SIMPLIFAQ_API_URL"`
	StateDir string `env:"SIMPLIFAQ_STATE_DIR"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

var _ EnvConfig = EnvVars{}

// ParseEnvVars reads the environment. Parse errors fall back to zero
// values; every getter has a usable default.
func ParseEnvVars() EnvVars {
	var vars EnvVars
	_ = env.Parse(&vars)
	return vars
}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	if e.Env == "" {
		return EnvDev
	}
	return e.Env
}

func (e EnvVars) GetLogLevel() string {
	return e.LogLevel
}

// defaultStateDir resolves the per-user state directory used for the
// credential store and the logout beacon.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".simplifaq"
	}
	return filepath.Join(home, ".simplifaq")
}
