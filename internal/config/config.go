package config

type Config interface {
	EnvConfig
	APIConfig
	SecurityConfig
	StoreConfig
}

type mainConfig struct {
	EnvVars
	API
	Security
	Store
}

func New() Config {
	vars := ParseEnvVars()
	return mainConfig{
		EnvVars:  vars,
		API:      API{vars: vars},
		Security: Security{},
		Store:    Store{vars: vars},
	}
}
