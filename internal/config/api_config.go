package config

import "time"

type APIConfig interface {
	GetBaseURL() string
	GetRequestTimeout() time.Duration
	GetProfileFetchTimeout() time.Duration
}

type API struct {
	vars EnvVars
}

var _ APIConfig = API{}

// GetBaseURL resolves the backend base URL. An explicit SIMPLIFAQ_API_URL
// wins; otherwise the URL is derived from the environment name, falling
// back to a relative path for embedded use behind a reverse proxy.
func (a API) GetBaseURL() string {
	if a.vars.BaseURL != "" {
		return a.vars.BaseURL
	}
	switch a.vars.GetEnv() {
	case EnvTest:
		return "http://localhost:4000/api"
	case EnvDev:
		return "http://localhost:3000/api"
	case EnvProd:
		return "https://app.simplifaq.ch/api"
	}
	return "/api"
}

func (API) GetRequestTimeout() time.Duration {
	return 30 * time.Second
}

// GetProfileFetchTimeout bounds the startup profile recovery call. A hung
// profile fetch must abort and route to corruption handling.
func (API) GetProfileFetchTimeout() time.Duration {
	return 10 * time.Second
}
