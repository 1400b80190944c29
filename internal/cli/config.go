package cli

import (
	"github.com/evcraddock/visit-tracker/internal/config"
)

// configPath returns the --config flag or the default config file path.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file with environment overrides applied.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// updateConfig rewrites the config file with fn applied.
func updateConfig(fn func(*config.Config)) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return config.Update(path, fn)
}

// getServerURL returns the server URL from env var, config, or default.
func getServerURL() string {
	cfg, err := loadConfig()
	if err != nil || cfg.ServerURL == "" {
		return config.DefaultServerURL
	}
	return cfg.ServerURL
}

// getAPIKey returns the API key from env var or config.
func getAPIKey() string {
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return cfg.APIKey
}
