package configs

import (
	"os"

	"github.com/microfarm/microfarm/internal/infrastructure/env"
)

var candidates = []string{
	"./config.yaml",
	"./config.yml",
	"./tmp/config.yaml",
	"/etc/microfarm/config.yaml",
	"/app/config.yaml",
}

// DetermineConfigPath resolves the config file from the flag value, the
// MICROFARM_CONFIG env var, then a list of well-known locations. An empty
// result means defaults and env overrides only.
func DetermineConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if p := env.GetString("MICROFARM_CONFIG", ""); p != "" {
		return p
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
