package config

import (
	"os"
	"strings"
)

// Environment identifies the deployment a process runs in, read from APP_ENV.
type Environment string

const (
	appEnvVar = "APP_ENV"

	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// Common spellings seen in deploy manifests.
var environmentAliases = map[string]Environment{
	"dev":         EnvironmentDevelopment,
	"local":       EnvironmentDevelopment,
	"stag":        EnvironmentStaging,
	"stage":       EnvironmentStaging,
	"stagging":    EnvironmentStaging,
	"prod":        EnvironmentProduction,
	"producation": EnvironmentProduction,
}

func parseEnvironment(raw string) Environment {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return EnvironmentDevelopment
	}
	if env, ok := environmentAliases[name]; ok {
		return env
	}
	return Environment(name)
}

func getAppEnvironment() Environment {
	return parseEnvironment(os.Getenv(appEnvVar))
}

// AppEnvironment returns the normalised APP_ENV value, development when unset.
func AppEnvironment() Environment {
	return getAppEnvironment()
}

// ProductionLike reports whether clients must present wallet credentials
// before a multiplexed connection is allowed.
func (e Environment) ProductionLike() bool {
	return e == EnvironmentProduction || e == EnvironmentStaging
}

// configFileFor names the file an environment overrides the default with, or
// "" when it uses the default.
func configFileFor(env Environment) string {
	switch env {
	case EnvironmentProduction:
		return defaultProductionPath
	case EnvironmentStaging:
		return defaultStagingPath
	}
	return ""
}

// resolveEnvSpecificPath swaps an empty or default path for the current
// environment's file. An explicit path always wins.
func resolveEnvSpecificPath(path, defaultPath string) string {
	if path != "" && path != defaultPath {
		return path
	}
	if envPath := configFileFor(getAppEnvironment()); envPath != "" {
		return envPath
	}
	return defaultPath
}
