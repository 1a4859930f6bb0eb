package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config/config.yml"

// APP_ENV values understood by the config loader.
const (
	EnvironmentDevelopment = "development"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

var environmentAliases = map[string]string{
	"":            EnvironmentDevelopment,
	"dev":         EnvironmentDevelopment,
	"prod":        EnvironmentProduction,
	"producation": EnvironmentProduction,
	"stag":        EnvironmentStaging,
	"stagging":    EnvironmentStaging,
}

// AppEnvironment returns APP_ENV lowercased with common misspellings mapped
// to their canonical name. Unset means development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike is true for environments that must not run on the
// in-memory table store.
func IsProductionLike(env string) bool {
	return env == EnvironmentProduction || env == EnvironmentStaging
}

// ResolveConfigPath replaces the default config file with
// config/config.<env>.yml when APP_ENV names an environment that has one.
// Explicit paths are returned untouched.
func ResolveConfigPath(path string) string {
	if path != "" && path != DefaultConfigPath {
		return path
	}
	env := AppEnvironment()
	if env == EnvironmentDevelopment {
		return DefaultConfigPath
	}
	dir, file := filepath.Split(DefaultConfigPath)
	ext := filepath.Ext(file)
	candidate := filepath.Join(dir, strings.TrimSuffix(file, ext)+"."+env+ext)
	if _, err := os.Stat(candidate); err != nil {
		return DefaultConfigPath
	}
	return candidate
}
