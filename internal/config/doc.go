// Package config provides configuration loading and validation for the speech streaming service.
// It handles YAML-based configuration with defaults and per-section validation. The loaded
// configuration is read once at startup and treated as immutable.
package config
