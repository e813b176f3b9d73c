// Package config provides centralized configuration management for the
// ChainPilot runtime: a single JSON file with environment-variable
// indirection for secrets and sane defaults for every section.
package config
