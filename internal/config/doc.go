// Package config loads the daemon configuration from a JSON file (path taken
// from SENTINEL_CONFIG), applies defaults, and resolves secrets from the
// environment, optionally seeded from a .env file.
package config
