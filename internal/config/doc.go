// Package config loads application configuration from environment variables
// with validation and sane defaults.
package config
