// Package config parses command-line flags and OpenTelemetry environment
// variables.
package config
