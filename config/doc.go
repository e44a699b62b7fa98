// Package config provides configuration management for the gate.
//
// Configuration is assembled from defaults, an optional YAML file and
// environment variable overrides, in that order of precedence.
package config
