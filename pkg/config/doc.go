// Package config loads daemon configuration from YAML with environment
// overrides, and defines runtime profiles.
package config
