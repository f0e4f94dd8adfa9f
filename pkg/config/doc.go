// Package config loads the fieldsync YAML configuration over built-in
// defaults. Command-line flags override individual fields afterwards.
package config
