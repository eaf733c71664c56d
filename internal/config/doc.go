// ABOUTME: Package documentation for the config package
// ABOUTME: Explains YAML loading, env expansion, and defaulting

// Package config loads and validates wardgate configuration from YAML
// files. Values in the form ${VAR_NAME} are expanded from the
// environment before parsing, duration fields accept Go duration
// strings ("30s", "10m"), and any knob left unset takes the documented
// default. Load fails rather than starting with a missing credential
// secret or an invalid retention cap.
package config
