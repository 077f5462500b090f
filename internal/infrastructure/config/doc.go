// Package config provides configuration loading for the Gray Link agent.
//
// Configuration is loaded from a YAML file with three layers of precedence:
//
//  1. Hardcoded defaults (field deployment timings)
//  2. YAML file values
//  3. GRAYLINK_* environment variables
//
// The agent is designed to run unattended; validation is strict so that a
// misconfigured unit fails at boot rather than in the field.
package config
