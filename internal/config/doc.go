// Package config loads and validates the conveyor TOML configuration.
//
// Configuration covers filesystem paths, the control API bind address, the
// event bus transport, orchestrator timing (lease TTL, sweep interval,
// dispatch polling), and the declared stage pipeline. A malformed pipeline
// declaration is a startup failure; it is never surfaced at request time.
package config
