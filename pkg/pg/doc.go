// Package pg wires the engine's PostgreSQL layer: pooled connectivity with
// retry on startup, goose schema migrations, a health check closure, and the
// Store implementation of the entitlement persistence interface.
package pg
