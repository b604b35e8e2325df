// Package redis provides the engine's Redis connectivity: a retrying
// connector, a health check closure, and the webhook dedup cache used as a
// fast path in front of the durable event store.
package redis
