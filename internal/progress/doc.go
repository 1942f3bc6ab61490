// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces used to broadcast clone job lifecycle changes. Events are batched
// on a background goroutine and fanned out to pluggable sinks such as
// Prometheus metrics, structured logs, or a Pub/Sub topic.
package progress
