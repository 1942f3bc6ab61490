// Package sinks implements concrete progress consumers such as Prometheus,
// structured logging, and a message topic. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
