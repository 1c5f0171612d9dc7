// Package sinks provides progress.Sink implementations for logs, Prometheus
// metrics and Pub/Sub notifications.
package sinks
