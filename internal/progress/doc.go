// Package progress provides the job lifecycle events, the non-blocking hub and
// the emitter interface used by the worker and scheduler. The hub batches
// events on a background goroutine and fans them out to pluggable sinks such
// as logs, Prometheus metrics or Pub/Sub.
package progress
