// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that the partitioner, transport, and driver use to report census
// progress. It batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics, logs, or the run ledger.
package progress
