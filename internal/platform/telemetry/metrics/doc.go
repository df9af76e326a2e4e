// Package metrics provides operational metrics for the stream consumers.
//
// Collectors are registered on a caller-supplied Prometheus registerer and
// exposed in the Prometheus text format by Handler:
//
//   - orderstream_consumer_entries_total{stream,outcome}: handled entries by
//     outcome (applied, replayed, item_missing, failed, dead, ...)
//   - orderstream_consumer_handle_duration_seconds{stream}: handler latency
//   - orderstream_consumer_failures_total{stream,code}: handler failures by
//     error code
//   - orderstream_consumer_read_errors_total{stream}: transport failures on
//     the blocking read
//   - orderstream_consumer_reclaimed_total{stream,action}: reclaim decisions
//     (claimed, dead_lettered)
//
// A nil *Consumer is valid and records nothing, so tests and tools can build
// loops without a registry.
package metrics
