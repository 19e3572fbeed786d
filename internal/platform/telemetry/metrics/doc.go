// Package metrics records gateway operational metrics with OpenTelemetry.
//
// Instruments are created from the global meter provider unless one is
// injected, so binaries without a configured exporter pay only for no-op
// calls.
//
// Counters:
//   - satp.transitions: logged protocol messages by type and direction
//   - satp.aborts: aborted sessions by code
//   - satp.compensations: compensation calls by result
//   - satp.resends: outbound messages re-sent after a stage timeout
//   - satp.persist.retries: failed audit log appends that were retried
//   - satp.delivery.failures: messages the transport could not deliver
//   - satp.sessions.open: open resident sessions
package metrics
