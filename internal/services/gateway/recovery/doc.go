// Package recovery rebuilds in-flight sessions from the audit log after a
// restart and decides, per session, whether to resume it or abort it.
//
// Recovery is pure reconstruction: it never calls a ledger or a
// counterparty. Aborts it decides on are carried out by the orchestrator
// through the normal abort path, so they are logged before any
// compensation runs.
package recovery
