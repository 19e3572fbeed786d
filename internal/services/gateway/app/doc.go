// Package server wires a gateway process: audit log store, identity, ledger
// adapters, orchestrator, crash recovery, and the gRPC and operator HTTP
// servers.
package server
