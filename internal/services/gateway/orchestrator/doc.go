// Package orchestrator is the gateway's single entry and exit point for the
// transfer protocol.
//
// It owns the map from session id to resident session state and serializes
// transitions per session: each resident session has its own lock, while
// distinct sessions proceed in parallel on a bounded worker pool. Every
// transition goes through the engine, which appends to the audit log before
// any ledger call or message send.
//
// Outbound messages are handed to a Transport whose Send returns the
// counterparty's synchronous reply. The orchestrator feeds that reply back
// into the session and keeps sending until the exchange produces no further
// message, so the side that sends drives the conversation. Tick re-sends
// messages the counterparty has not answered within the stage timeout and
// aborts the session once retries run out.
package orchestrator
