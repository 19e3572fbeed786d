// Package engine runs session transitions: it validates an input against the
// session, appends the resulting log entry, folds it, and only then performs
// the ledger effect and signs the outbound message.
//
// Every method takes the current session state and returns the state after
// the transition, so callers own serialization per session.
package engine
