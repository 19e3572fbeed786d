// Package session models one transfer session as a state machine.
//
// Session state is never mutated directly. Every transition is first written
// to the audit log as an entry, and State is the fold of those entries, so a
// session rebuilt after a crash is indistinguishable from the one that was
// running before it.
//
// The package holds:
//   - the State aggregate and its status snapshot,
//   - Fold, which applies one logged entry,
//   - envelope checks run against inbound messages before anything is logged,
//   - and Next, which derives the pending action of a live session.
package session
