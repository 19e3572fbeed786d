// Package sqlite provides the SQLite-backed audit log store.
//
// Every append runs in one transaction that checks the session sequence,
// seals the entry into the session hash chain, and updates the open-session
// index, so a torn write is never visible to readers.
package sqlite
