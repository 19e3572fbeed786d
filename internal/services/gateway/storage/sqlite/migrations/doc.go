// Package migrations contains embedded SQL migrations for the SQLite audit
// log store.
package migrations
