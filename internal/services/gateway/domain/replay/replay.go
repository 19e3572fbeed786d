// Package replay rebuilds session state from the audit log without touching
// any ledger or counterparty.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
)

var (
	// ErrStoreRequired indicates a missing audit log store.
	ErrStoreRequired = errors.New("audit log store is required")
	// ErrSessionIDRequired indicates a missing session id.
	ErrSessionIDRequired = errors.New("session id is required")
	// ErrNoEntries is returned when a session has no log entries.
	ErrNoEntries = errors.New("session has no log entries")
)

// Result captures replay outcomes.
type Result struct {
	State   session.State
	LastSeq uint64
	Applied int
}

// Entries folds entries in order into a fresh session state.
func Entries(entries []journal.Entry) (Result, error) {
	result := Result{}
	for _, entry := range entries {
		expectedSeq := result.LastSeq + 1
		if entry.SequenceNumber != expectedSeq {
			return result, fmt.Errorf("%w: expected %d got %d", session.ErrSequenceGap, expectedSeq, entry.SequenceNumber)
		}
		next, err := session.Fold(result.State, entry)
		if err != nil {
			return result, err
		}
		result.State = next
		result.LastSeq = entry.SequenceNumber
		result.Applied++
	}
	return result, nil
}

// Session loads and folds the log of one session.
func Session(ctx context.Context, store journal.Store, sessionID string) (Result, []journal.Entry, error) {
	if store == nil {
		return Result{}, nil, ErrStoreRequired
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Result{}, nil, ErrSessionIDRequired
	}
	entries, err := store.ListBySession(ctx, sessionID)
	if err != nil {
		return Result{}, nil, err
	}
	if len(entries) == 0 {
		return Result{}, nil, fmt.Errorf("%w: %s", ErrNoEntries, sessionID)
	}
	result, err := Entries(entries)
	if err != nil {
		return result, entries, fmt.Errorf("replay session %s: %w", sessionID, err)
	}
	return result, entries, nil
}
