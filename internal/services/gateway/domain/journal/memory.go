package journal

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store for tests and single-process development.
type Memory struct {
	mu       sync.Mutex
	sessions map[string][]Entry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string][]Entry)}
}

// Append records entry after checking it extends its session by one.
// Re-appending an identical entry returns the stored copy.
func (m *Memory) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if m == nil {
		return Entry{}, errors.New("journal store is required")
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sessions[entry.SessionID]
	if existing, ok := sameEntry(entries, entry); ok {
		return existing, nil
	}
	var last Entry
	if len(entries) > 0 {
		last = entries[len(entries)-1]
	}
	if err := CheckNext(last, entry); err != nil {
		return Entry{}, err
	}
	sealed, err := Seal(last, entry)
	if err != nil {
		return Entry{}, err
	}
	m.sessions[entry.SessionID] = append(entries, sealed)
	return sealed, nil
}

// ListBySession returns a copy of the session's entries.
func (m *Memory) ListBySession(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sessions[sessionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// ListAllOpenSessions returns sessions whose last entry has no outcome.
func (m *Memory) ListAllOpenSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var open []string
	for id, entries := range m.sessions {
		if len(entries) > 0 && !entries[len(entries)-1].Closed() {
			open = append(open, id)
		}
	}
	sort.Strings(open)
	return open, nil
}

func sameEntry(entries []Entry, entry Entry) (Entry, bool) {
	if entry.SequenceNumber == 0 || int(entry.SequenceNumber) > len(entries) {
		return Entry{}, false
	}
	stored := entries[entry.SequenceNumber-1]
	hash, err := EntryHash(entry)
	if err != nil || hash != stored.Hash {
		return Entry{}, false
	}
	return stored, true
}
