// Package journaltest holds the behavior every audit log store must share.
package journaltest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

var stamp = time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)

// Entry builds a valid outbound entry for seq of sessionID.
func Entry(sessionID string, seq uint64) journal.Entry {
	return journal.Entry{
		SessionID:      sessionID,
		SequenceNumber: seq,
		Stage:          protocol.StageAt(seq),
		MessageType:    protocol.MessageTypeAt(seq),
		Direction:      protocol.DirectionOutbound,
		PayloadHash:    "hash",
		Signature:      []byte("sig"),
		Timestamp:      stamp.Add(time.Duration(seq)*time.Second + 250*time.Microsecond),
		Body:           []byte{0xa0},
	}
}

// RunStoreContract runs the shared audit log checks against stores built by
// open. Each subtest gets a fresh store.
func RunStoreContract(t *testing.T, open func(t *testing.T) journal.Store) {
	t.Helper()

	t.Run("chains hashes", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		first := mustAppend(t, store, Entry("s1", 1))
		second := mustAppend(t, store, Entry("s1", 2))
		if first.Hash == "" || first.ChainHash == "" || first.PrevHash != "" {
			t.Fatalf("unexpected first entry hashes: %+v", first)
		}
		if second.PrevHash != first.ChainHash {
			t.Fatalf("second prev hash = %q, want %q", second.PrevHash, first.ChainHash)
		}
		if !second.Timestamp.Equal(stamp.Add(2 * time.Second)) {
			t.Fatalf("expected millisecond timestamp, got %s", second.Timestamp)
		}

		entries, err := store.ListBySession(ctx, "s1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if !reflect.DeepEqual(entries[1], second) {
			t.Fatalf("stored entry differs from appended:\n got %+v\nwant %+v", entries[1], second)
		}
	})

	t.Run("rejects gaps and rewrites", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.Append(ctx, Entry("s1", 2)); !errors.Is(err, journal.ErrSequenceConflict) {
			t.Fatalf("expected conflict for gap, got %v", err)
		}
		mustAppend(t, store, Entry("s1", 1))
		rewrite := Entry("s1", 1)
		rewrite.Note = "rewritten"
		if _, err := store.Append(ctx, rewrite); !errors.Is(err, journal.ErrSequenceConflict) {
			t.Fatalf("expected conflict for rewrite, got %v", err)
		}
	})

	t.Run("identical append is idempotent", func(t *testing.T) {
		store := open(t)
		first := mustAppend(t, store, Entry("s1", 1))
		again := mustAppend(t, store, Entry("s1", 1))
		if first.ChainHash != again.ChainHash {
			t.Fatalf("expected stored copy, got %+v", again)
		}
		entries, err := store.ListBySession(context.Background(), "s1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
	})

	t.Run("closed sessions reject appends", func(t *testing.T) {
		store := open(t)
		closing := Entry("s1", 1)
		closing.Outcome = protocol.OutcomeAborted
		mustAppend(t, store, closing)
		if _, err := store.Append(context.Background(), Entry("s1", 2)); !errors.Is(err, journal.ErrSequenceConflict) {
			t.Fatalf("expected conflict after close, got %v", err)
		}
	})

	t.Run("lists open sessions", func(t *testing.T) {
		store := open(t)
		mustAppend(t, store, Entry("s2", 1))
		mustAppend(t, store, Entry("s1", 1))
		closing := Entry("s3", 1)
		closing.Outcome = protocol.OutcomeCommitted
		mustAppend(t, store, closing)

		open, err := store.ListAllOpenSessions(context.Background())
		if err != nil {
			t.Fatalf("list open: %v", err)
		}
		if !reflect.DeepEqual(open, []string{"s1", "s2"}) {
			t.Fatalf("unexpected open sessions: %v", open)
		}
	})

	t.Run("validates input", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.Append(ctx, journal.Entry{}); err == nil {
			t.Fatal("expected error for empty entry")
		}
		if _, err := store.ListBySession(ctx, " "); !errors.Is(err, journal.ErrSessionIDRequired) {
			t.Fatalf("expected session id required, got %v", err)
		}
		entries, err := store.ListBySession(ctx, "missing")
		if err != nil || len(entries) != 0 {
			t.Fatalf("expected no entries, got %v %v", entries, err)
		}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := store.Append(cancelled, Entry("s1", 1)); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	})

	t.Run("concurrent appends keep one writer per seq", func(t *testing.T) {
		store := open(t)
		mustAppend(t, store, Entry("s1", 1))

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				entry := Entry("s1", 2)
				entry.Note = string(rune('a' + i))
				_, errs[i] = store.Append(context.Background(), entry)
			}(i)
		}
		wg.Wait()

		var ok int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case !errors.Is(err, journal.ErrSequenceConflict):
				t.Fatalf("unexpected append error: %v", err)
			}
		}
		if ok != 1 {
			t.Fatalf("expected exactly one winner, got %d", ok)
		}
	})
}

func mustAppend(t *testing.T, store journal.Store, entry journal.Entry) journal.Entry {
	t.Helper()
	stored, err := store.Append(context.Background(), entry)
	if err != nil {
		t.Fatalf("append %s/%d: %v", entry.SessionID, entry.SequenceNumber, err)
	}
	return stored
}
