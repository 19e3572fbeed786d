package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal/journaltest"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

func testKeyring(t *testing.T) *integrity.Keyring {
	t.Helper()
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("test-key")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	return ring
}

func openTestStore(t *testing.T, path string, ring *integrity.Keyring) *Store {
	t.Helper()
	store, err := Open(path, ring)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestStoreContract(t *testing.T) {
	journaltest.RunStoreContract(t, func(t *testing.T) journal.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "audit.db"), testKeyring(t))
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" ", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ring := testKeyring(t)
	ctx := context.Background()

	store, err := Open(path, ring)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if _, err := store.Append(ctx, journaltest.Entry("s1", seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestStore(t, path, ring)
	entries, err := reopened.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if err := integrity.VerifyChain(entries, ring); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if entries[0].SignatureKeyID != "v1" || entries[0].IntegritySignature == "" {
		t.Fatalf("expected signed entries, got %+v", entries[0])
	}
	if _, err := reopened.Append(ctx, journaltest.Entry("s1", 4)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
}

func TestTamperedRowFailsVerification(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "audit.db"), testKeyring(t))
	ctx := context.Background()
	for seq := uint64(1); seq <= 2; seq++ {
		if _, err := store.Append(ctx, journaltest.Entry("s1", seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if _, err := store.sqlDB.Exec(`UPDATE audit_entries SET note = 'edited' WHERE session_id = 's1' AND seq = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	entries, err := store.ListBySession(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := integrity.VerifyChain(entries, store.keyring); !errors.Is(err, integrity.ErrTampered) {
		t.Fatalf("expected tampering to be detected, got %v", err)
	}
}

func TestClosedStoreReportsPersistenceFailure(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = store.Append(context.Background(), journaltest.Entry("s1", 1))
	if !journal.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
