package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/satp-gateway/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/sqlite/migrations"
)

const entryColumns = `session_id, seq, stage, message_type, direction, payload_hash,
	message_signature, timestamp, effect, outcome, note, body,
	entry_hash, prev_chain_hash, chain_hash, signature_key_id, integrity_signature`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite audit log.
type Store struct {
	sqlDB   *sql.DB
	keyring *integrity.Keyring
}

var _ journal.Store = (*Store)(nil)

// Open opens the audit log at path and applies pending migrations. With a
// keyring every appended chain hash is signed.
func Open(path string, keyring *integrity.Keyring) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.AuditFS, "audit"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, keyring: keyring}, nil
}

// Close closes the underlying database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append records entry as the next entry of its session. Re-appending an
// entry identical to the stored one returns the stored copy.
func (s *Store) Append(ctx context.Context, entry journal.Entry) (journal.Entry, error) {
	if err := ctx.Err(); err != nil {
		return journal.Entry{}, err
	}
	if s == nil || s.sqlDB == nil {
		return journal.Entry{}, fmt.Errorf("storage is not configured")
	}
	if err := entry.Validate(); err != nil {
		return journal.Entry{}, err
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Millisecond)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return journal.Entry{}, journal.Persistence("begin tx", err)
	}
	defer tx.Rollback()

	last, err := lastEntry(ctx, tx, entry.SessionID)
	if err != nil {
		return journal.Entry{}, journal.Persistence("load last entry", err)
	}
	if entry.SequenceNumber <= last.SequenceNumber {
		stored, err := entryAt(ctx, tx, entry.SessionID, entry.SequenceNumber)
		if err != nil {
			return journal.Entry{}, journal.Persistence("load stored entry", err)
		}
		if hash, err := journal.EntryHash(entry); err == nil && hash == stored.Hash {
			return stored, nil
		}
	}
	if err := journal.CheckNext(last, entry); err != nil {
		return journal.Entry{}, err
	}

	sealed, err := integrity.Seal(s.keyring, last, entry)
	if err != nil {
		return journal.Entry{}, err
	}
	if err := insertEntry(ctx, tx, sealed); err != nil {
		if isConstraintError(err) {
			return journal.Entry{}, fmt.Errorf("%w: %s/%d already stored", journal.ErrSequenceConflict, sealed.SessionID, sealed.SequenceNumber)
		}
		return journal.Entry{}, journal.Persistence("append entry", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO audit_sessions (session_id, last_seq, closed, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET last_seq = excluded.last_seq, closed = excluded.closed, updated_at = excluded.updated_at`,
		sealed.SessionID, int64(sealed.SequenceNumber), boolInt(sealed.Closed()), toMillis(sealed.Timestamp),
	); err != nil {
		return journal.Entry{}, journal.Persistence("update session index", err)
	}
	if err := tx.Commit(); err != nil {
		return journal.Entry{}, journal.Persistence("commit", err)
	}
	return sealed, nil
}

// ListBySession returns the session's entries in sequence order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]journal.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, journal.ErrSessionIDRequired
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, journal.Persistence("list entries", err)
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, journal.Persistence("scan entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.Persistence("list entries", err)
	}
	return entries, nil
}

// ListAllOpenSessions returns ids of sessions without a terminal outcome.
func (s *Store) ListAllOpenSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT session_id FROM audit_sessions WHERE closed = 0 ORDER BY session_id`)
	if err != nil {
		return nil, journal.Persistence("list open sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, journal.Persistence("scan session id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, journal.Persistence("list open sessions", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (journal.Entry, error) {
	var (
		entry                                      journal.Entry
		seq, ts                                    int64
		stage, msgType, direction, effect, outcome string
	)
	if err := row.Scan(
		&entry.SessionID, &seq, &stage, &msgType, &direction, &entry.PayloadHash,
		&entry.Signature, &ts, &effect, &outcome, &entry.Note, &entry.Body,
		&entry.Hash, &entry.PrevHash, &entry.ChainHash, &entry.SignatureKeyID, &entry.IntegritySignature,
	); err != nil {
		return journal.Entry{}, err
	}
	entry.SequenceNumber = uint64(seq)
	entry.Timestamp = fromMillis(ts)
	entry.Stage = protocol.Stage(stage)
	entry.MessageType = protocol.MessageType(msgType)
	entry.Direction = protocol.Direction(direction)
	entry.Effect = protocol.Effect(effect)
	entry.Outcome = protocol.Outcome(outcome)
	return entry, nil
}

func lastEntry(ctx context.Context, tx *sql.Tx, sessionID string) (journal.Entry, error) {
	entry, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, nil
	}
	return entry, err
}

func entryAt(ctx context.Context, tx *sql.Tx, sessionID string, seq uint64) (journal.Entry, error) {
	return scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE session_id = ? AND seq = ?`, sessionID, int64(seq)))
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry journal.Entry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_entries (`+entryColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, int64(entry.SequenceNumber), string(entry.Stage), string(entry.MessageType),
		string(entry.Direction), entry.PayloadHash, entry.Signature, toMillis(entry.Timestamp),
		string(entry.Effect), string(entry.Outcome), entry.Note, entry.Body,
		entry.Hash, entry.PrevHash, entry.ChainHash, entry.SignatureKeyID, entry.IntegritySignature,
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
