// Package bbolt provides an embedded BoltDB audit log store.
//
// Entries live in one nested bucket per session keyed by big-endian sequence
// number, so a cursor walks them in order. A separate bucket indexes the
// sessions that have not reached a terminal outcome.
package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

var (
	entriesBucket = []byte("entries")
	openBucket    = []byte("open_sessions")
)

// Store is a BoltDB audit log.
type Store struct {
	db      *bbolt.DB
	keyring *integrity.Keyring
}

var _ journal.Store = (*Store)(nil)

// Open opens the audit log at path. With a keyring every appended chain hash
// is signed.
func Open(path string, keyring *integrity.Keyring) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	store := &Store{db: db, keyring: keyring}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records entry as the next entry of its session. Re-appending an
// entry identical to the stored one returns the stored copy.
func (s *Store) Append(ctx context.Context, entry journal.Entry) (journal.Entry, error) {
	if err := ctx.Err(); err != nil {
		return journal.Entry{}, err
	}
	if s == nil || s.db == nil {
		return journal.Entry{}, fmt.Errorf("storage is not configured")
	}
	if err := entry.Validate(); err != nil {
		return journal.Entry{}, err
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Millisecond)

	var sealed journal.Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sessions, err := tx.Bucket(entriesBucket).CreateBucketIfNotExists([]byte(entry.SessionID))
		if err != nil {
			return journal.Persistence("create session bucket", err)
		}
		last, err := lastEntry(sessions)
		if err != nil {
			return err
		}
		if entry.SequenceNumber <= last.SequenceNumber {
			stored, err := decodeEntry(sessions.Get(seqKey(entry.SequenceNumber)))
			if err != nil {
				return err
			}
			if hash, err := journal.EntryHash(entry); err == nil && hash == stored.Hash {
				sealed = stored
				return nil
			}
		}
		if err := journal.CheckNext(last, entry); err != nil {
			return err
		}

		sealed, err = integrity.Seal(s.keyring, last, entry)
		if err != nil {
			return err
		}
		data, err := encodeEntry(sealed)
		if err != nil {
			return err
		}
		if err := sessions.Put(seqKey(sealed.SequenceNumber), data); err != nil {
			return journal.Persistence("put entry", err)
		}
		open := tx.Bucket(openBucket)
		if sealed.Closed() {
			err = open.Delete([]byte(sealed.SessionID))
		} else {
			err = open.Put([]byte(sealed.SessionID), seqKey(sealed.SequenceNumber))
		}
		if err != nil {
			return journal.Persistence("update session index", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, journal.ErrSequenceConflict) || journal.IsPersistence(err) {
			return journal.Entry{}, err
		}
		return journal.Entry{}, journal.Persistence("append entry", err)
	}
	return sealed, nil
}

// ListBySession returns the session's entries in sequence order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]journal.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, journal.ErrSessionIDRequired
	}

	var entries []journal.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(entriesBucket).Bucket([]byte(sessionID))
		if sessions == nil {
			return nil
		}
		return sessions.ForEach(func(_, value []byte) error {
			entry, err := decodeEntry(value)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, journal.Persistence("list entries", err)
	}
	return entries, nil
}

// ListAllOpenSessions returns ids of sessions without a terminal outcome.
func (s *Store) ListAllOpenSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(openBucket).ForEach(func(key, _ []byte) error {
			ids = append(ids, string(key))
			return nil
		})
	})
	if err != nil {
		return nil, journal.Persistence("list open sessions", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, openBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func lastEntry(sessions *bbolt.Bucket) (journal.Entry, error) {
	_, value := sessions.Cursor().Last()
	if value == nil {
		return journal.Entry{}, nil
	}
	return decodeEntry(value)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
