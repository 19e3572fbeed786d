// Package journal defines the append-only audit log of protocol messages
// processed per session and an in-memory implementation of it.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

var (
	// ErrPersistence marks failures of the underlying storage. Callers must
	// treat them as fatal to the in-progress transition.
	ErrPersistence = apperrors.New(apperrors.CodePersistence, "audit log unavailable")
	// ErrSequenceConflict is returned when an entry does not extend the
	// session log by exactly one, or the session is already closed.
	ErrSequenceConflict = apperrors.New(apperrors.CodeSequenceConflict, "audit log sequence conflict")
	// ErrSessionIDRequired indicates a missing session id.
	ErrSessionIDRequired = errors.New("session id is required")
	// ErrInvalidEntry is returned for entries missing required fields.
	ErrInvalidEntry = errors.New("invalid log entry")
)

// Entry is an immutable record of one message processed within a session.
// Effect records a ledger operation intent logged before the operation runs.
// Body holds the encoded protocol message, or for local entries the encoded
// compensation result.
type Entry struct {
	SessionID      string
	SequenceNumber uint64
	Stage          protocol.Stage
	MessageType    protocol.MessageType
	Direction      protocol.Direction
	PayloadHash    string
	Signature      []byte
	Timestamp      time.Time
	Effect         protocol.Effect
	Outcome        protocol.Outcome
	Note           string
	Body           []byte

	// Populated by the store on append.
	Hash               string
	PrevHash           string
	ChainHash          string
	IntegritySignature string
	SignatureKeyID     string
}

// Store is the audit log contract. Append must be atomic: a torn write is
// never visible to ListBySession.
type Store interface {
	// Append durably records entry, which must carry the next sequence
	// number of its session. It returns the entry with integrity fields set.
	Append(ctx context.Context, entry Entry) (Entry, error)
	// ListBySession returns a session's entries in ascending sequence order.
	ListBySession(ctx context.Context, sessionID string) ([]Entry, error)
	// ListAllOpenSessions returns ids of sessions without a terminal outcome,
	// sorted ascending.
	ListAllOpenSessions(ctx context.Context) ([]string, error)
}

// Validate checks that the entry is well formed.
func (e Entry) Validate() error {
	switch {
	case strings.TrimSpace(e.SessionID) == "":
		return ErrSessionIDRequired
	case e.SequenceNumber == 0:
		return fmt.Errorf("%w: sequence number is required", ErrInvalidEntry)
	case e.MessageType == "":
		return fmt.Errorf("%w: message type is required", ErrInvalidEntry)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEntry)
	}
	switch e.Direction {
	case protocol.DirectionInbound, protocol.DirectionOutbound:
		if e.PayloadHash == "" || len(e.Body) == 0 {
			return fmt.Errorf("%w: message entries need a payload hash and body", ErrInvalidEntry)
		}
	case protocol.DirectionLocal:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidEntry, e.Direction)
	}
	return nil
}

// Closed reports whether the entry ends its session.
func (e Entry) Closed() bool {
	return e.Outcome == protocol.OutcomeCommitted || e.Outcome == protocol.OutcomeAborted
}

// DecodeMessage decodes the protocol message recorded by a message entry.
func (e Entry) DecodeMessage() (protocol.Message, error) {
	if e.Direction == protocol.DirectionLocal {
		return protocol.Message{}, fmt.Errorf("%w: local entry %s/%d has no message", ErrInvalidEntry, e.SessionID, e.SequenceNumber)
	}
	return protocol.DecodeMessage(e.Body)
}

// Persistence wraps a storage failure so callers can classify it.
func Persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// IsPersistence reports whether err is a retryable storage failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// CheckNext verifies that entry extends a log whose last entry is last.
// A zero last means the session has no entries yet.
func CheckNext(last Entry, entry Entry) error {
	if last.Closed() {
		return fmt.Errorf("%w: session %s is closed at seq %d", ErrSequenceConflict, entry.SessionID, last.SequenceNumber)
	}
	if entry.SequenceNumber != last.SequenceNumber+1 {
		return fmt.Errorf("%w: session %s expected seq %d got %d", ErrSequenceConflict, entry.SessionID, last.SequenceNumber+1, entry.SequenceNumber)
	}
	return nil
}
