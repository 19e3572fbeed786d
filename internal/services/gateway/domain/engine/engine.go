package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

const (
	defaultPersistAttempts = 5
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = time.Second
)

// Verifier checks counterparty signatures on messages and proofs.
type Verifier interface {
	session.Verifier
	VerifyProof(p protocol.Proof, signer, sessionID string, seq uint64) error
}

// RetryPolicy bounds retries of failed audit log appends.
type RetryPolicy struct {
	// MaxAttempts is the number of append attempts, including the first.
	MaxAttempts uint
	// InitialInterval and MaxInterval shape the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Result is the outcome of one transition.
type Result struct {
	// State is the session state after the transition. It is set even when
	// an error is returned, and reflects every entry that was appended.
	State session.State
	// Reply is the outbound message to hand to the transport, if any.
	Reply *protocol.Message
	// Duplicate is set when the inbound message had already been processed.
	Duplicate bool
	// CompensationErr is the failure of a compensation call. The session is
	// aborted and the failure is recorded in its log.
	CompensationErr error
}

// Engine runs transitions for sessions owned by one gateway.
type Engine struct {
	Store    journal.Store
	Signer   *identity.Signer
	Verifier Verifier
	Bridges  *bridge.Registry
	Retry    RetryPolicy
	Now      func() time.Time
	Logf     func(string, ...any)
	// OnPersistRetry is called for every failed append that will be retried.
	OnPersistRetry func(err error)
}

// Validate checks that the engine is fully configured.
func (e Engine) Validate() error {
	switch {
	case e.Store == nil:
		return ErrStoreRequired
	case e.Signer == nil:
		return ErrSignerRequired
	case e.Verifier == nil:
		return ErrVerifierRequired
	case e.Bridges == nil:
		return ErrBridgesRequired
	}
	return nil
}

func (e Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	// Durable stores keep millisecond precision.
	return now().UTC().Truncate(time.Millisecond)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// message builds and signs the next message of state.
func (e Engine) message(state session.State, seq uint64, stage protocol.Stage, msgType protocol.MessageType, payload any) (protocol.Message, error) {
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	m := protocol.Message{
		SessionID:      state.SessionID,
		SequenceNumber: seq,
		Stage:          stage,
		Type:           msgType,
		Payload:        data,
	}
	e.Signer.SignMessage(&m)
	return m, nil
}

// record appends a message entry at the next local sequence number and folds
// it into state.
func (e Engine) record(ctx context.Context, state session.State, m protocol.Message, dir protocol.Direction, effect protocol.Effect, outcome protocol.Outcome, note string) (session.State, error) {
	body, err := protocol.EncodeMessage(m)
	if err != nil {
		return state, fmt.Errorf("encode message: %w", err)
	}
	return e.commit(ctx, state, journal.Entry{
		SessionID:      m.SessionID,
		SequenceNumber: state.SequenceNumber + 1,
		Stage:          m.Stage,
		MessageType:    m.Type,
		Direction:      dir,
		PayloadHash:    m.Hash(),
		Signature:      m.Signature,
		Timestamp:      e.now(),
		Effect:         effect,
		Outcome:        outcome,
		Note:           note,
		Body:           body,
	})
}

// commit durably appends entry, then folds the stored copy into state. The
// state is only advanced once the append succeeded.
func (e Engine) commit(ctx context.Context, state session.State, entry journal.Entry) (session.State, error) {
	stored, err := e.append(ctx, entry)
	if err != nil {
		return state, err
	}
	next, err := session.Fold(state, stored)
	if err != nil {
		return state, wrapNonRetryable(fmt.Errorf("fold appended entry %s/%d: %w", entry.SessionID, entry.SequenceNumber, err))
	}
	return next, nil
}

// append retries persistence failures with exponential backoff. Sequence
// conflicts and invalid entries are permanent.
func (e Engine) append(ctx context.Context, entry journal.Entry) (journal.Entry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.Retry.InitialInterval
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaultInitialInterval
	}
	policy.MaxInterval = e.Retry.MaxInterval
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaultMaxInterval
	}
	attempts := e.Retry.MaxAttempts
	if attempts == 0 {
		attempts = defaultPersistAttempts
	}

	stored, err := backoff.Retry(ctx, func() (journal.Entry, error) {
		stored, err := e.Store.Append(ctx, entry)
		if err == nil {
			return stored, nil
		}
		if !journal.IsPersistence(err) {
			return journal.Entry{}, backoff.Permanent(err)
		}
		if e.OnPersistRetry != nil {
			e.OnPersistRetry(err)
		}
		e.logf("append %s/%d failed: %v", entry.SessionID, entry.SequenceNumber, err)
		return journal.Entry{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(attempts))
	if err != nil {
		return journal.Entry{}, fmt.Errorf("append %s/%d: %w", entry.SessionID, entry.SequenceNumber, err)
	}
	return stored, nil
}

// adapter returns the bridge adapter for ledgerID.
func (e Engine) adapter(ledgerID string) (bridge.Adapter, error) {
	return e.Bridges.Get(ledgerID)
}

// retryable reports whether err may succeed on a later attempt of the same
// transition.
func retryable(err error) bool {
	return bridge.IsTransient(err) || journal.IsPersistence(err) || errors.Is(err, context.Canceled)
}

// journalEntry builds the local record that closes an aborted session.
func journalEntry(state session.State, body []byte, at time.Time, note string) journal.Entry {
	return journal.Entry{
		SessionID:      state.SessionID,
		SequenceNumber: state.SequenceNumber + 1,
		Stage:          state.Stage,
		MessageType:    protocol.MessageCompensation,
		Direction:      protocol.DirectionLocal,
		PayloadHash:    protocol.Digest(body),
		Timestamp:      at,
		Outcome:        protocol.OutcomeAborted,
		Note:           note,
		Body:           body,
	}
}
