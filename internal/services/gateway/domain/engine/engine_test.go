package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge/memory"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

var testAsset = protocol.Asset{LedgerID: "L1", AssetRef: "A1", Amount: 100}

type harness struct {
	t        *testing.T
	l1, l2   *memory.Ledger
	sender   Engine
	receiver Engine
	sStore   *flakyStore
	rStore   *flakyStore
}

// flakyStore wraps the in-memory store and fails appends on demand.
type flakyStore struct {
	*journal.Memory
	mu       sync.Mutex
	failures int
	err      error
	attempts int
}

func (s *flakyStore) Append(ctx context.Context, entry journal.Entry) (journal.Entry, error) {
	s.mu.Lock()
	s.attempts++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		err := s.err
		s.mu.Unlock()
		return journal.Entry{}, err
	}
	s.mu.Unlock()
	return s.Memory.Append(ctx, entry)
}

func (s *flakyStore) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.err = err
}

func (s *flakyStore) count(t *testing.T, sessionID string) int {
	t.Helper()
	entries, err := s.ListBySession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(entries)
}

// rejectingLocks is a source ledger view that never confirms a lock.
type rejectingLocks struct {
	*memory.Ledger
}

func (rejectingLocks) VerifyLock(context.Context, protocol.Proof) (bool, error) {
	return false, nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, l1: memory.NewLedger("L1"), l2: memory.NewLedger("L2")}
	h.l1.Deposit("A1", 100)

	directory := identity.NewDirectory()
	signers := map[string]*identity.Signer{}
	for _, id := range []string{"gw1", "gw2"} {
		keys, err := identity.GenerateKeyPair(id, nil)
		if err != nil {
			t.Fatalf("generate keys: %v", err)
		}
		signer, err := identity.NewSigner(keys)
		if err != nil {
			t.Fatalf("signer: %v", err)
		}
		if err := directory.Register(id, keys.PublicKey); err != nil {
			t.Fatalf("register: %v", err)
		}
		signers[id] = signer
	}
	senderBridges, err := bridge.NewRegistry(h.l1, h.l2)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	receiverBridges, err := bridge.NewRegistry(h.l1, h.l2)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	quiet := func(string, ...any) {}
	retry := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	h.sStore = &flakyStore{Memory: journal.NewMemory()}
	h.rStore = &flakyStore{Memory: journal.NewMemory()}
	h.sender = Engine{Store: h.sStore, Signer: signers["gw1"], Verifier: directory, Bridges: senderBridges, Retry: retry, Now: now, Logf: quiet}
	h.receiver = Engine{Store: h.rStore, Signer: signers["gw2"], Verifier: directory, Bridges: receiverBridges, Retry: retry, Now: now, Logf: quiet}
	if err := h.sender.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return h
}

func (h *harness) initiate() Result {
	h.t.Helper()
	res, err := h.sender.Initiate(context.Background(), Transfer{
		SessionID:             "s1",
		Asset:                 testAsset,
		Destination:           protocol.Destination{LedgerID: "L2", Recipient: "alice"},
		CounterpartyGatewayID: "gw2",
	})
	if err != nil {
		h.t.Fatalf("initiate: %v", err)
	}
	return res
}

func reply(t *testing.T, res Result, err error) protocol.Message {
	t.Helper()
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Reply == nil {
		t.Fatal("expected a reply")
	}
	return *res.Reply
}

// run drives both sides to seq n on the wire and returns the latest states
// and the last message sent.
func (h *harness) run(n uint64) (sender, receiver session.State, last protocol.Message) {
	h.t.Helper()
	ctx := context.Background()
	res := h.initiate()
	sender, last = res.State, *res.Reply
	for seq := uint64(2); seq <= n; seq++ {
		var err error
		if protocol.SenderAt(seq) == protocol.RoleReceiver {
			if seq == 2 {
				res, err = h.receiver.Open(ctx, last, nil)
			} else {
				res, err = h.receiver.Receive(ctx, receiver, last)
			}
			last = reply(h.t, res, err)
			receiver = res.State
		} else {
			res, err = h.sender.Receive(ctx, sender, last)
			last = reply(h.t, res, err)
			sender = res.State
		}
	}
	return sender, receiver, last
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	sender, receiver, receipt := h.run(6)

	if got := sender.Status(); got.Stage != protocol.StageCommitted || got.SequenceNumber != 5 {
		t.Fatalf("sender status = %s/%d, want COMMITTED/5", got.Stage, got.SequenceNumber)
	}
	if got := receiver.Status(); got.Stage != protocol.StageCommitted || got.SequenceNumber != 6 {
		t.Fatalf("receiver status = %s/%d, want COMMITTED/6", got.Stage, got.SequenceNumber)
	}

	res, err := h.sender.Receive(context.Background(), sender, receipt)
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if res.Reply != nil || res.State.SequenceNumber != 5 {
		t.Fatal("receipt must not produce a reply or a log entry")
	}

	if b := h.l1.Balance("A1"); b.Burned != 100 || b.Locked != 0 || b.Free != 0 {
		t.Fatalf("unexpected source balance %+v", b)
	}
	if b := h.l2.Balance("A1"); b.Holders["alice"] != 100 || b.Escrow != 0 {
		t.Fatalf("unexpected destination balance %+v", b)
	}
	if h.l1.Count(memory.OpUnlock) != 0 || h.l2.Count(memory.OpBurn) != 0 {
		t.Fatal("committed transfer must not compensate")
	}
}

func TestDuplicateReturnsLoggedReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate()
	opened, err := h.receiver.Open(ctx, *res.Reply, nil)
	commence := reply(t, opened, err)

	first, err := h.sender.Receive(ctx, res.State, commence)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	entries := h.sStore.count(t, "s1")

	again, err := h.sender.Receive(ctx, first.State, commence)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if !again.Duplicate || again.Reply == nil || again.Reply.Hash() != first.Reply.Hash() {
		t.Fatal("expected the logged reply for a duplicate")
	}
	if again.State.Stage != first.State.Stage || h.sStore.count(t, "s1") != entries {
		t.Fatal("duplicate must not advance the session")
	}
	if h.l1.Count(memory.OpLock) != 1 {
		t.Fatalf("expected one lock call, got %d", h.l1.Count(memory.OpLock))
	}
}

func TestEffectsFollowTheirLogEntry(t *testing.T) {
	h := newHarness(t)
	var violations []string
	check := func(store *flakyStore, op memory.Operation, effect protocol.Effect) func(memory.Call) {
		return func(c memory.Call) {
			if c.Op != op {
				return
			}
			entries, _ := store.ListBySession(context.Background(), "s1")
			if len(entries) == 0 || entries[len(entries)-1].Effect != effect {
				violations = append(violations, string(op))
			}
		}
	}
	lockHook := check(h.sStore, memory.OpLock, protocol.EffectLock)
	burnHook := check(h.sStore, memory.OpBurn, protocol.EffectBurn)
	h.l1.OnCall(func(c memory.Call) { lockHook(c); burnHook(c) })
	h.l2.OnCall(check(h.rStore, memory.OpMint, protocol.EffectMint))

	h.run(6)
	if len(violations) != 0 {
		t.Fatalf("ledger effects ran before their intent was logged: %v", violations)
	}
}

func TestLockNotVerifiedAbortsWithoutCompensation(t *testing.T) {
	h := newHarness(t)
	h.receiver.Bridges, _ = bridge.NewRegistry(rejectingLocks{h.l1}, h.l2)
	ctx := context.Background()

	sender, receiver, lock := h.run(3)
	res, err := h.receiver.Receive(ctx, receiver, lock)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.State.Stage != protocol.StageAborted || res.Reply == nil || res.Reply.Type != protocol.MessageTransferAbort {
		t.Fatalf("expected receiver abort, got %+v", res.State.Status())
	}
	if h.l2.Count(memory.OpMint) != 0 || h.l2.Count(memory.OpBurn) != 0 {
		t.Fatal("receiver must not touch its ledger")
	}

	back, err := h.sender.Receive(ctx, sender, *res.Reply)
	if err != nil {
		t.Fatalf("sender receives abort: %v", err)
	}
	if back.State.Stage != protocol.StageAborted || h.l1.Count(memory.OpUnlock) != 1 {
		t.Fatalf("expected one unlock on the sender, got %d", h.l1.Count(memory.OpUnlock))
	}
	if b := h.l1.Balance("A1"); b.Free != 100 || b.Locked != 0 {
		t.Fatalf("expected lock released, got %+v", b)
	}
}

func TestOperatorAbortCompensatesOnce(t *testing.T) {
	h := newHarness(t)
	sender, _, _ := h.run(3)

	res, err := h.sender.Abort(context.Background(), sender, errors.New("operator request"))
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if res.State.Stage != protocol.StageAborted || !res.State.Compensated {
		t.Fatalf("unexpected state %+v", res.State.Status())
	}
	if h.l1.Count(memory.OpUnlock) != 1 {
		t.Fatalf("expected exactly one unlock, got %d", h.l1.Count(memory.OpUnlock))
	}
	if _, err := h.sender.Abort(context.Background(), res.State, errors.New("again")); !errors.Is(err, session.ErrSessionTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestAbortRefusedAfterBurnIntent(t *testing.T) {
	h := newHarness(t)
	sender, _, prep := h.run(4)
	h.l1.FailNext(memory.OpBurn, bridge.ErrLedgerUnavailable)

	res, err := h.sender.Receive(context.Background(), sender, prep)
	if !bridge.IsTransient(err) {
		t.Fatalf("expected transient burn failure, got %v", err)
	}
	if !res.State.Irreversible() {
		t.Fatal("expected burn intent to be logged")
	}
	if _, err := h.sender.Abort(context.Background(), res.State, errors.New("operator")); !errors.Is(err, session.ErrIrreversible) {
		t.Fatalf("expected irreversible, got %v", err)
	}

	done, err := h.sender.Respond(context.Background(), res.State)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if done.State.Outcome != protocol.OutcomeCommitted {
		t.Fatalf("expected commit after retry, got %+v", done.State.Status())
	}
}

func TestEnvelopeFailuresLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sender, receiver, lock := h.run(3)
	before := h.rStore.count(t, "s1")

	skipped := lock
	skipped.SequenceNumber = 4
	h.sender.Signer.SignMessage(&skipped)
	if _, err := h.receiver.Receive(ctx, receiver, skipped); !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}

	tampered := lock
	tampered.Payload = append([]byte(nil), lock.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0xff
	if _, err := h.receiver.Receive(ctx, receiver, tampered); !errors.Is(err, identity.ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}

	if _, err := h.sender.Receive(ctx, sender, lock); !errors.Is(err, identity.ErrUnknownGateway) {
		t.Fatalf("expected own message to be rejected, got %v", err)
	}
	if h.rStore.count(t, "s1") != before {
		t.Fatal("rejected messages must not be logged")
	}
}

func TestTransientLockFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.initiate()
	opened, err := h.receiver.Open(ctx, *res.Reply, nil)
	commence := reply(t, opened, err)
	h.l1.FailNext(memory.OpLock, bridge.ErrLedgerUnavailable)

	failed, err := h.sender.Receive(ctx, res.State, commence)
	if !bridge.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if next := failed.State.Next(); next.Kind != session.ActionRespond || next.Effect != protocol.EffectLock {
		t.Fatalf("expected pending lock, got %+v", next)
	}

	// A redelivery of the same commence drives the pending reply.
	retried, err := h.sender.Receive(ctx, failed.State, commence)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if retried.Reply == nil || retried.Reply.Type != protocol.MessageLockAssertion {
		t.Fatal("expected lock assertion after retry")
	}
	if b := h.l1.Balance("A1"); b.Locked != 100 {
		t.Fatalf("expected single lock, got %+v", b)
	}
}

func TestPermanentMintFailureAbortsReceiver(t *testing.T) {
	h := newHarness(t)
	_, receiver, lock := h.run(3)
	h.l2.FailNext(memory.OpMint, bridge.ErrInsufficientBalance)

	res, err := h.receiver.Receive(context.Background(), receiver, lock)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.State.Outcome != protocol.OutcomeAborted || res.Reply == nil {
		t.Fatalf("expected abort, got %+v", res.State.Status())
	}
	if h.l2.Count(memory.OpBurn) != 0 {
		t.Fatal("failed mint must not be compensated")
	}
}

func TestCompensationFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	sender, _, _ := h.run(3)
	h.l1.FailNext(memory.OpUnlock, bridge.ErrLedgerUnavailable)

	res, err := h.sender.Abort(context.Background(), sender, errors.New("operator"))
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !errors.Is(res.CompensationErr, ErrCompensationFailed) {
		t.Fatalf("expected compensation failure, got %v", res.CompensationErr)
	}
	if res.State.Outcome != protocol.OutcomeAborted || res.State.Note == "" {
		t.Fatalf("expected aborted session with note, got %+v", res.State.Status())
	}
	if h.l1.Count(memory.OpUnlock) != 1 {
		t.Fatal("compensation must be called exactly once")
	}
}

func TestPersistenceFailures(t *testing.T) {
	t.Run("retried", func(t *testing.T) {
		h := newHarness(t)
		h.sStore.failNext(2, journal.Persistence("append", errors.New("disk busy")))
		res := h.initiate()
		if res.State.SequenceNumber != 1 {
			t.Fatalf("expected proposal logged, got seq %d", res.State.SequenceNumber)
		}
		if h.sStore.attempts != 3 {
			t.Fatalf("expected 3 attempts, got %d", h.sStore.attempts)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		res := h.initiate()
		opened, err := h.receiver.Open(ctx, *res.Reply, nil)
		commence := reply(t, opened, err)
		h.sStore.failNext(-1, journal.Persistence("append", errors.New("disk gone")))

		failed, err := h.sender.Receive(ctx, res.State, commence)
		if !journal.IsPersistence(err) {
			t.Fatalf("expected persistence error, got %v", err)
		}
		if failed.State.SequenceNumber != 1 {
			t.Fatal("failed append must not advance the session")
		}
		if h.l1.Count(memory.OpLock) != 0 {
			t.Fatal("no ledger effect may run without its log entry")
		}
	})

	t.Run("conflict is permanent", func(t *testing.T) {
		h := newHarness(t)
		h.sStore.failNext(-1, journal.ErrSequenceConflict)
		_, err := h.sender.Initiate(context.Background(), Transfer{
			SessionID:             "s1",
			Asset:                 testAsset,
			Destination:           protocol.Destination{LedgerID: "L2", Recipient: "alice"},
			CounterpartyGatewayID: "gw2",
		})
		if !errors.Is(err, journal.ErrSequenceConflict) {
			t.Fatalf("expected sequence conflict, got %v", err)
		}
		if h.sStore.attempts != 1 {
			t.Fatalf("expected no retry, got %d attempts", h.sStore.attempts)
		}
	})
}

func TestInitiateRejectsUnknownAsset(t *testing.T) {
	h := newHarness(t)
	_, err := h.sender.Initiate(context.Background(), Transfer{
		SessionID:             "s1",
		Asset:                 protocol.Asset{LedgerID: "L1", AssetRef: "nope", Amount: 1},
		Destination:           protocol.Destination{LedgerID: "L2", Recipient: "alice"},
		CounterpartyGatewayID: "gw2",
	})
	if !errors.Is(err, bridge.ErrInvalidAssetReference) {
		t.Fatalf("expected invalid asset reference, got %v", err)
	}
	if h.sStore.count(t, "s1") != 0 {
		t.Fatal("rejected initiate must not be logged")
	}
}

func TestOpenRefusedProposalIsLoggedAndAborted(t *testing.T) {
	h := newHarness(t)
	res := h.initiate()

	refused, err := h.receiver.Open(context.Background(), *res.Reply, session.ErrDuplicateSession)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if refused.State.Outcome != protocol.OutcomeAborted || refused.Reply == nil {
		t.Fatalf("expected aborted session, got %+v", refused.State.Status())
	}
	if refused.State.AbortCode != "DUPLICATE_SESSION_CONFLICT" {
		t.Fatalf("unexpected abort code %q", refused.State.AbortCode)
	}

	back, err := h.sender.Receive(context.Background(), res.State, *refused.Reply)
	if err != nil {
		t.Fatalf("sender receives abort: %v", err)
	}
	if back.State.Outcome != protocol.OutcomeAborted || h.l1.Count(memory.OpUnlock) != 0 {
		t.Fatal("sender without a lock aborts without compensation")
	}
}
