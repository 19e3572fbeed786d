// Package memory implements an in-memory ledger adapter used by tests and
// development gateways.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

// Operation names an adapter call.
type Operation string

const (
	OpLock       Operation = "lock"
	OpVerifyLock Operation = "verify_lock"
	OpMint       Operation = "mint"
	OpAssign     Operation = "assign"
	OpUnlock     Operation = "unlock"
	OpBurn       Operation = "burn"
)

// Call records one adapter invocation.
type Call struct {
	Op        Operation
	OpID      string
	AssetRef  string
	Amount    uint64
	Recipient string
}

// Balance is the ledger position of one asset.
type Balance struct {
	Free    uint64
	Locked  uint64
	Escrow  uint64
	Burned  uint64
	Holders map[string]uint64
}

type record struct {
	proof protocol.Proof
}

// Ledger is a thread-safe in-memory ledger. Operations with an already seen
// operation id return their first result without being applied again.
type Ledger struct {
	id string

	mu       sync.Mutex
	balances map[string]*Balance
	ops      map[string]record
	claims   map[string]protocol.Proof
	calls    []Call
	faults   map[Operation][]error
	hook     func(Call)
}

// NewLedger creates an empty ledger with the given id.
func NewLedger(id string) *Ledger {
	return &Ledger{
		id:       id,
		balances: make(map[string]*Balance),
		ops:      make(map[string]record),
		claims:   make(map[string]protocol.Proof),
		faults:   make(map[Operation][]error),
	}
}

// LedgerID implements bridge.Adapter.
func (l *Ledger) LedgerID() string { return l.id }

// Deposit credits free balance to an asset, creating it if needed.
func (l *Ledger) Deposit(assetRef string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance(assetRef).Free += amount
}

// Balance returns a copy of an asset's position.
func (l *Ledger) Balance(assetRef string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[assetRef]
	if !ok {
		return Balance{}
	}
	out := *b
	out.Holders = make(map[string]uint64, len(b.Holders))
	for k, v := range b.Holders {
		out.Holders[k] = v
	}
	return out
}

// FailNext queues err to be returned by the next call of op.
func (l *Ledger) FailNext(op Operation, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], err)
}

// OnCall registers a hook invoked, outside the ledger lock, before each call.
func (l *Ledger) OnCall(hook func(Call)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// Calls returns the recorded invocations.
func (l *Ledger) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Count returns how many times op was invoked.
func (l *Ledger) Count(op Operation) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Resolve implements bridge.Adapter.
func (l *Ledger) Resolve(ctx context.Context, assetRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[assetRef]; !ok {
		return fmt.Errorf("%w: %s on %s", bridge.ErrAssetNotFound, assetRef, l.id)
	}
	return nil
}

// Lock implements bridge.Adapter.
func (l *Ledger) Lock(ctx context.Context, opID, assetRef string, amount uint64) (protocol.Proof, error) {
	return l.apply(ctx, Call{Op: OpLock, OpID: opID, AssetRef: assetRef, Amount: amount}, func(b *Balance) error {
		if b.Free < amount {
			return fmt.Errorf("%w: %s has %d free, need %d", bridge.ErrInsufficientBalance, assetRef, b.Free, amount)
		}
		b.Free -= amount
		b.Locked += amount
		return nil
	}, protocol.ProofLock)
}

// VerifyLock implements bridge.Adapter. A lock proof verifies while the
// claimed lock is still in place.
func (l *Ledger) VerifyLock(ctx context.Context, proof protocol.Proof) (bool, error) {
	if err := l.enter(ctx, Call{Op: OpVerifyLock, AssetRef: proof.AssetRef, Amount: proof.Amount}); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if proof.Kind != protocol.ProofLock || proof.LedgerID != l.id {
		return false, nil
	}
	claimed, ok := l.claims[string(proof.Claim)]
	if !ok || claimed.Kind != protocol.ProofLock {
		return false, nil
	}
	if claimed.AssetRef != proof.AssetRef || claimed.Amount != proof.Amount {
		return false, nil
	}
	b, ok := l.balances[proof.AssetRef]
	return ok && b.Locked >= proof.Amount, nil
}

// Mint implements bridge.Adapter. Minted value is held in escrow until assigned.
func (l *Ledger) Mint(ctx context.Context, opID, assetRef string, amount uint64, recipient string) (protocol.Proof, error) {
	return l.apply(ctx, Call{Op: OpMint, OpID: opID, AssetRef: assetRef, Amount: amount, Recipient: recipient}, func(b *Balance) error {
		b.Escrow += amount
		return nil
	}, protocol.ProofMint)
}

// Assign implements bridge.Adapter.
func (l *Ledger) Assign(ctx context.Context, opID, assetRef string, amount uint64, recipient string) (protocol.Proof, error) {
	return l.apply(ctx, Call{Op: OpAssign, OpID: opID, AssetRef: assetRef, Amount: amount, Recipient: recipient}, func(b *Balance) error {
		if b.Escrow < amount {
			return fmt.Errorf("%w: %s has %d in escrow, need %d", bridge.ErrInsufficientBalance, assetRef, b.Escrow, amount)
		}
		b.Escrow -= amount
		if b.Holders == nil {
			b.Holders = make(map[string]uint64)
		}
		b.Holders[recipient] += amount
		return nil
	}, protocol.ProofAssign)
}

// Unlock implements bridge.Adapter. It releases every locked unit of the
// asset back to free balance.
func (l *Ledger) Unlock(ctx context.Context, opID, assetRef string) error {
	_, err := l.apply(ctx, Call{Op: OpUnlock, OpID: opID, AssetRef: assetRef}, func(b *Balance) error {
		b.Free += b.Locked
		b.Locked = 0
		return nil
	}, "")
	return err
}

// Burn implements bridge.Adapter. Locked value is burned first, then escrow.
func (l *Ledger) Burn(ctx context.Context, opID, assetRef string, amount uint64) (protocol.Proof, error) {
	return l.apply(ctx, Call{Op: OpBurn, OpID: opID, AssetRef: assetRef, Amount: amount}, func(b *Balance) error {
		switch {
		case b.Locked >= amount:
			b.Locked -= amount
		case b.Escrow >= amount:
			b.Escrow -= amount
		default:
			return fmt.Errorf("%w: %s has nothing to burn for %d", bridge.ErrInsufficientBalance, assetRef, amount)
		}
		b.Burned += amount
		return nil
	}, protocol.ProofBurn)
}

func (l *Ledger) enter(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	hook := l.hook
	var fault error
	if queued := l.faults[call.Op]; len(queued) > 0 {
		fault = queued[0]
		l.faults[call.Op] = queued[1:]
	}
	l.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return fault
}

func (l *Ledger) apply(ctx context.Context, call Call, mutate func(*Balance) error, kind protocol.ProofKind) (protocol.Proof, error) {
	if err := l.enter(ctx, call); err != nil {
		return protocol.Proof{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if call.OpID != "" {
		if prior, ok := l.ops[call.OpID]; ok {
			return prior.proof, nil
		}
	}
	b, ok := l.balances[call.AssetRef]
	if !ok && call.Op != OpMint {
		return protocol.Proof{}, fmt.Errorf("%w: %s on %s", bridge.ErrAssetNotFound, call.AssetRef, l.id)
	}
	if !ok {
		b = l.balance(call.AssetRef)
	}
	if err := mutate(b); err != nil {
		return protocol.Proof{}, err
	}

	proof := protocol.Proof{
		Kind:      kind,
		LedgerID:  l.id,
		AssetRef:  call.AssetRef,
		Amount:    call.Amount,
		Recipient: call.Recipient,
	}
	if kind != "" {
		proof.Claim = claim(l.id, call)
		l.claims[string(proof.Claim)] = proof
	}
	if call.OpID != "" {
		l.ops[call.OpID] = record{proof: proof}
	}
	return proof, nil
}

func (l *Ledger) balance(assetRef string) *Balance {
	b, ok := l.balances[assetRef]
	if !ok {
		b = &Balance{}
		l.balances[assetRef] = b
	}
	return b
}

func claim(ledgerID string, call Call) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%s", ledgerID, call.Op, call.OpID, call.AssetRef, call.Amount, call.Recipient)))
	return sum[:]
}
