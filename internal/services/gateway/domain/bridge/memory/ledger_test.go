package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

var _ bridge.Adapter = (*Ledger)(nil)

func TestLockVerifyUnlock(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger("L1")
	ledger.Deposit("A1", 150)

	proof, err := ledger.Lock(ctx, "s1/2/lock", "A1", 100)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if proof.Kind != protocol.ProofLock || proof.LedgerID != "L1" || len(proof.Claim) == 0 {
		t.Fatalf("unexpected proof %+v", proof)
	}
	if b := ledger.Balance("A1"); b.Free != 50 || b.Locked != 100 {
		t.Fatalf("unexpected balance after lock %+v", b)
	}

	ok, err := ledger.VerifyLock(ctx, proof)
	if err != nil || !ok {
		t.Fatalf("expected lock to verify, got %v %v", ok, err)
	}
	forged := proof
	forged.Amount = 150
	if ok, _ := ledger.VerifyLock(ctx, forged); ok {
		t.Fatal("expected forged amount to fail verification")
	}

	if err := ledger.Unlock(ctx, "s1/3/unlock", "A1"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if b := ledger.Balance("A1"); b.Free != 150 || b.Locked != 0 {
		t.Fatalf("unexpected balance after unlock %+v", b)
	}
	if ok, _ := ledger.VerifyLock(ctx, proof); ok {
		t.Fatal("expected released lock to fail verification")
	}
}

func TestOperationIDsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger("L1")
	ledger.Deposit("A1", 100)

	first, err := ledger.Lock(ctx, "s1/2/lock", "A1", 100)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	again, err := ledger.Lock(ctx, "s1/2/lock", "A1", 100)
	if err != nil {
		t.Fatalf("repeat lock: %v", err)
	}
	if string(first.Claim) != string(again.Claim) {
		t.Fatal("expected repeated operation to return first proof")
	}
	if b := ledger.Balance("A1"); b.Locked != 100 {
		t.Fatalf("expected lock applied once, got %+v", b)
	}
	if ledger.Count(OpLock) != 2 {
		t.Fatalf("expected both calls recorded, got %d", ledger.Count(OpLock))
	}
}

func TestMintAssignBurn(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger("L2")

	if _, err := ledger.Mint(ctx, "s1/3/mint", "A1", 100, "gw2"); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ledger.Assign(ctx, "s1/5/assign", "A1", 60, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := ledger.Burn(ctx, "s1/6/burn", "A1", 40); err != nil {
		t.Fatalf("burn escrow: %v", err)
	}
	b := ledger.Balance("A1")
	if b.Escrow != 0 || b.Burned != 40 || b.Holders["alice"] != 60 {
		t.Fatalf("unexpected balance %+v", b)
	}
	if _, err := ledger.Burn(ctx, "s1/7/burn", "A1", 1); !errors.Is(err, bridge.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger("L1")

	if _, err := ledger.Lock(ctx, "op", "missing", 1); !errors.Is(err, bridge.ErrAssetNotFound) {
		t.Fatalf("expected asset not found, got %v", err)
	}
	if err := ledger.Resolve(ctx, "missing"); !errors.Is(err, bridge.ErrAssetNotFound) {
		t.Fatalf("expected asset not found on resolve, got %v", err)
	}
	ledger.Deposit("A1", 10)
	if _, err := ledger.Lock(ctx, "op", "A1", 11); !errors.Is(err, bridge.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	ledger.FailNext(OpLock, bridge.ErrLedgerUnavailable)
	if _, err := ledger.Lock(ctx, "op2", "A1", 1); !bridge.IsTransient(err) {
		t.Fatalf("expected injected transient error, got %v", err)
	}
	if _, err := ledger.Lock(ctx, "op2", "A1", 1); err != nil {
		t.Fatalf("expected fault to be consumed, got %v", err)
	}
}

func TestOnCallHook(t *testing.T) {
	ledger := NewLedger("L1")
	ledger.Deposit("A1", 1)
	var seen []Operation
	ledger.OnCall(func(c Call) { seen = append(seen, c.Op) })

	if _, err := ledger.Lock(context.Background(), "op", "A1", 1); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if len(seen) != 1 || seen[0] != OpLock {
		t.Fatalf("unexpected hook calls %v", seen)
	}
}

func TestRegistry(t *testing.T) {
	l1 := NewLedger("L1")
	l1.Deposit("A1", 1)
	registry, err := bridge.NewRegistry(l1, NewLedger("L2"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Register(NewLedger("L1")); err == nil {
		t.Fatal("expected duplicate ledger to be rejected")
	}
	if got := registry.Ledgers(); len(got) != 2 || got[0] != "L1" {
		t.Fatalf("unexpected ledgers %v", got)
	}

	ctx := context.Background()
	if err := registry.ResolveAsset(ctx, protocol.Asset{LedgerID: "L1", AssetRef: "A1", Amount: 1}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, asset := range []protocol.Asset{
		{LedgerID: "L9", AssetRef: "A1", Amount: 1},
		{LedgerID: "L1", AssetRef: "nope", Amount: 1},
		{LedgerID: "L1", AssetRef: "A1"},
	} {
		if err := registry.ResolveAsset(ctx, asset); !errors.Is(err, bridge.ErrInvalidAssetReference) {
			t.Fatalf("expected invalid asset reference for %+v, got %v", asset, err)
		}
	}
}

func TestOperationID(t *testing.T) {
	if got := bridge.OperationID("s1", 2, protocol.EffectLock); got != "s1/2/lock" {
		t.Fatalf("unexpected operation id %q", got)
	}
}
