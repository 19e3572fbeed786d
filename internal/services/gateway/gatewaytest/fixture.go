// Package gatewaytest builds gateways that share ledgers and a peer
// directory, for tests that drive both sides of a transfer.
package gatewaytest

import (
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge/memory"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

// Asset is the asset deposited on L1 by New.
var Asset = protocol.Asset{LedgerID: "L1", AssetRef: "A1", Amount: 100}

// Destination is where Asset goes in tests.
var Destination = protocol.Destination{LedgerID: "L2", Recipient: "alice"}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Fixture holds two registered gateways, gw1 and gw2, and two ledgers.
type Fixture struct {
	Directory *identity.Directory
	Signers   map[string]*identity.Signer
	L1, L2    *memory.Ledger
	Clock     *Clock
}

// New creates gw1 and gw2 and deposits Asset on L1.
func New(t *testing.T) *Fixture {
	t.Helper()
	f := &Fixture{
		Directory: identity.NewDirectory(),
		Signers:   map[string]*identity.Signer{},
		L1:        memory.NewLedger("L1"),
		L2:        memory.NewLedger("L2"),
		Clock:     NewClock(),
	}
	f.L1.Deposit(Asset.AssetRef, Asset.Amount)
	for _, id := range []string{"gw1", "gw2"} {
		keys, err := identity.GenerateKeyPair(id, nil)
		if err != nil {
			t.Fatalf("generate keys: %v", err)
		}
		signer, err := identity.NewSigner(keys)
		if err != nil {
			t.Fatalf("signer: %v", err)
		}
		if err := f.Directory.Register(id, keys.PublicKey); err != nil {
			t.Fatalf("register: %v", err)
		}
		f.Signers[id] = signer
	}
	return f
}

// Engine returns an engine for gatewayID over store. Each engine gets its
// own registry of the shared ledgers.
func (f *Fixture) Engine(t *testing.T, gatewayID string, store journal.Store) engine.Engine {
	t.Helper()
	bridges, err := bridge.NewRegistry(f.L1, f.L2)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return engine.Engine{
		Store:    store,
		Signer:   f.Signers[gatewayID],
		Verifier: f.Directory,
		Bridges:  bridges,
		Retry:    engine.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Now:      f.Clock.Now,
		Logf:     func(string, ...any) {},
	}
}

// Transfer is a transfer of Asset from gw1 to gw2.
func Transfer(sessionID string) engine.Transfer {
	return engine.Transfer{
		SessionID:             sessionID,
		Asset:                 Asset,
		Destination:           Destination,
		CounterpartyGatewayID: "gw2",
	}
}
