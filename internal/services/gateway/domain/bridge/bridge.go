// Package bridge defines the ledger capability consumed by the gateway and a
// registry that selects an adapter by ledger id.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

var (
	// ErrLedgerUnavailable is a transient ledger failure; the call may be retried.
	ErrLedgerUnavailable = apperrors.New(apperrors.CodeLedgerUnavailable, "ledger unavailable")
	// ErrAssetNotFound is returned when the ledger does not know the asset.
	ErrAssetNotFound = apperrors.New(apperrors.CodeAssetNotFound, "asset not found")
	// ErrInsufficientBalance is returned when the asset cannot cover the amount.
	ErrInsufficientBalance = apperrors.New(apperrors.CodeInsufficientBalance, "insufficient balance")
	// ErrInvalidAssetReference is returned when no adapter serves a ledger.
	ErrInvalidAssetReference = apperrors.New(apperrors.CodeInvalidAssetReference, "invalid asset reference")
)

// Adapter is the capability a ledger connector offers to the gateway. The
// opID argument identifies the operation within a session so that a call
// re-issued after a crash is applied once by the ledger. Returned proofs are
// unsigned ledger claims; the gateway binds and signs them.
type Adapter interface {
	// LedgerID returns the ledger this adapter serves.
	LedgerID() string
	// Resolve reports whether assetRef exists on the ledger.
	Resolve(ctx context.Context, assetRef string) error
	Lock(ctx context.Context, opID, assetRef string, amount uint64) (protocol.Proof, error)
	VerifyLock(ctx context.Context, proof protocol.Proof) (bool, error)
	Mint(ctx context.Context, opID, assetRef string, amount uint64, recipient string) (protocol.Proof, error)
	Assign(ctx context.Context, opID, assetRef string, amount uint64, recipient string) (protocol.Proof, error)
	Unlock(ctx context.Context, opID, assetRef string) error
	Burn(ctx context.Context, opID, assetRef string, amount uint64) (protocol.Proof, error)
}

// IsTransient reports whether a ledger error may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// OperationID formats the idempotency key passed to adapters.
func OperationID(sessionID string, seq uint64, effect protocol.Effect) string {
	return fmt.Sprintf("%s/%d/%s", sessionID, seq, strings.ToLower(string(effect)))
}

// Registry maps ledger ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, adapter := range adapters {
		if err := r.Register(adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Registering two adapters for one ledger fails.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is required")
	}
	ledgerID := strings.TrimSpace(adapter.LedgerID())
	if ledgerID == "" {
		return errors.New("adapter ledger id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ledgerID]; exists {
		return fmt.Errorf("adapter for ledger %s already registered", ledgerID)
	}
	r.adapters[ledgerID] = adapter
	return nil
}

// Get returns the adapter serving ledgerID.
func (r *Registry) Get(ledgerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ledgerID]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for ledger %q", ErrInvalidAssetReference, ledgerID)
	}
	return adapter, nil
}

// Ledgers lists registered ledger ids in sorted order.
func (r *Registry) Ledgers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveAsset checks that the asset's ledger is served and the asset exists.
func (r *Registry) ResolveAsset(ctx context.Context, asset protocol.Asset) error {
	if err := asset.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAssetReference, err)
	}
	adapter, err := r.Get(asset.LedgerID)
	if err != nil {
		return err
	}
	if err := adapter.Resolve(ctx, asset.AssetRef); err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return fmt.Errorf("%w: %w", ErrInvalidAssetReference, err)
		}
		return err
	}
	return nil
}
