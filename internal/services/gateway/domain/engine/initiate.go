package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

// Transfer describes a transfer requested by an operator.
type Transfer struct {
	SessionID             string
	Asset                 protocol.Asset
	Destination           protocol.Destination
	CounterpartyGatewayID string
}

// Initiate opens a sender session: it resolves the asset against the local
// ledger adapter, logs the signed proposal and returns it for delivery.
func (e Engine) Initiate(ctx context.Context, transfer Transfer) (Result, error) {
	if strings.TrimSpace(transfer.SessionID) == "" {
		return Result{}, errors.New("session id is required")
	}
	counterparty := strings.TrimSpace(transfer.CounterpartyGatewayID)
	if counterparty == "" || counterparty == e.Signer.GatewayID() {
		return Result{}, fmt.Errorf("%w: counterparty %q", identity.ErrUnknownGateway, counterparty)
	}
	if err := transfer.Destination.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", bridge.ErrInvalidAssetReference, err)
	}
	if err := e.Bridges.ResolveAsset(ctx, transfer.Asset); err != nil {
		return Result{}, err
	}

	state := session.State{SessionID: transfer.SessionID, Stage: protocol.StagePreTransfer}
	proposal, err := e.message(state, 1, protocol.StagePreTransfer, protocol.MessageTransferProposal, protocol.ProposalPayload{
		Asset:             transfer.Asset,
		Destination:       transfer.Destination,
		ReceiverGatewayID: counterparty,
	})
	if err != nil {
		return Result{}, err
	}
	next, err := e.record(ctx, session.State{}, proposal, protocol.DirectionOutbound, protocol.EffectNone, protocol.OutcomeNone, "")
	if err != nil {
		return Result{State: next}, err
	}
	return Result{State: next, Reply: &proposal}, nil
}
