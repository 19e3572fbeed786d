package engine

import (
	"context"
	"fmt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

// Open creates a receiver session from an inbound proposal. Envelope
// failures reject the proposal without logging anything. Once the proposal
// is authentic it is logged, and the session either commences or, when the
// proposal cannot be served or refuse is set, is aborted.
func (e Engine) Open(ctx context.Context, m protocol.Message, refuse error) (Result, error) {
	var empty session.State
	if err := session.Authenticate(empty, m, e.Verifier); err != nil {
		return Result{}, err
	}
	proposal, err := session.CheckOpening(m, e.Signer.GatewayID())
	if err != nil {
		return Result{}, err
	}

	rejection := refuse
	if rejection == nil {
		rejection = e.checkProposal(proposal)
	}
	note := ""
	if rejection != nil {
		note = rejection.Error()
	}
	state, err := e.record(ctx, empty, m, protocol.DirectionInbound, protocol.EffectNone, protocol.OutcomeNone, note)
	if err != nil {
		return Result{State: state}, err
	}
	if rejection != nil {
		return e.abort(ctx, state, rejection, protocol.EffectNone)
	}
	return e.Respond(ctx, state)
}

func (e Engine) checkProposal(proposal protocol.ProposalPayload) error {
	if err := proposal.Asset.Validate(); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidAssetReference, err)
	}
	if err := proposal.Destination.Validate(); err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrInvalidAssetReference, err)
	}
	if _, err := e.adapter(proposal.Asset.LedgerID); err != nil {
		return err
	}
	if _, err := e.adapter(proposal.Destination.LedgerID); err != nil {
		return err
	}
	return nil
}

// Receive applies an inbound message to an existing session.
//
// Validation runs in order: signature and counterparty, duplicate detection,
// sequence number, stage, then payload semantics. A duplicate returns the
// reply logged for it. Envelope failures return an error and leave the
// session unchanged. Payload failures are logged and abort the session.
func (e Engine) Receive(ctx context.Context, state session.State, m protocol.Message) (Result, error) {
	if err := session.Authenticate(state, m, e.Verifier); err != nil {
		return Result{State: state}, err
	}

	hash := m.Hash()
	if state.Seen(hash) {
		if reply, ok := state.Reply(hash); ok {
			return Result{State: state, Reply: &reply, Duplicate: true}, nil
		}
		if next := state.Next(); next.Kind == session.ActionRespond && state.LastInbound.Hash() == hash {
			// The reply was never produced; a redelivery drives it.
			result, err := e.Respond(ctx, state)
			result.Duplicate = true
			return result, err
		}
		return Result{State: state, Duplicate: true}, nil
	}

	if m.Type == protocol.MessageTransferAbort {
		return e.receiveAbort(ctx, state, m)
	}
	if state.Terminal() {
		if state.Role == protocol.RoleSender && state.Outcome == protocol.OutcomeCommitted &&
			m.SequenceNumber == protocol.ReceiptSequence && m.Type == protocol.MessageTransferComplete {
			return Result{State: state}, e.CheckReceipt(state, m)
		}
		return Result{State: state}, fmt.Errorf("%w: %s is %s", session.ErrSessionTerminal, state.SessionID, state.Outcome)
	}
	if state.Aborting() {
		return Result{State: state}, fmt.Errorf("%w: %s is aborting", session.ErrSessionTerminal, state.SessionID)
	}
	if err := session.CheckOrder(state, m); err != nil {
		return Result{State: state}, err
	}

	effect, rejection := e.inspect(ctx, state, m)
	if rejection != nil && bridge.IsTransient(rejection) {
		return Result{State: state}, rejection
	}
	note := ""
	if rejection != nil {
		effect = protocol.EffectNone
		note = rejection.Error()
	}
	next, err := e.record(ctx, state, m, protocol.DirectionInbound, effect, protocol.OutcomeNone, note)
	if err != nil {
		return Result{State: next}, err
	}
	if rejection != nil {
		e.logf("session %s rejected %s: %v", next.SessionID, m.Type, rejection)
		return e.abort(ctx, next, rejection, next.CompensationFor())
	}
	return e.Respond(ctx, next)
}

// inspect runs the payload checks of the message expected next and returns
// the ledger effect the message triggers.
func (e Engine) inspect(ctx context.Context, state session.State, m protocol.Message) (protocol.Effect, error) {
	switch m.Type {
	case protocol.MessageTransferCommence:
		var payload protocol.CommencePayload
		if err := protocol.DecodePayload(m.Payload, &payload); err != nil {
			return protocol.EffectNone, fmt.Errorf("%w: %v", session.ErrInvalidPayload, err)
		}
		if payload.ProposalHash != state.LastOutbound.Hash() {
			return protocol.EffectNone, fmt.Errorf("%w: commence names another proposal", session.ErrInvalidPayload)
		}
		return protocol.EffectLock, nil

	case protocol.MessageLockAssertion:
		proof, err := e.counterpartyProof(state, m, protocol.ProofLock)
		if err != nil {
			return protocol.EffectNone, err
		}
		if !proof.Covers(state.Asset.LedgerID, state.Asset) {
			return protocol.EffectNone, fmt.Errorf("%w: lock proof does not cover %s", identity.ErrInvalidProof, state.Asset.Key())
		}
		adapter, err := e.adapter(state.Asset.LedgerID)
		if err != nil {
			return protocol.EffectNone, err
		}
		locked, err := adapter.VerifyLock(ctx, proof)
		if err != nil {
			return protocol.EffectNone, err
		}
		if !locked {
			return protocol.EffectNone, fmt.Errorf("%w: lock not confirmed by %s", identity.ErrInvalidProof, state.Asset.LedgerID)
		}
		return protocol.EffectMint, nil

	case protocol.MessageCommitPreparation:
		proof, err := e.counterpartyProof(state, m, protocol.ProofMint)
		if err != nil {
			return protocol.EffectNone, err
		}
		if !proof.Covers(state.Destination.LedgerID, state.Asset) {
			return protocol.EffectNone, fmt.Errorf("%w: mint proof does not cover %s on %s", identity.ErrInvalidProof, state.Asset.AssetRef, state.Destination.LedgerID)
		}
		return protocol.EffectBurn, nil

	case protocol.MessageCommitFinalization:
		proof, err := e.counterpartyProof(state, m, protocol.ProofBurn)
		if err != nil {
			return protocol.EffectNone, err
		}
		if !proof.Covers(state.Asset.LedgerID, state.Asset) {
			return protocol.EffectNone, fmt.Errorf("%w: burn proof does not cover %s", identity.ErrInvalidProof, state.Asset.Key())
		}
		return protocol.EffectAssign, nil
	}
	return protocol.EffectNone, fmt.Errorf("%w: %s", session.ErrMessageTypeMismatch, m.Type)
}

func (e Engine) counterpartyProof(state session.State, m protocol.Message, kind protocol.ProofKind) (protocol.Proof, error) {
	proof, err := session.DecodeProof(m)
	if err != nil {
		return protocol.Proof{}, err
	}
	if proof.Kind != kind {
		return protocol.Proof{}, fmt.Errorf("%w: expected %s proof, got %q", identity.ErrInvalidProof, kind, proof.Kind)
	}
	if err := e.Verifier.VerifyProof(proof, state.CounterpartyGatewayID, state.SessionID, m.SequenceNumber); err != nil {
		return protocol.Proof{}, err
	}
	return proof, nil
}

// CheckReceipt verifies the receiver's transfer complete receipt against a
// committed sender session. Receipts are not logged.
func (e Engine) CheckReceipt(state session.State, m protocol.Message) error {
	proof, err := e.counterpartyProof(state, m, protocol.ProofAssign)
	if err != nil {
		return err
	}
	if !proof.Covers(state.Destination.LedgerID, state.Asset) || proof.Recipient != state.Destination.Recipient {
		return fmt.Errorf("%w: receipt does not match destination", identity.ErrInvalidProof)
	}
	return nil
}
