package engine

import (
	"context"
	"fmt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
)

// Respond completes a session whose last entry is an accepted inbound
// message: it runs the ledger effect logged with that message, then logs and
// returns the reply. It is safe to call again after a crash or a transient
// failure because adapters deduplicate by operation id.
func (e Engine) Respond(ctx context.Context, state session.State) (Result, error) {
	action := state.Next()
	if action.Kind != session.ActionRespond {
		return Result{State: state}, fmt.Errorf("%w: %s wants %s", ErrNoPendingAction, state.SessionID, action.Kind)
	}
	inbound := state.LastInbound
	seq := state.SequenceNumber + 1
	opID := bridge.OperationID(state.SessionID, action.Seq, action.Effect)

	var (
		msgType protocol.MessageType
		payload any
		outcome = protocol.OutcomeNone
		effect  func() (protocol.Proof, error)
	)
	switch inbound.Type {
	case protocol.MessageTransferProposal:
		msgType = protocol.MessageTransferCommence
		payload = protocol.CommencePayload{ProposalHash: inbound.Hash()}
	case protocol.MessageTransferCommence:
		msgType = protocol.MessageLockAssertion
		effect = func() (protocol.Proof, error) {
			adapter, err := e.adapter(state.Asset.LedgerID)
			if err != nil {
				return protocol.Proof{}, err
			}
			return adapter.Lock(ctx, opID, state.Asset.AssetRef, state.Asset.Amount)
		}
	case protocol.MessageLockAssertion:
		msgType = protocol.MessageCommitPreparation
		effect = func() (protocol.Proof, error) {
			adapter, err := e.adapter(state.Destination.LedgerID)
			if err != nil {
				return protocol.Proof{}, err
			}
			return adapter.Mint(ctx, opID, state.Asset.AssetRef, state.Asset.Amount, state.Destination.Recipient)
		}
	case protocol.MessageCommitPreparation:
		msgType = protocol.MessageCommitFinalization
		outcome = protocol.OutcomeCommitted
		effect = func() (protocol.Proof, error) {
			adapter, err := e.adapter(state.Asset.LedgerID)
			if err != nil {
				return protocol.Proof{}, err
			}
			return adapter.Burn(ctx, opID, state.Asset.AssetRef, state.Asset.Amount)
		}
	case protocol.MessageCommitFinalization:
		msgType = protocol.MessageTransferComplete
		outcome = protocol.OutcomeCommitted
		effect = func() (protocol.Proof, error) {
			adapter, err := e.adapter(state.Destination.LedgerID)
			if err != nil {
				return protocol.Proof{}, err
			}
			return adapter.Assign(ctx, opID, state.Asset.AssetRef, state.Asset.Amount, state.Destination.Recipient)
		}
	default:
		return Result{State: state}, fmt.Errorf("%w: no reply to %s", ErrNoPendingAction, inbound.Type)
	}

	if effect != nil {
		proof, err := effect()
		if err != nil {
			return e.effectFailed(ctx, state, action.Effect, err)
		}
		e.Signer.SignProof(&proof, state.SessionID, seq)
		payload = protocol.ProofPayload{Proof: proof}
	}

	reply, err := e.message(state, seq, protocol.StageAt(seq), msgType, payload)
	if err != nil {
		return Result{State: state}, err
	}
	next, err := e.record(ctx, state, reply, protocol.DirectionOutbound, protocol.EffectNone, outcome, "")
	if err != nil {
		return Result{State: next}, err
	}
	return Result{State: next, Reply: &reply}, nil
}

// effectFailed decides what a failed forward effect means for the session.
// Transient failures leave the session waiting for a retry. Permanent
// failures abort it, except after finalization, which can only go forward.
func (e Engine) effectFailed(ctx context.Context, state session.State, effect protocol.Effect, err error) (Result, error) {
	err = fmt.Errorf("%s %s: %w", state.SessionID, effect, err)
	if retryable(err) {
		return Result{State: state}, err
	}
	switch effect {
	case protocol.EffectAssign:
		e.logf("session %s committed but assignment keeps failing: %v", state.SessionID, err)
		return Result{State: state}, err
	case protocol.EffectBurn:
		// The burn never happened, so the lock is still in place.
		return e.abort(ctx, state, err, protocol.EffectUnlock)
	default:
		// A failed lock or mint left nothing to reverse.
		return e.abort(ctx, state, err, protocol.EffectNone)
	}
}
