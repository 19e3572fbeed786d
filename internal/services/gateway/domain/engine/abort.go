package engine

import (
	"context"
	"fmt"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/bridge"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
)

// Abort aborts a live session on behalf of the operator or a timeout. It is
// refused once the session is past its point of no return.
func (e Engine) Abort(ctx context.Context, state session.State, cause error) (Result, error) {
	if err := state.CanAbort(); err != nil {
		return Result{State: state}, fmt.Errorf("abort %s: %w", state.SessionID, err)
	}
	return e.abort(ctx, state, cause, state.CompensationFor())
}

// abort logs a signed abort for the counterparty. With a compensation the
// abort entry records the intent, the compensation runs, and a local record
// closes the session; otherwise the abort entry closes it.
func (e Engine) abort(ctx context.Context, state session.State, cause error, compensation protocol.Effect) (Result, error) {
	code := apperrors.CodeOf(cause)
	payload := protocol.AbortPayload{Code: string(code), Reason: cause.Error()}
	msg, err := e.message(state, state.SequenceNumber+1, state.Stage, protocol.MessageTransferAbort, payload)
	if err != nil {
		return Result{State: state}, err
	}
	outcome := protocol.OutcomeAborted
	if compensation != protocol.EffectNone {
		outcome = protocol.OutcomeNone
	}
	next, err := e.record(ctx, state, msg, protocol.DirectionOutbound, compensation, outcome, "")
	if err != nil {
		return Result{State: next}, err
	}
	e.logf("session %s aborted at %s: %s", next.SessionID, state.Stage, payload.Reason)
	if compensation == protocol.EffectNone {
		return Result{State: next, Reply: &msg}, nil
	}
	result, err := e.Compensate(ctx, next)
	result.Reply = &msg
	return result, err
}

// receiveAbort applies an abort sent by the counterparty. Aborts skip the
// stage check but must not be older than the local position.
func (e Engine) receiveAbort(ctx context.Context, state session.State, m protocol.Message) (Result, error) {
	switch {
	case state.Outcome == protocol.OutcomeAborted || state.Aborting():
		return Result{State: state, Duplicate: true}, nil
	case state.Terminal():
		return Result{State: state}, fmt.Errorf("abort %s: %w", state.SessionID, session.ErrIrreversible)
	case m.SequenceNumber < state.SequenceNumber:
		return Result{State: state}, fmt.Errorf("%w: abort at seq %d behind local seq %d", session.ErrOutOfOrder, m.SequenceNumber, state.SequenceNumber)
	case state.Irreversible():
		return Result{State: state}, fmt.Errorf("abort %s: %w", state.SessionID, session.ErrIrreversible)
	}
	var payload protocol.AbortPayload
	if err := protocol.DecodePayload(m.Payload, &payload); err != nil {
		return Result{State: state}, fmt.Errorf("%w: abort: %v", session.ErrInvalidPayload, err)
	}

	compensation := state.CompensationFor()
	outcome := protocol.OutcomeAborted
	if compensation != protocol.EffectNone {
		outcome = protocol.OutcomeNone
	}
	next, err := e.record(ctx, state, m, protocol.DirectionInbound, compensation, outcome, "")
	if err != nil {
		return Result{State: next}, err
	}
	e.logf("session %s aborted by %s: %s %s", next.SessionID, m.SenderGatewayID, payload.Code, payload.Reason)
	if compensation == protocol.EffectNone {
		return Result{State: next}, nil
	}
	return e.Compensate(ctx, next)
}

// Compensate runs the compensation logged with an abort exactly once per
// call and closes the session with a local record of the result. A failed
// compensation still closes the session; the failure is kept in the record
// for operator intervention.
func (e Engine) Compensate(ctx context.Context, state session.State) (Result, error) {
	action := state.Next()
	if action.Kind != session.ActionCompensate {
		return Result{State: state}, fmt.Errorf("%w: %s wants %s", ErrNoPendingAction, state.SessionID, action.Kind)
	}
	opID := bridge.OperationID(state.SessionID, action.Seq, action.Effect)

	var callErr error
	switch action.Effect {
	case protocol.EffectUnlock:
		adapter, err := e.adapter(state.Asset.LedgerID)
		if err == nil {
			err = adapter.Unlock(ctx, opID, state.Asset.AssetRef)
		}
		callErr = err
	case protocol.EffectBurn:
		adapter, err := e.adapter(state.Destination.LedgerID)
		if err == nil {
			_, err = adapter.Burn(ctx, opID, state.Asset.AssetRef, state.Asset.Amount)
		}
		callErr = err
	default:
		callErr = fmt.Errorf("unknown compensation %q", action.Effect)
	}

	record := protocol.CompensationPayload{Effect: action.Effect}
	note := ""
	if callErr != nil {
		callErr = apperrors.Wrap(apperrors.CodeCompensationFailed, fmt.Sprintf("%s %s", state.SessionID, action.Effect), callErr)
		record.Error = callErr.Error()
		note = callErr.Error()
		e.logf("session %s compensation failed, operator action required: %v", state.SessionID, callErr)
	}
	body, err := protocol.EncodePayload(record)
	if err != nil {
		return Result{State: state}, err
	}
	next, err := e.commit(ctx, state, journalEntry(state, body, e.now(), note))
	if err != nil {
		return Result{State: next}, err
	}
	return Result{State: next, CompensationErr: callErr}, nil
}
