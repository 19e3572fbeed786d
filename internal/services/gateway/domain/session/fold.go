package session

import (
	"fmt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

// Fold applies one log entry to session state and returns the new state. The
// input state is not modified. Fold never touches a ledger or the network:
// folding the same entries always yields the same state.
func Fold(state State, entry journal.Entry) (State, error) {
	if state.Terminal() {
		return state, fmt.Errorf("%w: session %s closed at seq %d", ErrCorruptLog, state.SessionID, state.SequenceNumber)
	}
	if entry.SequenceNumber != state.SequenceNumber+1 {
		return state, fmt.Errorf("%w: session %s expected seq %d got %d", ErrSequenceGap, entry.SessionID, state.SequenceNumber+1, entry.SequenceNumber)
	}
	if state.Exists() && entry.SessionID != state.SessionID {
		return state, fmt.Errorf("%w: entry for %s folded into %s", ErrCorruptLog, entry.SessionID, state.SessionID)
	}

	next := state.clone()
	var err error
	switch entry.Direction {
	case protocol.DirectionInbound, protocol.DirectionOutbound:
		next, err = foldMessage(next, entry)
	case protocol.DirectionLocal:
		next, err = foldLocal(next, entry)
	default:
		err = fmt.Errorf("%w: unknown direction %q", ErrCorruptLog, entry.Direction)
	}
	if err != nil {
		return state, err
	}

	next.SequenceNumber = entry.SequenceNumber
	next.LastDirection = entry.Direction
	next.LastType = entry.MessageType
	next.LastEffect = entry.Effect
	next.LastActivity = entry.Timestamp
	if next.CreatedAt.IsZero() {
		next.CreatedAt = entry.Timestamp
	}
	if entry.Note != "" {
		next.Note = entry.Note
	}
	switch entry.Outcome {
	case protocol.OutcomeCommitted:
		next.Outcome = protocol.OutcomeCommitted
		next.Stage = protocol.StageCommitted
	case protocol.OutcomeAborted:
		next.Outcome = protocol.OutcomeAborted
		next.Stage = protocol.StageAborted
	}
	return next, nil
}

func foldMessage(state State, entry journal.Entry) (State, error) {
	msg, err := entry.DecodeMessage()
	if err != nil {
		return state, fmt.Errorf("%w: seq %d: %v", ErrCorruptLog, entry.SequenceNumber, err)
	}
	if msg.SessionID != entry.SessionID || msg.Type != entry.MessageType {
		return state, fmt.Errorf("%w: seq %d body does not match entry", ErrCorruptLog, entry.SequenceNumber)
	}
	if msg.Hash() != entry.PayloadHash {
		return state, fmt.Errorf("%w: seq %d payload hash mismatch", ErrCorruptLog, entry.SequenceNumber)
	}

	if !state.Exists() {
		state, err = open(state, entry, msg)
		if err != nil {
			return state, err
		}
	}

	if msg.Type == protocol.MessageTransferAbort {
		var payload protocol.AbortPayload
		if err := protocol.DecodePayload(msg.Payload, &payload); err != nil {
			return state, fmt.Errorf("%w: seq %d abort payload: %v", ErrCorruptLog, entry.SequenceNumber, err)
		}
		state.AbortCode = payload.Code
		state.AbortReason = payload.Reason
		state.Compensation = entry.Effect
	} else {
		if msg.SequenceNumber != entry.SequenceNumber ||
			msg.Type != protocol.MessageTypeAt(msg.SequenceNumber) ||
			msg.Stage != protocol.StageAt(msg.SequenceNumber) {
			return state, fmt.Errorf("%w: seq %d carries %s at %s", ErrCorruptLog, entry.SequenceNumber, msg.Type, msg.Stage)
		}
		if msg.SequenceNumber < protocol.ReceiptSequence {
			state.Stage = protocol.StageAt(msg.SequenceNumber + 1)
		}
		if entry.Direction == protocol.DirectionInbound {
			switch entry.Effect {
			case protocol.EffectLock:
				state.Locked = true
			case protocol.EffectMint:
				state.Minted = true
			case protocol.EffectBurn:
				state.Burned = true
			case protocol.EffectAssign:
				state.Finalized = true
			}
		}
	}

	switch entry.Direction {
	case protocol.DirectionInbound:
		state.Received[msg.Hash()] = entry.SequenceNumber
		state.LastInbound = msg
	case protocol.DirectionOutbound:
		if state.LastDirection == protocol.DirectionInbound {
			state.Replies[state.LastInbound.Hash()] = msg
		}
		state.LastOutbound = msg
	}
	return state, nil
}

// open initializes a session from the proposal that creates it. An outbound
// proposal makes this gateway the sender, an inbound one the receiver.
func open(state State, entry journal.Entry, msg protocol.Message) (State, error) {
	if entry.SequenceNumber != 1 || msg.Type != protocol.MessageTransferProposal {
		return state, fmt.Errorf("%w: session %s does not start with a proposal", ErrCorruptLog, entry.SessionID)
	}
	proposal, err := DecodeProposal(msg)
	if err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	state.SessionID = msg.SessionID
	state.Asset = proposal.Asset
	state.Destination = proposal.Destination
	state.Stage = protocol.StagePreTransfer
	if entry.Direction == protocol.DirectionOutbound {
		state.Role = protocol.RoleSender
		state.LocalGatewayID = msg.SenderGatewayID
		state.CounterpartyGatewayID = proposal.ReceiverGatewayID
	} else {
		state.Role = protocol.RoleReceiver
		state.LocalGatewayID = proposal.ReceiverGatewayID
		state.CounterpartyGatewayID = msg.SenderGatewayID
	}
	return state, nil
}

func foldLocal(state State, entry journal.Entry) (State, error) {
	if !state.Exists() {
		return state, fmt.Errorf("%w: session %s starts with a local record", ErrCorruptLog, entry.SessionID)
	}
	if entry.MessageType != protocol.MessageCompensation {
		return state, fmt.Errorf("%w: unknown local record %s", ErrCorruptLog, entry.MessageType)
	}
	var payload protocol.CompensationPayload
	if err := protocol.DecodePayload(entry.Body, &payload); err != nil {
		return state, fmt.Errorf("%w: seq %d compensation: %v", ErrCorruptLog, entry.SequenceNumber, err)
	}
	state.Compensation = protocol.EffectNone
	state.Compensated = true
	return state, nil
}
