package session

import (
	"fmt"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

// Verifier checks message signatures against known gateway keys.
type Verifier interface {
	VerifyMessage(m protocol.Message) error
}

// Authenticate checks that m is well formed, correctly signed and sent by the
// session's counterparty.
func Authenticate(state State, m protocol.Message, verifier Verifier) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := verifier.VerifyMessage(m); err != nil {
		return err
	}
	if state.Exists() {
		if m.SessionID != state.SessionID {
			return fmt.Errorf("%w: message for %s sent to %s", ErrUnknownSession, m.SessionID, state.SessionID)
		}
		if m.SenderGatewayID != state.CounterpartyGatewayID {
			return fmt.Errorf("%w: %s is not the counterparty of %s", identity.ErrUnknownGateway, m.SenderGatewayID, state.SessionID)
		}
	}
	return nil
}

// CheckOrder checks that m is the next protocol message of the session: it
// carries the next sequence number, the current stage, the message type
// expected at that position, and comes from the side that sends it.
func CheckOrder(state State, m protocol.Message) error {
	want := state.SequenceNumber + 1
	if m.SequenceNumber != want {
		return fmt.Errorf("%w: session %s expected seq %d got %d", ErrOutOfOrder, state.SessionID, want, m.SequenceNumber)
	}
	if m.Stage != state.Stage {
		return fmt.Errorf("%w: session %s is at %s, message declares %s", ErrStageMismatch, state.SessionID, state.Stage, m.Stage)
	}
	if m.Type != protocol.MessageTypeAt(m.SequenceNumber) {
		return fmt.Errorf("%w: expected %s at seq %d, got %s", ErrMessageTypeMismatch, protocol.MessageTypeAt(m.SequenceNumber), m.SequenceNumber, m.Type)
	}
	if protocol.SenderAt(m.SequenceNumber) != state.Role.Counterparty() {
		return fmt.Errorf("%w: seq %d is not sent by the %s", ErrMessageTypeMismatch, m.SequenceNumber, state.Role.Counterparty())
	}
	return nil
}

// CheckOpening checks that m can open a receiver session for localGatewayID.
func CheckOpening(m protocol.Message, localGatewayID string) (protocol.ProposalPayload, error) {
	if m.SequenceNumber != 1 {
		return protocol.ProposalPayload{}, fmt.Errorf("%w: session %s is unknown and seq %d does not open one", ErrUnknownSession, m.SessionID, m.SequenceNumber)
	}
	if m.Type != protocol.MessageTransferProposal {
		return protocol.ProposalPayload{}, fmt.Errorf("%w: expected %s at seq 1, got %s", ErrMessageTypeMismatch, protocol.MessageTransferProposal, m.Type)
	}
	if m.Stage != protocol.StagePreTransfer {
		return protocol.ProposalPayload{}, fmt.Errorf("%w: proposal declares %s", ErrStageMismatch, m.Stage)
	}
	proposal, err := DecodeProposal(m)
	if err != nil {
		return protocol.ProposalPayload{}, err
	}
	if proposal.ReceiverGatewayID != localGatewayID {
		return protocol.ProposalPayload{}, fmt.Errorf("%w: proposal addressed to %q", identity.ErrUnknownGateway, proposal.ReceiverGatewayID)
	}
	return proposal, nil
}

// DecodeProposal decodes the payload of a transfer proposal.
func DecodeProposal(m protocol.Message) (protocol.ProposalPayload, error) {
	var payload protocol.ProposalPayload
	if err := protocol.DecodePayload(m.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: proposal: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

// DecodeProof decodes the proof carried by m.
func DecodeProof(m protocol.Message) (protocol.Proof, error) {
	var payload protocol.ProofPayload
	if err := protocol.DecodePayload(m.Payload, &payload); err != nil {
		return protocol.Proof{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	return payload.Proof, nil
}
