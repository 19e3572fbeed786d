package session

import "github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"

// ActionKind is the kind of work a live session is waiting on.
type ActionKind int

const (
	// ActionNone means the session needs nothing: it is terminal or empty.
	ActionNone ActionKind = iota
	// ActionRespond means an inbound message was logged but its effect and
	// reply were not: apply the logged effect, then log and send the reply.
	ActionRespond
	// ActionCompensate means an abort was logged with a compensation intent
	// whose result was not recorded yet.
	ActionCompensate
	// ActionAwait means the last logged message is outbound and the session
	// waits for the counterparty.
	ActionAwait
)

// String returns a label used in logs.
func (k ActionKind) String() string {
	switch k {
	case ActionRespond:
		return "respond"
	case ActionCompensate:
		return "compensate"
	case ActionAwait:
		return "await"
	default:
		return "none"
	}
}

// Action is the pending work of a session, derived from its log alone.
type Action struct {
	Kind ActionKind
	// Effect is the ledger effect to run: the logged intent for
	// ActionRespond, the compensation for ActionCompensate.
	Effect protocol.Effect
	// Seq is the sequence number of the entry that logged the effect.
	Seq uint64
}

// Next returns the action that moves s forward.
func (s State) Next() Action {
	switch {
	case !s.Exists() || s.Terminal():
		return Action{Kind: ActionNone}
	case s.Compensation != protocol.EffectNone:
		return Action{Kind: ActionCompensate, Effect: s.Compensation, Seq: s.SequenceNumber}
	case s.LastDirection == protocol.DirectionInbound:
		return Action{Kind: ActionRespond, Effect: s.LastEffect, Seq: s.SequenceNumber}
	case s.LastDirection == protocol.DirectionOutbound:
		return Action{Kind: ActionAwait, Seq: s.SequenceNumber}
	}
	return Action{Kind: ActionNone}
}

// InDoubt reports whether a timeout must not abort s. A receiver that sent
// its commit preparation cannot tell whether the sender already burned, so
// it keeps waiting for the finalization.
func (s State) InDoubt() bool {
	return s.Role == protocol.RoleReceiver &&
		s.Minted &&
		s.LastDirection == protocol.DirectionOutbound &&
		s.LastType == protocol.MessageCommitPreparation
}
