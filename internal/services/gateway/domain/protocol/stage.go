// Package protocol defines the SATP wire vocabulary shared by both gateways:
// stages, message types, messages, proofs and their canonical encoding.
package protocol

// Stage is a protocol stage of a transfer session.
type Stage string

const (
	StagePreTransfer            Stage = "PRE_TRANSFER"
	StageTransferInitialization Stage = "TRANSFER_INITIALIZATION"
	StageLockAssertion          Stage = "LOCK_ASSERTION"
	StageCommitPreparation      Stage = "COMMIT_PREPARATION"
	StageCommitFinalization     Stage = "COMMIT_FINALIZATION"
	StageCommitted              Stage = "COMMITTED"
	StageAborted                Stage = "ABORTED"
)

var stageRank = map[Stage]int{
	StagePreTransfer:            1,
	StageTransferInitialization: 2,
	StageLockAssertion:          3,
	StageCommitPreparation:      4,
	StageCommitFinalization:     5,
	StageCommitted:              6,
	StageAborted:                6,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether s is Committed or Aborted.
func (s Stage) Terminal() bool {
	return s == StageCommitted || s == StageAborted
}

// AtOrAfter reports whether s is at or past other in the stage order.
// Terminal stages are past every live stage.
func (s Stage) AtOrAfter(other Stage) bool {
	return stageRank[s] >= stageRank[other]
}

// Role is the side of a transfer a gateway plays.
type Role string

const (
	RoleSender   Role = "SENDER"
	RoleReceiver Role = "RECEIVER"
)

// Counterparty returns the opposite role.
func (r Role) Counterparty() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// MessageType identifies the kind of a protocol message.
type MessageType string

const (
	MessageTransferProposal   MessageType = "TRANSFER_PROPOSAL"
	MessageTransferCommence   MessageType = "TRANSFER_COMMENCE"
	MessageLockAssertion      MessageType = "LOCK_ASSERTION"
	MessageCommitPreparation  MessageType = "COMMIT_PREPARATION"
	MessageCommitFinalization MessageType = "COMMIT_FINALIZATION"
	MessageTransferComplete   MessageType = "TRANSFER_COMPLETE"
	MessageTransferAbort      MessageType = "TRANSFER_ABORT"

	// MessageCompensation is a local-only log record of a compensation
	// result. It never crosses the wire.
	MessageCompensation MessageType = "COMPENSATION"
)

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCommitted Outcome = "COMMITTED"
	OutcomeAborted   Outcome = "ABORTED"
	// OutcomeCrashed marks a session found live during recovery before it is
	// resolved to Aborted or resumed. It is never logged.
	OutcomeCrashed Outcome = "CRASHED"
)

// Effect is a ledger operation recorded as intent in the log before it runs.
type Effect string

const (
	EffectNone   Effect = ""
	EffectLock   Effect = "LOCK"
	EffectMint   Effect = "MINT"
	EffectBurn   Effect = "BURN"
	EffectAssign Effect = "ASSIGN"
	EffectUnlock Effect = "UNLOCK"
)

// Direction tells whether a log entry records a received message, a sent
// message, or a local record.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
	DirectionLocal    Direction = "LOCAL"
)

const (
	// FinalizationSequence is the sequence number of the sender's
	// finalization message; the sender commits when it logs it.
	FinalizationSequence uint64 = 5
	// ReceiptSequence is the sequence number of the receiver's transfer
	// complete receipt; the receiver commits when it logs it.
	ReceiptSequence uint64 = 6
)

type step struct {
	stage   Stage
	msgType MessageType
	from    Role
}

var steps = map[uint64]step{
	1: {StagePreTransfer, MessageTransferProposal, RoleSender},
	2: {StageTransferInitialization, MessageTransferCommence, RoleReceiver},
	3: {StageLockAssertion, MessageLockAssertion, RoleSender},
	4: {StageCommitPreparation, MessageCommitPreparation, RoleReceiver},
	5: {StageCommitFinalization, MessageCommitFinalization, RoleSender},
	6: {StageCommitFinalization, MessageTransferComplete, RoleReceiver},
}

// StageAt returns the stage carried by the sequenced message seq, or the
// empty stage when seq is outside the protocol.
func StageAt(seq uint64) Stage {
	return steps[seq].stage
}

// MessageTypeAt returns the message type expected at seq.
func MessageTypeAt(seq uint64) MessageType {
	return steps[seq].msgType
}

// SenderAt returns the role that emits the sequenced message seq.
func SenderAt(seq uint64) Role {
	return steps[seq].from
}
