package session

import (
	"time"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

// State is the replayed context of one transfer session.
type State struct {
	// SessionID is the identifier generated by the sending gateway.
	SessionID string
	// Role is the side of the transfer this gateway plays.
	Role protocol.Role
	// LocalGatewayID is the id this gateway signs with in the session.
	LocalGatewayID string
	// CounterpartyGatewayID is the only gateway allowed to send messages into
	// the session.
	CounterpartyGatewayID string
	// Asset is the value moved from the source ledger.
	Asset protocol.Asset
	// Destination names the receiving ledger and recipient.
	Destination protocol.Destination

	// Stage is the protocol stage the session is in. It only moves forward.
	Stage protocol.Stage
	// SequenceNumber is the sequence number of the last logged entry.
	SequenceNumber uint64
	// Outcome is set once by the entry that closes the session.
	Outcome protocol.Outcome

	// Received maps hashes of processed inbound messages to the local
	// sequence number they were logged at.
	Received map[string]uint64
	// Replies maps inbound message hashes to the outbound message logged in
	// response.
	Replies map[string]protocol.Message

	// LastInbound and LastOutbound are the most recent messages logged in
	// each direction.
	LastInbound  protocol.Message
	LastOutbound protocol.Message
	// LastDirection, LastType and LastEffect describe the last logged entry.
	LastDirection protocol.Direction
	LastType      protocol.MessageType
	LastEffect    protocol.Effect
	// CreatedAt and LastActivity are the timestamps of the first and last
	// logged entries.
	CreatedAt    time.Time
	LastActivity time.Time

	// Locked, Minted, Burned and Finalized record the ledger intents logged so
	// far. An intent is logged before its ledger call is made.
	Locked    bool
	Minted    bool
	Burned    bool
	Finalized bool

	// Compensation is the compensating effect logged with an abort and not yet
	// followed by a compensation record.
	Compensation protocol.Effect
	// Compensated is set when a compensation record was logged.
	Compensated bool
	// AbortCode and AbortReason explain an abort, local or remote.
	AbortCode   string
	AbortReason string
	// Note carries the last annotation written to the log, such as a failed
	// compensation.
	Note string
}

// Status is the externally visible summary of a session.
type Status struct {
	SessionID             string               `json:"sessionId"`
	Role                  protocol.Role        `json:"role"`
	Stage                 protocol.Stage       `json:"stage"`
	SequenceNumber        uint64               `json:"sequenceNumber"`
	Outcome               protocol.Outcome     `json:"outcome,omitempty"`
	CounterpartyGatewayID string               `json:"counterpartyGatewayId"`
	Asset                 protocol.Asset       `json:"asset"`
	Destination           protocol.Destination `json:"destination"`
	CreatedAt             time.Time            `json:"createdAt"`
	LastActivity          time.Time            `json:"lastActivity"`
	AbortCode             string               `json:"abortCode,omitempty"`
	AbortReason           string               `json:"abortReason,omitempty"`
	Note                  string               `json:"note,omitempty"`
}

// Status returns the summary of s.
func (s State) Status() Status {
	return Status{
		SessionID:             s.SessionID,
		Role:                  s.Role,
		Stage:                 s.Stage,
		SequenceNumber:        s.SequenceNumber,
		Outcome:               s.Outcome,
		CounterpartyGatewayID: s.CounterpartyGatewayID,
		Asset:                 s.Asset,
		Destination:           s.Destination,
		CreatedAt:             s.CreatedAt,
		LastActivity:          s.LastActivity,
		AbortCode:             s.AbortCode,
		AbortReason:           s.AbortReason,
		Note:                  s.Note,
	}
}

// Exists reports whether any entry has been folded into s.
func (s State) Exists() bool {
	return s.SessionID != ""
}

// Terminal reports whether the session has an outcome.
func (s State) Terminal() bool {
	return s.Outcome == protocol.OutcomeCommitted || s.Outcome == protocol.OutcomeAborted
}

// Aborting reports whether an abort was logged and its compensation is still
// outstanding.
func (s State) Aborting() bool {
	return !s.Terminal() && s.Compensation != protocol.EffectNone
}

// Irreversible reports whether the session passed its point of no return:
// the sender logged its burn, or the receiver accepted the finalization.
func (s State) Irreversible() bool {
	switch s.Role {
	case protocol.RoleSender:
		return s.Burned
	case protocol.RoleReceiver:
		return s.Finalized
	}
	return false
}

// CompensationFor returns the effect that reverses the ledger intents logged
// so far, or EffectNone when nothing needs reversing.
func (s State) CompensationFor() protocol.Effect {
	switch s.Role {
	case protocol.RoleSender:
		if s.Locked && !s.Burned {
			return protocol.EffectUnlock
		}
	case protocol.RoleReceiver:
		if s.Minted && !s.Finalized {
			return protocol.EffectBurn
		}
	}
	return protocol.EffectNone
}

// CanAbort reports why an abort may not be started for s, or nil.
func (s State) CanAbort() error {
	switch {
	case !s.Exists():
		return ErrUnknownSession
	case s.Terminal() || s.Aborting():
		return ErrSessionTerminal
	case s.Irreversible():
		return ErrIrreversible
	}
	return nil
}

// Reply returns the outbound message logged in response to the inbound
// message with the given hash.
func (s State) Reply(hash string) (protocol.Message, bool) {
	reply, ok := s.Replies[hash]
	return reply, ok
}

// Seen reports whether an inbound message with the given hash was logged.
func (s State) Seen(hash string) bool {
	_, ok := s.Received[hash]
	return ok
}

func (s State) clone() State {
	out := s
	out.Received = make(map[string]uint64, len(s.Received)+1)
	for k, v := range s.Received {
		out.Received[k] = v
	}
	out.Replies = make(map[string]protocol.Message, len(s.Replies)+1)
	for k, v := range s.Replies {
		out.Replies[k] = v
	}
	return out
}
