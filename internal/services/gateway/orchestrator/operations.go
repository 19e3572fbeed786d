package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	platformid "github.com/louisbranch/satp-gateway/internal/platform/id"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/recovery"
)

// TransferRequest asks this gateway to send an asset to a counterparty.
type TransferRequest struct {
	// SessionID is optional; a new id is generated when empty.
	SessionID             string
	Asset                 protocol.Asset
	Destination           protocol.Destination
	CounterpartyGatewayID string
}

// InitiateTransfer opens a sender session, logs its proposal and hands the
// proposal to the transport. It returns once the proposal is durably logged.
func (o *Orchestrator) InitiateTransfer(ctx context.Context, req TransferRequest) (id string, err error) {
	id = strings.TrimSpace(req.SessionID)
	if id == "" {
		if id, err = platformid.NewID(); err != nil {
			return "", err
		}
	}
	ctx, span := o.startSpan(ctx, "orchestrator.InitiateTransfer", id)
	defer func() { endSpan(span, err) }()

	if err := o.engine.Bridges.ResolveAsset(ctx, req.Asset); err != nil {
		return "", err
	}

	r, err := o.acquire(ctx, id, true)
	if err != nil {
		return "", err
	}
	if r.state.Exists() {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: session id %s is in use", session.ErrDuplicateSession, id)
	}
	key := req.Asset.Key()
	refuse, loser := o.claim(id, key)
	if refuse != nil {
		o.discard(id, r)
		r.mu.Unlock()
		return "", refuse
	}

	res, err := o.engine.Initiate(ctx, engine.Transfer{
		SessionID:             id,
		Asset:                 req.Asset,
		Destination:           req.Destination,
		CounterpartyGatewayID: req.CounterpartyGatewayID,
	})
	o.apply(ctx, r, res)
	if !r.state.Exists() {
		o.unclaim(id, key, loser)
		o.discard(id, r)
		r.mu.Unlock()
		if err == nil {
			err = errors.New("initiate produced no session")
		}
		return "", err
	}
	peer := r.state.CounterpartyGatewayID
	r.mu.Unlock()
	if err != nil {
		return id, err
	}

	if loser != "" {
		o.spawn(func(ctx context.Context) { o.abortConflict(ctx, loser, id) })
	}
	if res.Reply != nil {
		proposal := *res.Reply
		o.spawn(func(ctx context.Context) { o.deliver(ctx, peer, proposal) })
	}
	o.logf("session %s proposed to %s: %s %d to %s", id, peer, key, req.Asset.Amount, req.Destination.LedgerID)
	return id, nil
}

// HandleInboundMessage applies a message from a counterparty and returns the
// message to send back, if any. A valid proposal for an unknown session
// opens a receiver session. A duplicate returns the reply already sent for
// it without changing the session.
func (o *Orchestrator) HandleInboundMessage(ctx context.Context, m protocol.Message) (reply *protocol.Message, err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.HandleInboundMessage", m.SessionID)
	defer func() { endSpan(span, err) }()
	reply, _, err = o.handle(ctx, m)
	return reply, err
}

func (o *Orchestrator) handle(ctx context.Context, m protocol.Message) (*protocol.Message, bool, error) {
	if err := m.Validate(); err != nil {
		return nil, false, err
	}
	opening := m.SequenceNumber == 1 && m.Type == protocol.MessageTransferProposal
	r, err := o.acquire(ctx, m.SessionID, opening)
	if err != nil {
		return nil, false, err
	}
	defer r.mu.Unlock()

	if !r.state.Exists() {
		reply, err := o.open(ctx, r, m)
		return reply, false, err
	}
	res, err := o.engine.Receive(ctx, r.state, m)
	o.apply(ctx, r, res)
	return res.Reply, res.Duplicate, err
}

// open creates a receiver session from a proposal. The caller holds r.mu on
// an empty placeholder.
func (o *Orchestrator) open(ctx context.Context, r *resident, m protocol.Message) (*protocol.Message, error) {
	if err := session.Authenticate(session.State{}, m, o.engine.Verifier); err != nil {
		o.discard(m.SessionID, r)
		return nil, err
	}
	proposal, err := session.CheckOpening(m, o.engine.Signer.GatewayID())
	if err != nil {
		o.discard(m.SessionID, r)
		return nil, err
	}

	key := proposal.Asset.Key()
	refuse, loser := o.claim(m.SessionID, key)
	res, err := o.engine.Open(ctx, m, refuse)
	o.apply(ctx, r, res)
	if !r.state.Exists() {
		if refuse == nil {
			o.unclaim(m.SessionID, key, loser)
		}
		o.discard(m.SessionID, r)
		return nil, err
	}
	if loser != "" {
		winner := m.SessionID
		o.spawn(func(ctx context.Context) { o.abortConflict(ctx, loser, winner) })
	}
	if refuse != nil {
		o.logf("session %s refused: %v", m.SessionID, refuse)
	}
	return res.Reply, err
}

// GetSessionStatus returns the last durably logged status of a session,
// loading it from the audit log when it is not resident.
func (o *Orchestrator) GetSessionStatus(ctx context.Context, id string) (status session.Status, err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.GetSessionStatus", id)
	defer func() { endSpan(span, err) }()
	r, err := o.acquire(ctx, strings.TrimSpace(id), false)
	if err != nil {
		return session.Status{}, err
	}
	defer r.mu.Unlock()
	return r.state.Status(), nil
}

// AbortSession aborts a session on operator request. The abort goes through
// the log like any other: it is refused once the session is past its point
// of no return, and a due compensation runs once. A failed compensation is
// returned along with the aborted status.
func (o *Orchestrator) AbortSession(ctx context.Context, id, reason string) (status session.Status, err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.AbortSession", id)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "aborted by operator"
	}
	r, err := o.acquire(ctx, strings.TrimSpace(id), false)
	if err != nil {
		return session.Status{}, err
	}
	res, err := o.engine.Abort(ctx, r.state, apperrors.New(apperrors.CodeOperatorAbort, reason))
	o.apply(ctx, r, res)
	status = r.state.Status()
	peer := r.state.CounterpartyGatewayID
	r.mu.Unlock()
	if err != nil {
		return status, err
	}
	if res.Reply != nil {
		abort := *res.Reply
		o.spawn(func(ctx context.Context) { o.deliver(ctx, peer, abort) })
	}
	o.logf("session %s aborted by operator: %s", status.SessionID, reason)
	return status, res.CompensationErr
}

// ListSessions returns the status of every resident session ordered by id.
func (o *Orchestrator) ListSessions() []session.Status {
	var out []session.Status
	for _, id := range o.residentIDs() {
		o.mu.Lock()
		r, ok := o.sessions[id]
		o.mu.Unlock()
		if !ok {
			continue
		}
		r.mu.Lock()
		if !r.gone && r.state.Exists() {
			out = append(out, r.state.Status())
		}
		r.mu.Unlock()
	}
	return out
}

// Restore loads the sessions of a recovery report. Resumed sessions are
// picked up by the next Tick; sessions recovery decided to abort are aborted
// now, compensating if needed. Sessions whose log failed recovery are left
// quarantined for an operator.
func (o *Orchestrator) Restore(ctx context.Context, report recovery.Report) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Restore")
	defer func() { endSpan(span, err) }()

	var errs []error
	for _, item := range report.Items {
		if item.Decision == recovery.DecisionFailed {
			_ = o.quarantine(item.SessionID, item.Err)
			continue
		}
		r, ok := o.insert(ctx, item.SessionID, item.State)
		if !ok {
			continue
		}
		if item.Decision != recovery.DecisionAbort {
			r.mu.Unlock()
			continue
		}
		cause := fmt.Errorf("%w: no progress in %s before restart", engine.ErrTimeout, item.State.Stage)
		res, abortErr := o.engine.Abort(ctx, r.state, cause)
		o.apply(ctx, r, res)
		peer := r.state.CounterpartyGatewayID
		r.mu.Unlock()
		if abortErr != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", item.SessionID, abortErr))
			continue
		}
		if res.Reply != nil {
			abort := *res.Reply
			o.spawn(func(ctx context.Context) { o.deliver(ctx, peer, abort) })
		}
	}
	o.logf("restore: %d sessions resident", len(o.residentIDs()))
	return errors.Join(errs...)
}
