package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
)

// TickReport counts the work one Tick did.
type TickReport struct {
	Resent      int
	Responded   int
	Compensated int
	Aborted     int
	Evicted     int
	Failed      int
}

type tickOutcome int

const (
	tickIdle tickOutcome = iota
	tickResent
	tickResponded
	tickCompensated
	tickAborted
	tickEvicted
)

// Tick advances every resident session that has pending work: unanswered
// inbound messages get their effect and reply, logged compensations run,
// sessions waiting past their stage timeout re-send their last message and
// abort once retries run out, and terminal sessions past the archive delay
// leave memory. Sessions are processed concurrently on the worker pool.
func (o *Orchestrator) Tick(ctx context.Context) (report TickReport, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Tick")
	defer func() { endSpan(span, err) }()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, id := range o.residentIDs() {
		if err := o.pool.Acquire(ctx, 1); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.pool.Release(1)
			outcome, err := o.tickSession(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("tick %s: %w", id, err))
			}
			switch outcome {
			case tickResent:
				report.Resent++
			case tickResponded:
				report.Responded++
			case tickCompensated:
				report.Compensated++
			case tickAborted:
				report.Aborted++
			case tickEvicted:
				report.Evicted++
			}
		}()
	}
	wg.Wait()
	return report, errors.Join(errs...)
}

func (o *Orchestrator) tickSession(ctx context.Context, id string) (tickOutcome, error) {
	o.mu.Lock()
	r, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		return tickIdle, nil
	}
	r.mu.Lock()
	if r.gone || !r.state.Exists() {
		r.mu.Unlock()
		return tickIdle, nil
	}

	now := o.now()
	var (
		outcome = tickIdle
		send    *protocol.Message
		err     error
	)
	switch action := r.state.Next(); action.Kind {
	case session.ActionNone:
		if r.state.Terminal() && now.Sub(r.closedAt) >= o.cfg.ArchiveAfter {
			r.gone = true
			o.mu.Lock()
			if o.sessions[id] == r {
				delete(o.sessions, id)
			}
			o.mu.Unlock()
			outcome = tickEvicted
		}

	case session.ActionRespond:
		var res engine.Result
		res, err = o.engine.Respond(ctx, r.state)
		o.apply(ctx, r, res)
		if res.Reply != nil {
			outcome, send = tickResponded, res.Reply
		}

	case session.ActionCompensate:
		var res engine.Result
		res, err = o.engine.Compensate(ctx, r.state)
		o.apply(ctx, r, res)
		if err == nil {
			outcome = tickCompensated
			if res.CompensationErr != nil {
				err = res.CompensationErr
			}
			if last := r.state.LastOutbound; last.Type == protocol.MessageTransferAbort {
				send = &last
			}
		}

	case session.ActionAwait:
		if now.Sub(r.lastSent) <= o.cfg.Timeouts.For(r.state.Stage) {
			break
		}
		if r.retries < o.cfg.MaxRetries || r.state.InDoubt() || r.state.Irreversible() {
			r.retries++
			r.lastSent = now
			last := r.state.LastOutbound
			send = &last
			outcome = tickResent
			o.metrics.Resend(ctx, string(r.state.Stage))
			break
		}
		cause := fmt.Errorf("%w: no reply in %s after %d re-sends", engine.ErrTimeout, r.state.Stage, r.retries)
		var res engine.Result
		res, err = o.engine.Abort(ctx, r.state, cause)
		o.apply(ctx, r, res)
		if err == nil {
			outcome, send = tickAborted, res.Reply
			if res.CompensationErr != nil {
				err = res.CompensationErr
			}
		}
	}
	peer := r.state.CounterpartyGatewayID
	r.mu.Unlock()

	if send != nil {
		o.deliver(ctx, peer, *send)
	}
	return outcome, err
}
