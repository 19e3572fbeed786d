package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/replay"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

const defaultWorkers = 4

// ErrStoreRequired indicates a manager without an audit log store.
var ErrStoreRequired = errors.New("audit log store is required")

// Decision is what recovery concluded for one session.
type Decision int

const (
	// DecisionResume hands the session back to normal tick handling.
	DecisionResume Decision = iota
	// DecisionAbort means the session outlived its stage timeout while
	// waiting on the counterparty and must be aborted.
	DecisionAbort
	// DecisionFailed means the log could not be replayed or failed its
	// integrity check. The session is left for an operator.
	DecisionFailed
)

// String returns a label used in logs and reports.
func (d Decision) String() string {
	switch d {
	case DecisionResume:
		return "resume"
	case DecisionAbort:
		return "abort"
	default:
		return "failed"
	}
}

// Item is the recovery result of one session.
type Item struct {
	SessionID string
	Decision  Decision
	// State is the replayed state. It is zero for failed sessions whose log
	// could not be folded at all.
	State session.State
	// Status is the replayed status with outcome Crashed, as reported before
	// the decision is applied.
	Status session.Status
	// Action is the pending work derived from the log.
	Action session.Action
	// Err explains a failed replay or verification.
	Err error
}

// Report summarizes one recovery pass.
type Report struct {
	Items       []Item
	RecoveredAt time.Time
}

// Count returns how many items carry decision d.
func (r Report) Count(d Decision) int {
	n := 0
	for _, item := range r.Items {
		if item.Decision == d {
			n++
		}
	}
	return n
}

// Manager reconstructs open sessions from the audit log.
type Manager struct {
	Store journal.Store
	// Keyring, when set, verifies every session's hash chain signatures
	// before its log is trusted.
	Keyring  *integrity.Keyring
	Timeouts session.Timeouts
	// Workers bounds how many sessions are replayed concurrently.
	Workers int
	Now     func() time.Time
	Logf    func(string, ...any)
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m Manager) logf(format string, args ...any) {
	if m.Logf != nil {
		m.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Recover replays every open session and classifies it. It fails only when
// the open sessions cannot be listed or ctx ends; per-session problems are
// reported as failed items.
func (m Manager) Recover(ctx context.Context) (Report, error) {
	if m.Store == nil {
		return Report{}, ErrStoreRequired
	}
	ids, err := m.Store.ListAllOpenSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list open sessions: %w", err)
	}
	report := Report{Items: make([]Item, len(ids)), RecoveredAt: m.now()}

	workers := m.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Items[i] = m.recoverSession(gctx, id, report.RecoveredAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	m.logf("recovery: %d open sessions, %d resumed, %d to abort, %d failed",
		len(ids), report.Count(DecisionResume), report.Count(DecisionAbort), report.Count(DecisionFailed))
	return report, nil
}

func (m Manager) recoverSession(ctx context.Context, id string, now time.Time) Item {
	item := Item{SessionID: id}
	result, entries, err := replay.Session(ctx, m.Store, id)
	if err == nil && m.Keyring != nil {
		err = integrity.VerifyChain(entries, m.Keyring)
	}
	if err != nil {
		item.Decision = DecisionFailed
		item.Err = err
		m.logf("recovery: session %s needs operator attention: %v", id, err)
		return item
	}

	state := result.State
	item.State = state
	item.Action = state.Next()
	item.Status = state.Status()
	if !state.Terminal() {
		item.Status.Outcome = protocol.OutcomeCrashed
	}
	item.Decision = Classify(state, m.Timeouts, now)
	return item
}

// Classify decides what to do with a replayed session. Sessions with a
// logged but unfinished reply or compensation always resume, because their
// effects were already logged and must be completed. Sessions waiting on the
// counterparty are aborted once their stage timeout has passed, unless they
// can no longer abort.
func Classify(state session.State, limits session.Timeouts, now time.Time) Decision {
	if state.Next().Kind != session.ActionAwait {
		return DecisionResume
	}
	if state.Irreversible() || state.InDoubt() {
		return DecisionResume
	}
	if state.Expired(limits, now) {
		return DecisionAbort
	}
	return DecisionResume
}
