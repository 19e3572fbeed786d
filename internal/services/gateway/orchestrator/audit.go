package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/journal"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/replay"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

// Audit is the verified audit trail of one session.
type Audit struct {
	SessionID string
	Entries   []journal.Entry
	// Signed reports whether chain signatures were checked. Without a
	// keyring only the content and chain hashes are verified.
	Signed bool
	// Verified is false when Problem is set.
	Verified bool
	Problem  string
	// Quarantined reports whether the gateway refuses to load the session.
	Quarantined bool
}

// AuditSession reads a session's log straight from the audit store and
// verifies its hash chain and replay. It takes no session lock, so it also
// works for sessions that are quarantined or were never resident.
func (o *Orchestrator) AuditSession(ctx context.Context, id string) (audit Audit, err error) {
	ctx, span := o.startSpan(ctx, "orchestrator.AuditSession", id)
	defer func() { endSpan(span, err) }()

	id = strings.TrimSpace(id)
	if id == "" {
		return Audit{}, fmt.Errorf("%w: session id is required", session.ErrUnknownSession)
	}
	entries, err := o.engine.Store.ListBySession(ctx, id)
	if err != nil {
		return Audit{}, err
	}
	if len(entries) == 0 {
		return Audit{}, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
	}

	audit = Audit{SessionID: id, Entries: entries, Signed: o.keyring != nil}
	problem := integrity.VerifyChain(entries, o.keyring)
	if problem == nil {
		_, problem = replay.Entries(entries)
	}
	if problem != nil {
		audit.Problem = problem.Error()
	}
	audit.Verified = problem == nil

	o.mu.Lock()
	_, audit.Quarantined = o.quarantined[id]
	o.mu.Unlock()
	return audit, nil
}
