package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/platform/telemetry/metrics"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/engine"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/replay"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/session"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/storage/integrity"
)

const (
	defaultMaxRetries   = 3
	defaultArchiveAfter = 10 * time.Minute
	defaultWorkers      = 8

	tracerName = "github.com/louisbranch/satp-gateway/internal/services/gateway/orchestrator"
)

var (
	// ErrTransportRequired indicates an orchestrator without a transport.
	ErrTransportRequired = errors.New("transport is required")
	// ErrQuarantined is returned for sessions whose audit log failed
	// verification. They are never loaded again until an operator repairs
	// the log and restarts the gateway.
	ErrQuarantined = apperrors.New(apperrors.CodeIntegrity, "session log failed verification")
)

// Transport hands outbound messages to counterparty gateways.
type Transport interface {
	// Send delivers m to gatewayID and returns the message the counterparty
	// produced in response, or nil when it produced none.
	Send(ctx context.Context, gatewayID string, m protocol.Message) (*protocol.Message, error)
}

// Config tunes timers and concurrency.
type Config struct {
	// Timeouts bounds how long a session waits on the counterparty in each
	// stage before its last message is re-sent.
	Timeouts session.Timeouts
	// MaxRetries is the number of re-sends before a waiting session aborts.
	MaxRetries int
	// ArchiveAfter is how long terminal sessions stay resident.
	ArchiveAfter time.Duration
	// Workers bounds background deliveries and per-session tick work.
	Workers int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = defaultArchiveAfter
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets timers and concurrency limits.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithClock sets the time source. The engine uses it too unless it has its
// own.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogf sets the logger.
func WithLogf(logf func(string, ...any)) Option {
	return func(o *Orchestrator) { o.logf = logf }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithKeyring verifies the hash chain signatures of every session loaded
// from the audit log.
func WithKeyring(k *integrity.Keyring) Option {
	return func(o *Orchestrator) { o.keyring = k }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Gateway) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator coordinates all sessions of one gateway.
type Orchestrator struct {
	engine    engine.Engine
	transport Transport
	cfg       Config
	now       func() time.Time
	logf      func(string, ...any)
	tracer    trace.Tracer
	metrics   *metrics.Gateway
	keyring   *integrity.Keyring

	ctx    context.Context
	cancel context.CancelFunc
	pool   *semaphore.Weighted
	jobs   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*resident
	// assets maps an asset key to the open session holding it.
	assets map[string]string
	// quarantined holds sessions whose log failed replay or verification.
	quarantined map[string]error
}

// resident is a session held in memory. Its lock serializes transitions.
type resident struct {
	mu    sync.Mutex
	state session.State
	// gone is set once the resident left the session map; holders of a stale
	// pointer must look the session up again.
	gone     bool
	retries  int
	lastSent time.Time
	closedAt time.Time
}

// New creates an orchestrator running transitions on eng and sending
// through transport.
func New(eng engine.Engine, transport Transport, opts ...Option) (*Orchestrator, error) {
	if err := eng.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrTransportRequired
	}
	o := &Orchestrator{
		transport: transport,
		now:       func() time.Time { return time.Now().UTC() },
		logf:      log.Printf,
		tracer:    otel.Tracer(tracerName),
		sessions:  make(map[string]*resident),
		assets:    make(map[string]string),

		quarantined: make(map[string]error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.cfg = o.cfg.withDefaults()
	if eng.Now == nil {
		eng.Now = o.now
	}
	if eng.Logf == nil {
		eng.Logf = o.logf
	}
	if eng.OnPersistRetry == nil {
		eng.OnPersistRetry = func(error) { o.metrics.PersistRetry(context.Background()) }
	}
	o.engine = eng
	o.pool = semaphore.NewWeighted(int64(o.cfg.Workers))
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// Close stops background work and waits for in-flight deliveries.
func (o *Orchestrator) Close() {
	o.cancel()
	o.jobs.Wait()
}

// Wait blocks until background deliveries started so far have finished.
func (o *Orchestrator) Wait() {
	o.jobs.Wait()
}

// Run calls Tick every interval until ctx ends.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Tick(ctx); err != nil && ctx.Err() == nil {
				o.logf("tick: %v", err)
			}
		}
	}
}

// spawn runs fn in the background on the worker pool.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	if o.ctx.Err() != nil {
		return
	}
	o.jobs.Add(1)
	go func() {
		defer o.jobs.Done()
		if err := o.pool.Acquire(o.ctx, 1); err != nil {
			return
		}
		defer o.pool.Release(1)
		fn(o.ctx)
	}()
}

// deliver sends m and keeps feeding replies back into their session until
// the exchange stops producing messages. A duplicate reply ends the
// exchange, since both sides already hold its answer.
func (o *Orchestrator) deliver(ctx context.Context, gatewayID string, m protocol.Message) {
	for {
		reply, err := o.transport.Send(ctx, gatewayID, m)
		if err != nil {
			o.metrics.DeliveryFailure(ctx, gatewayID)
			o.logf("deliver %s %s/%d to %s: %v", m.Type, m.SessionID, m.SequenceNumber, gatewayID, err)
			return
		}
		if reply == nil {
			return
		}
		next, duplicate, err := o.handle(ctx, *reply)
		if err != nil {
			o.logf("handle reply %s %s/%d from %s: %v", reply.Type, reply.SessionID, reply.SequenceNumber, gatewayID, err)
			return
		}
		if duplicate || next == nil {
			return
		}
		m = *next
	}
}

// acquire returns the locked resident for id, loading it from the audit log
// when it is not in memory. With create set an unknown id yields a locked
// empty placeholder; the caller must fill it or discard it.
func (o *Orchestrator) acquire(ctx context.Context, id string, create bool) (*resident, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", session.ErrUnknownSession)
	}
	for {
		o.mu.Lock()
		r, ok := o.sessions[id]
		cause, held := o.quarantined[id]
		o.mu.Unlock()
		if held {
			return nil, fmt.Errorf("%w: %s: %v", ErrQuarantined, id, cause)
		}
		if ok {
			r.mu.Lock()
			if r.gone {
				r.mu.Unlock()
				continue
			}
			return r, nil
		}

		result, entries, err := replay.Session(ctx, o.engine.Store, id)
		switch {
		case errors.Is(err, replay.ErrNoEntries):
			if !create {
				return nil, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
			}
		case err != nil:
			if errors.Is(err, session.ErrSequenceGap) || errors.Is(err, session.ErrCorruptLog) {
				return nil, o.quarantine(id, err)
			}
			return nil, err
		case o.keyring != nil:
			if err := integrity.VerifyChain(entries, o.keyring); err != nil {
				return nil, o.quarantine(id, err)
			}
		}
		if r, ok := o.insert(ctx, id, result.State); ok {
			return r, nil
		}
	}
}

// quarantine stops id from being loaded and returns the refusal.
func (o *Orchestrator) quarantine(id string, cause error) error {
	o.mu.Lock()
	o.quarantined[id] = cause
	o.mu.Unlock()
	o.logf("session %s quarantined: %v", id, cause)
	return fmt.Errorf("%w: %s: %v", ErrQuarantined, id, cause)
}

// insert adds a locked resident for state unless id is already resident.
func (o *Orchestrator) insert(ctx context.Context, id string, state session.State) (*resident, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[id]; ok {
		return nil, false
	}
	r := &resident{state: state, lastSent: state.LastActivity}
	r.mu.Lock()
	o.sessions[id] = r
	if state.Terminal() {
		r.closedAt = o.now()
	} else if state.Exists() {
		if _, held := o.assets[state.Asset.Key()]; !held {
			o.assets[state.Asset.Key()] = id
		}
		o.metrics.SessionOpened(ctx)
	}
	return r, true
}

// discard removes an empty placeholder. The caller holds r.mu.
func (o *Orchestrator) discard(id string, r *resident) {
	r.gone = true
	o.mu.Lock()
	if o.sessions[id] == r {
		delete(o.sessions, id)
	}
	o.mu.Unlock()
}

// apply stores the state a transition produced and updates timers, the asset
// index and metrics. The caller holds r.mu.
func (o *Orchestrator) apply(ctx context.Context, r *resident, res engine.Result) {
	prev, next := r.state, res.State
	if !next.Exists() {
		return
	}
	r.state = next
	if !prev.Exists() {
		o.metrics.SessionOpened(ctx)
	}
	if next.SequenceNumber != prev.SequenceNumber {
		r.retries = 0
		r.lastSent = o.now()
		o.metrics.Transition(ctx, string(next.LastType), string(next.LastDirection))
	}
	if next.Compensated && !prev.Compensated {
		o.metrics.Compensation(ctx, string(prev.Compensation), res.CompensationErr == nil)
	}
	if next.Terminal() && !prev.Terminal() {
		r.closedAt = o.now()
		o.release(next.SessionID, next.Asset.Key())
		o.metrics.SessionClosed(ctx)
		if next.Outcome == protocol.OutcomeAborted {
			o.metrics.Abort(ctx, next.AbortCode)
		}
	}
}

// claim reserves key for session id. The lexicographically smaller session
// id wins a collision: a losing id gets a refusal, a winning id gets the
// holder it displaces, which the caller must abort.
func (o *Orchestrator) claim(id, key string) (refuse error, loser string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	holder, held := o.assets[key]
	switch {
	case !held || holder == id:
		o.assets[key] = id
		return nil, ""
	case holder < id:
		return fmt.Errorf("%w: %s already transfers %s", session.ErrDuplicateSession, holder, key), ""
	default:
		o.assets[key] = id
		return nil, holder
	}
}

// unclaim undoes a claim that did not produce a session.
func (o *Orchestrator) unclaim(id, key, loser string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.assets[key] != id {
		return
	}
	if loser != "" {
		o.assets[key] = loser
		return
	}
	delete(o.assets, key)
}

func (o *Orchestrator) release(id, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.assets[key] == id {
		delete(o.assets, key)
	}
}

// abortConflict aborts a session displaced by winner.
func (o *Orchestrator) abortConflict(ctx context.Context, loser, winner string) {
	r, err := o.acquire(ctx, loser, false)
	if err != nil {
		o.logf("abort displaced session %s: %v", loser, err)
		return
	}
	cause := fmt.Errorf("%w: superseded by %s", session.ErrDuplicateSession, winner)
	res, err := o.engine.Abort(ctx, r.state, cause)
	o.apply(ctx, r, res)
	peer := r.state.CounterpartyGatewayID
	r.mu.Unlock()
	if err != nil {
		o.logf("abort displaced session %s: %v", loser, err)
		return
	}
	if res.Reply != nil {
		o.deliver(ctx, peer, *res.Reply)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("satp.session_id", sessionID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// residentIDs returns the ids of resident sessions in order.
func (o *Orchestrator) residentIDs() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}
