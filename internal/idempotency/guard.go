package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/circuit"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/requestcontext"
)

// Guard runs the per-key state machine on top of a Store.
type Guard struct {
	store        Store
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	ttl          time.Duration
	lockTTL      time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	storeTimeout time.Duration
	breaker      *circuit.Breaker
}

var errCircuitOpen = errors.New("idempotency store circuit open")

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Guard) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithTTL sets how long a cached response is replayed.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithLockTTL sets how long an IN-FLIGHT marker survives a crashed owner.
func WithLockTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.lockTTL = d
		}
	}
}

// WithWaitTimeout bounds how long a duplicate waits for the in-flight request.
func WithWaitTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.waitTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.storeTimeout = d
		}
	}
}

// WithBreaker replaces the default store circuit breaker. While it is open,
// requests proceed unprotected without touching the store.
func WithBreaker(b *circuit.Breaker) Option {
	return func(g *Guard) {
		g.breaker = b
	}
}

func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:        store,
		logger:       slog.Default(),
		ttl:          DefaultTTL,
		lockTTL:      DefaultLockTTL,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
		storeTimeout: DefaultStoreTimeout,
		breaker:      circuit.New("idempotency-store"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("trustlayer/idempotency")
	}
	return g
}

// Check decides how a request with key should run. Unguarded methods and
// empty keys proceed. A cached response is replayed. Otherwise the guard
// takes the IN-FLIGHT lease, waiting for a concurrent duplicate to finish
// first. A duplicate that waits longer than the wait timeout gets a
// conflict error. Store failures degrade to an unprotected proceed.
func (g *Guard) Check(ctx context.Context, key, method string) (Decision, error) {
	if !Guarded(method) || key == "" {
		g.metrics.decision("unguarded")
		return Decision{Outcome: OutcomeProceed}, nil
	}

	ctx, span := g.tracer.Start(ctx, "idempotency.check", trace.WithAttributes(
		attribute.String("http.method", method),
	))
	defer span.End()

	owner := uuid.NewString()
	var waitStart time.Time
	for {
		res, err := g.begin(ctx, key, owner)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Decision{}, dErrors.Wrap(ctxErr, dErrors.CodeTimeout, "request cancelled before idempotency check")
			}
			g.degrade(ctx, "begin", err)
			span.SetAttributes(attribute.String("idempotency.outcome", "degraded"))
			return Decision{Outcome: OutcomeProceed}, nil
		}

		switch res.State {
		case StateAcquired:
			g.observeWait(waitStart)
			g.metrics.decision(OutcomeExecute.String())
			span.SetAttributes(attribute.String("idempotency.outcome", OutcomeExecute.String()))
			return Decision{Outcome: OutcomeExecute, Lease: &Lease{Key: key, Owner: owner}}, nil
		case StateCached:
			g.observeWait(waitStart)
			g.metrics.decision(OutcomeReplay.String())
			span.SetAttributes(attribute.String("idempotency.outcome", OutcomeReplay.String()))
			return Decision{Outcome: OutcomeReplay, Cached: res.Cached}, nil
		}

		if waitStart.IsZero() {
			waitStart = time.Now()
		}
		if time.Since(waitStart) >= g.waitTimeout {
			g.observeWait(waitStart)
			g.metrics.decision("conflict")
			return Decision{}, dErrors.New(dErrors.CodeConflict,
				"a request with this idempotency key is still in progress")
		}
		timer := time.NewTimer(g.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Decision{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "request cancelled while waiting on idempotency key")
		case <-timer.C:
		}
	}
}

// Commit finishes a leased request. A 2xx response is stored and replayed
// for the TTL; any other status releases the key so the request may be
// retried with the same key.
func (g *Guard) Commit(ctx context.Context, lease *Lease, status int, contentType string, body []byte) error {
	if lease == nil {
		return nil
	}
	if !Cacheable(status) {
		return g.release(ctx, lease)
	}

	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	err := g.store.Complete(sctx, lease.Key, lease.Owner, Response{
		Status:      status,
		ContentType: contentType,
		Body:        body,
	}, g.ttl)
	g.observeStore(ctx, err)
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrConflict) {
		g.metrics.lostLease()
		g.logger.WarnContext(ctx, "idempotency lease expired before commit",
			"request_id", requestcontext.RequestID(ctx),
		)
		return err
	}
	g.degrade(ctx, "complete", err)
	return err
}

// Abandon releases the lease of a request that will not complete, such as
// one whose client went away. Nothing is stored.
func (g *Guard) Abandon(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	return g.release(context.WithoutCancel(ctx), lease)
}

func (g *Guard) release(ctx context.Context, lease *Lease) error {
	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	err := g.store.Release(sctx, lease.Key, lease.Owner)
	g.observeStore(ctx, err)
	if err != nil {
		g.degrade(ctx, "release", err)
		return err
	}
	return nil
}

func (g *Guard) begin(ctx context.Context, key, owner string) (BeginResult, error) {
	if !g.breaker.Allow() {
		return BeginResult{}, errCircuitOpen
	}
	sctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	res, err := g.store.Begin(sctx, key, owner, g.lockTTL)
	g.observeStore(ctx, err)
	return res, err
}

// observeStore feeds the breaker. Lost leases and caller cancellations say
// nothing about store health.
func (g *Guard) observeStore(ctx context.Context, err error) {
	switch {
	case err == nil:
		if g.breaker.RecordSuccess().Closed {
			g.logger.InfoContext(ctx, "idempotency store recovered, circuit closed")
		}
	case errors.Is(err, sentinel.ErrConflict), ctx.Err() != nil:
	default:
		if g.breaker.RecordFailure().Opened {
			g.logger.ErrorContext(ctx, "idempotency store failing, circuit opened", "error", err)
		}
	}
}

func (g *Guard) degrade(ctx context.Context, op string, err error) {
	if errors.Is(err, errCircuitOpen) {
		g.metrics.storeError("circuit_open")
		return
	}
	g.metrics.storeError(op)
	g.logger.WarnContext(ctx, "idempotency store unavailable, proceeding unprotected",
		"operation", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
}

func (g *Guard) observeWait(start time.Time) {
	if start.IsZero() {
		return
	}
	g.metrics.waited(time.Since(start).Seconds())
}
