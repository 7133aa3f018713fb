package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dErrors "trustlayer/pkg/domain-errors"
	"trustlayer/pkg/platform/sentinel"
	"trustlayer/pkg/requestcontext"
)

const (
	DefaultStoreTimeout = 2 * time.Second
	verifyPageSize      = 500
)

// Appender is the only ledger surface domain services receive. It has no
// update or delete methods.
type Appender interface {
	Append(ctx context.Context, e Entry) (*Record, error)
	AppendBatch(ctx context.Context, entries []Entry) ([]*Record, error)
}

// Ledger is the append-only, hash-chained audit log.
type Ledger struct {
	store     Store
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	timeout   time.Duration
	retention time.Duration
}

var _ Appender = (*Ledger)(nil)

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(l *Ledger) {
		if t != nil {
			l.tracer = t
		}
	}
}

// WithStoreTimeout bounds every store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRetention sets how long new records are retained.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		logger:    slog.Default(),
		timeout:   DefaultStoreTimeout,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer("trustlayer/audit")
	}
	return l
}

// Append records one regulated action at the head of the chain.
func (l *Ledger) Append(ctx context.Context, e Entry) (*Record, error) {
	records, err := l.AppendBatch(ctx, []Entry{e})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// AppendBatch records several actions under one chain lock. Each record
// links to the one before it, including earlier records of the same batch.
func (l *Ledger) AppendBatch(ctx context.Context, entries []Entry) ([]*Record, error) {
	if len(entries) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "at least one audit entry is required")
	}
	for i := range entries {
		if err := validateEntry(entries[i]); err != nil {
			return nil, err
		}
	}

	ctx, span := l.tracer.Start(ctx, "audit.append", trace.WithAttributes(
		attribute.String("audit.action", string(entries[0].Action)),
		attribute.Int("audit.batch_size", len(entries)),
	))
	defer span.End()

	start := time.Now()
	var out []*Record
	err := l.withTimeout(ctx, func(ctx context.Context) error {
		return l.store.AppendAtHead(ctx, func(head *Record) ([]*Record, error) {
			out = l.chain(head, entries, requestcontext.Now(ctx))
			return out, nil
		})
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		err = l.translate(err, "append audit record")
		for _, e := range entries {
			l.metrics.observeAppend(e.Action, "error", elapsed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.ErrorContext(ctx, "audit append failed",
			"action", string(entries[0].Action),
			"batch_size", len(entries),
			"mandatory", entries[0].Action.Mandatory(),
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, err
	}

	for _, r := range out {
		l.metrics.observeAppend(r.Action, "ok", elapsed)
	}
	span.SetAttributes(attribute.String("audit.head_hash", out[len(out)-1].CurrentHash))
	return out, nil
}

// chain builds records linked onto head in entry order. It runs under the
// chain lock, and created_at never goes backwards along seq.
func (l *Ledger) chain(head *Record, entries []Entry, now time.Time) []*Record {
	now = canonicalTime(now)
	prev := ""
	if head != nil {
		prev = head.CurrentHash
		if now.Before(head.CreatedAt) {
			now = canonicalTime(head.CreatedAt)
		}
	}
	out := make([]*Record, 0, len(entries))
	for _, e := range entries {
		r := &Record{
			ID:             uuid.New(),
			TenantID:       e.TenantID,
			ActorID:        e.ActorID,
			Action:         e.Action,
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			Before:         e.Before,
			After:          e.After,
			IP:             e.IP,
			UserAgent:      e.UserAgent,
			Metadata:       e.Metadata,
			PreviousHash:   prev,
			RetentionUntil: now.Add(l.retention),
			CreatedAt:      now,
		}
		r.CurrentHash = ComputeHash(r)
		prev = r.CurrentHash
		out = append(out, r)
	}
	return out
}

// Update always fails. Records are never modified through the ledger.
func (l *Ledger) Update(ctx context.Context, id uuid.UUID, _ Entry) error {
	return l.violation(ctx, "update", id)
}

// Delete always fails. Expired records are removed by the retention job only.
func (l *Ledger) Delete(ctx context.Context, id uuid.UUID) error {
	return l.violation(ctx, "delete", id)
}

func (l *Ledger) violation(ctx context.Context, op string, id uuid.UUID) error {
	l.metrics.incViolation(op)
	l.logger.WarnContext(ctx, "audit ledger mutation rejected",
		"operation", op,
		"record_id", id.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	return dErrors.New(dErrors.CodeAppendOnlyViolation,
		fmt.Sprintf("audit records are append-only: %s of %s rejected", op, id))
}

// VerifyChain recomputes every record's hash between from and to (inclusive;
// uuid.Nil leaves that end open) and checks each link. A record whose stored
// hash does not match its fields, or whose hash is not its successor's
// previous hash, is reported as BrokenAt.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uuid.UUID) (VerifyResult, error) {
	ctx, span := l.tracer.Start(ctx, "audit.verify_chain")
	defer span.End()

	var (
		prev     *Record
		afterSeq int64
		endSeq   int64 = -1
	)
	if from != uuid.Nil {
		start, err := l.get(ctx, from)
		if err != nil {
			return VerifyResult{}, err
		}
		afterSeq = start.Seq - 1
		prev, err = l.predecessor(ctx, start.Seq)
		if err != nil {
			return VerifyResult{}, err
		}
	}
	if to != uuid.Nil {
		end, err := l.get(ctx, to)
		if err != nil {
			return VerifyResult{}, err
		}
		endSeq = end.Seq
	}

	result := VerifyResult{Valid: true}
	for {
		var page []*Record
		err := l.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			page, err = l.store.ListAfter(ctx, afterSeq, verifyPageSize)
			return err
		})
		if err != nil {
			return VerifyResult{}, l.translate(err, "list audit records")
		}
		for _, r := range page {
			if endSeq >= 0 && r.Seq > endSeq {
				return l.finishVerify(ctx, span, result), nil
			}
			broken, reason := checkLink(prev, r)
			if broken == nil && prev == nil && r.PreviousHash != "" {
				purged, err := l.purgedBefore(ctx, r)
				if err != nil {
					return VerifyResult{}, err
				}
				if !purged {
					broken, reason = r, "predecessor missing and not removed by retention purge"
				}
				result.PurgedPrefix = purged
			}
			if broken != nil {
				result.Valid = false
				result.BrokenAt = &broken.ID
				result.Reason = reason
				return l.finishVerify(ctx, span, result), nil
			}
			result.Checked++
			prev = r
			afterSeq = r.Seq
		}
		if len(page) < verifyPageSize {
			return l.finishVerify(ctx, span, result), nil
		}
	}
}

// checkLink validates r against its own hash and against prev. A link
// mismatch implicates prev, whose stored hash no longer matches what its
// successor committed to.
func checkLink(prev, r *Record) (*Record, string) {
	if ComputeHash(r) != r.CurrentHash {
		return r, "stored hash does not match record fields"
	}
	if prev == nil {
		return nil, ""
	}
	if r.PreviousHash != prev.CurrentHash {
		return prev, "hash does not match successor's previous hash"
	}
	return nil, ""
}

func (l *Ledger) finishVerify(ctx context.Context, span trace.Span, result VerifyResult) VerifyResult {
	span.SetAttributes(
		attribute.Bool("audit.chain_valid", result.Valid),
		attribute.Int("audit.records_checked", result.Checked),
	)
	if !result.Valid {
		l.metrics.incChainBreak()
		l.logger.ErrorContext(ctx, "audit chain broken",
			"broken_at", result.BrokenAt.String(),
			"reason", result.Reason,
			"checked", result.Checked,
		)
	}
	return result
}

func (l *Ledger) get(ctx context.Context, id uuid.UUID) (*Record, error) {
	var r *Record
	err := l.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		r, err = l.store.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, l.translate(err, "get audit record")
	}
	return r, nil
}

func (l *Ledger) predecessor(ctx context.Context, seq int64) (*Record, error) {
	var r *Record
	err := l.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		r, err = l.store.Predecessor(ctx, seq)
		return err
	})
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, l.translate(err, "get predecessor record")
	}
	return r, nil
}

// purgedBefore reports whether r's missing predecessor was the last record
// removed by the retention purge. Stores that cannot say are trusted.
func (l *Ledger) purgedBefore(ctx context.Context, r *Record) (bool, error) {
	anchored, ok := l.store.(PurgeAnchorer)
	if !ok {
		return true, nil
	}
	var anchor string
	err := l.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		anchor, err = anchored.PurgeAnchor(ctx)
		return err
	})
	if err != nil {
		return false, l.translate(err, "read purge anchor")
	}
	return anchor != "" && anchor == r.PreviousHash, nil
}

func (l *Ledger) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return fn(ctx)
}

// translate maps store errors onto domain errors exactly once.
func (l *Ledger) translate(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "audit record not found")
	case errors.Is(err, sentinel.ErrAppendOnly):
		return dErrors.Wrap(err, dErrors.CodeAppendOnlyViolation, "audit records are append-only")
	case errors.Is(err, sentinel.ErrInvalidInput):
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, msg)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "audit chain head moved during append")
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "audit ledger unavailable")
}

func validateEntry(e Entry) error {
	if !e.Action.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown audit action %q", e.Action))
	}
	if e.ActorID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "audit actor is required")
	}
	if e.EntityType == "" || e.EntityID == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "audit entity type and id are required")
	}
	return nil
}
