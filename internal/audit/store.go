package audit

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"context"

	"github.com/google/uuid"
)

// BuildFunc receives the current chain head (nil for an empty ledger) and
// returns the records to persist after it, already linked and hashed.
type BuildFunc func(head *Record) ([]*Record, error)

// Store persists ledger records. Implementations expose no update or delete
// path; AppendAtHead is the only write.
type Store interface {
	// AppendAtHead holds the chain lock across reading the head, calling
	// build, and persisting its records, so no other append can interleave.
	// Either every returned record is persisted or none is.
	AppendAtHead(ctx context.Context, build BuildFunc) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	// Predecessor returns the record immediately before seq, or
	// sentinel.ErrNotFound when seq is the first stored record.
	Predecessor(ctx context.Context, seq int64) (*Record, error)
	// ListAfter returns up to limit records with Seq > afterSeq in chain order.
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*Record, error)
}

// PurgeAnchorer is implemented by stores that remove expired records.
// PurgeAnchor returns the current hash of the last record the retention
// purge removed, or "" when nothing has been purged.
type PurgeAnchorer interface {
	PurgeAnchor(ctx context.Context) (string, error)
}
