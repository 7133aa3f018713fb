package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// hashInput is the canonical hashed form of a record. Field order is fixed
// by the struct, and encoding/json emits struct fields in declaration order.
type hashInput struct {
	Actor        string  `json:"actor"`
	Action       string  `json:"action"`
	EntityType   string  `json:"entity_type"`
	EntityID     string  `json:"entity_id"`
	CreatedAt    string  `json:"created_at"`
	PreviousHash *string `json:"previous_hash"`
}

// canonicalTime truncates to microseconds, the precision Postgres keeps, so
// a record hashes identically before and after a round trip.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of the record's canonical fields.
// Storage ids and sequence numbers are not part of the hash.
func ComputeHash(r *Record) string {
	in := hashInput{
		Actor:      r.ActorID,
		Action:     string(r.Action),
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		CreatedAt:  canonicalTime(r.CreatedAt).Format(time.RFC3339Nano),
	}
	if r.PreviousHash != "" {
		prev := r.PreviousHash
		in.PreviousHash = &prev
	}
	// Marshal of a struct of strings cannot fail.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
