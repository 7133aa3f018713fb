// Package idempotency gives retried writes exactly-once semantics. A key is
// ABSENT, IN-FLIGHT (one request holds a lease and is executing) or CACHED
// (the first 2xx response is replayed until the entry expires).
package idempotency

import (
	"net/http"
	"time"
)

const (
	DefaultTTL          = 24 * time.Hour
	DefaultLockTTL      = 30 * time.Second
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultStoreTimeout = 2 * time.Second

	HeaderKey      = "Idempotency-Key"
	HeaderBypass   = "X-Idempotency-Bypass"
	HeaderReplayed = "X-Idempotency-Replayed"

	// MaxKeyLength bounds caller-supplied keys before they are hashed.
	MaxKeyLength = 255
)

// State is the outcome of a store Begin call.
type State string

const (
	// StateAcquired means the key was ABSENT and the caller now holds the
	// IN-FLIGHT lease.
	StateAcquired State = "acquired"
	StateInFlight State = "in_flight"
	StateCached   State = "cached"
)

// Response is a stored 2xx result.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type BeginResult struct {
	State  State
	Cached *Response
}

// Outcome tells the caller what to do with a request.
type Outcome int

const (
	// OutcomeProceed runs the handler without protection: the method is not
	// guarded, no key applies, or the store is unreachable.
	OutcomeProceed Outcome = iota
	// OutcomeExecute runs the handler under a lease that must be committed
	// or abandoned.
	OutcomeExecute
	// OutcomeReplay returns Decision.Cached without running the handler.
	OutcomeReplay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecute:
		return "execute"
	case OutcomeReplay:
		return "replay"
	default:
		return "proceed"
	}
}

// Lease is proof of the IN-FLIGHT marker for one key.
type Lease struct {
	Key   string
	Owner string
}

type Decision struct {
	Outcome Outcome
	Lease   *Lease
	Cached  *Response
}

// Guarded reports whether requests with method have side effects worth
// deduplicating.
func Guarded(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Cacheable reports whether a response status may be stored.
func Cacheable(status int) bool {
	return status >= 200 && status < 300
}
