// Package audit implements the append-only request audit trail: sequence
// assignment under a single serialization point, asynchronous delivery to a
// pluggable sink, and escalation of sink failures away from the request
// path.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal pipeline state an audit record describes.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeBadInput       Outcome = "bad_input"
	OutcomeExecutionError Outcome = "execution_error"
	OutcomeCancelled      Outcome = "cancelled"
)

// UnresolvedIdentity marks records for requests whose authentication never
// succeeded. Such records carry KeyHint instead of an identity.
const UnresolvedIdentity = "unresolved"

// Entry is what the pipeline knows about a finished request. Parameter
// values and raw key material never appear here; ParamDigest and KeyHint are
// one-way digests.
type Entry struct {
	Time        time.Time
	RequestID   string
	Identity    string
	KeyHint     string // redacted fingerprint of the presented key, unresolved requests only
	Tool        string
	ParamDigest string
	Outcome     Outcome
	Detail      string        // field name, scope, or cause category; free of raw input
	RetryAfter  time.Duration // rate-limited outcomes only
	Latency     time.Duration
}

// Record is an Entry with its assigned position in the trail. Records are
// created once, appended exactly once, and never mutated.
type Record struct {
	Seq uint64
	ID  uuid.UUID
	Entry
}

// Sink persists records in the order they are handed over. Implementations
// are driven by the recorder's single writer goroutine, so Append needs no
// internal ordering guarantees, but Flush and Close may race Append and must
// synchronize.
type Sink interface {
	Append(ctx context.Context, rec Record) error
	Flush(ctx context.Context) error
	Close() error
}
