package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pandalabs/panda-mcp/internal/gate/audit"
)

const insertAuditRecordSQL = `INSERT INTO audit_records
	(seq, record_id, ts, request_id, identity, key_hint, tool_name, param_digest, outcome, detail, retry_after, latency_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const lastAuditSeqSQL = `SELECT COALESCE(MAX(seq), 0) FROM audit_records`

var _ audit.Sink = (*AuditSink)(nil)

// AuditSink persists audit records to the audit_records table.
type AuditSink struct {
	pool *pgxpool.Pool
}

// NewAuditSink returns an AuditSink that uses the given pool.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Append inserts one record. Durations are stored as NUMERIC seconds and
// milliseconds so sub-millisecond latencies survive the round trip.
func (s *AuditSink) Append(ctx context.Context, r audit.Record) error {
	var retryAfter *decimal.Decimal
	if r.RetryAfter > 0 {
		d := decimal.NewFromFloat(r.RetryAfter.Seconds()).Round(3)
		retryAfter = &d
	}
	latency := decimal.NewFromFloat(float64(r.Latency.Microseconds()) / 1000).Round(3)

	_, err := s.pool.Exec(ctx, insertAuditRecordSQL,
		r.Seq, r.ID, r.Time, r.RequestID, r.Identity, r.KeyHint,
		r.Tool, r.ParamDigest, string(r.Outcome), r.Detail, retryAfter, latency,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record %d: %w", r.Seq, err)
	}
	return nil
}

// LastSeq reports the highest persisted sequence number, or zero for an
// empty trail. Restarts seed the recorder with it so numbering stays
// strictly increasing across process lifetimes.
func (s *AuditSink) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, lastAuditSeqSQL).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading last audit seq: %w", err)
	}
	return uint64(seq), nil
}

// Flush is a no-op; every Append is immediately durable.
func (s *AuditSink) Flush(context.Context) error { return nil }

// Close is a no-op; the pool is owned by the caller.
func (s *AuditSink) Close() error { return nil }
