// Package sqlite provides a single-file audit sink for deployments that
// run without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pandalabs/panda-mcp/internal/gate/audit"
)

const insertRecordSQL = `INSERT INTO audit_records
	(seq, record_id, ts, request_id, identity, key_hint, tool_name, param_digest, outcome, detail, retry_after_s, latency_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const recentRecordsSQL = `SELECT seq, record_id, ts, request_id, identity, key_hint, tool_name, param_digest, outcome, detail, retry_after_s, latency_ms
	FROM audit_records ORDER BY seq DESC LIMIT ?`

var _ audit.Sink = (*AuditSink)(nil)

// Options configure the sqlite audit sink.
type Options struct {
	// RetentionDays drops records older than this many days. Zero keeps
	// the trail forever.
	RetentionDays int
}

// AuditSink persists audit records to a SQLite database file.
type AuditSink struct {
	db        *sql.DB
	retention time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAuditSink opens (or creates) the database at path and ensures the
// schema exists. WAL mode keeps concurrent readers off the writer's back.
func NewAuditSink(path string, opts Options) (*AuditSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating audit db: %w", err)
	}

	s := &AuditSink{
		db:   db,
		done: make(chan struct{}),
	}
	if opts.RetentionDays > 0 {
		s.retention = time.Duration(opts.RetentionDays) * 24 * time.Hour
		s.wg.Add(1)
		go s.retentionLoop()
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_records (
		seq           INTEGER PRIMARY KEY,
		record_id     TEXT NOT NULL,
		ts            DATETIME NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		identity      TEXT NOT NULL,
		key_hint      TEXT NOT NULL DEFAULT '',
		tool_name     TEXT NOT NULL,
		param_digest  TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		detail        TEXT NOT NULL DEFAULT '',
		retry_after_s REAL,
		latency_ms    REAL NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_identity_ts ON audit_records(identity, ts)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_records(ts)`)
	return err
}

// Append inserts one record.
func (s *AuditSink) Append(ctx context.Context, r audit.Record) error {
	var retryAfter any
	if r.RetryAfter > 0 {
		retryAfter = r.RetryAfter.Seconds()
	}
	_, err := s.db.ExecContext(ctx, insertRecordSQL,
		r.Seq, r.ID.String(), r.Time, r.RequestID, r.Identity, r.KeyHint,
		r.Tool, r.ParamDigest, string(r.Outcome), r.Detail,
		retryAfter, float64(r.Latency.Microseconds())/1000,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record %d: %w", r.Seq, err)
	}
	return nil
}

// LastSeq reports the highest persisted sequence number, or zero for an
// empty trail.
func (s *AuditSink) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_records`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading last audit seq: %w", err)
	}
	return uint64(seq), nil
}

// Recent returns up to limit records, newest first.
func (s *AuditSink) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, recentRecordsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var (
			r          audit.Record
			id         string
			retryAfter sql.NullFloat64
			latencyMS  float64
		)
		if err := rows.Scan(
			&r.Seq, &id, &r.Time, &r.RequestID, &r.Identity, &r.KeyHint,
			&r.Tool, &r.ParamDigest, &r.Outcome, &r.Detail,
			&retryAfter, &latencyMS,
		); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing record id %q: %w", id, err)
		}
		if retryAfter.Valid {
			r.RetryAfter = time.Duration(retryAfter.Float64 * float64(time.Second))
		}
		r.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup deletes records older than cutoff and reports how many went.
func (s *AuditSink) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Flush is a no-op; every Append is immediately durable.
func (s *AuditSink) Flush(context.Context) error { return nil }

// Close stops the retention goroutine and closes the database.
func (s *AuditSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *AuditSink) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), time.Now().Add(-s.retention))
		}
	}
}
