package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrBufferFull is the internal error signalled when the delivery buffer
// overflows and a record is dropped.
var ErrBufferFull = errors.New("audit buffer full")

// Options tunes the recorder.
type Options struct {
	// Logger receives escalations (drops, sink failures). Defaults to
	// zap.NewNop.
	Logger *zap.Logger
	// BufferSize is the delivery queue capacity. Defaults to 1024.
	BufferSize int
	// StartSeq seeds the sequence counter so restarts against a durable sink
	// keep sequence numbers strictly increasing. The first record gets
	// StartSeq+1.
	StartSeq uint64
	// Meter, when set, registers drop and sink-error counters.
	Meter metric.Meter
}

// Recorder owns the audit trail's append cursor. Record assigns sequence
// numbers under a single mutex and hands records to a buffered queue drained
// by one writer goroutine, so slow sink I/O never blocks the request path,
// and queue order always equals sequence order.
type Recorder struct {
	enabled bool
	lg      *zap.Logger
	sink    Sink

	mu     sync.Mutex
	seq    uint64
	closed bool
	queue  chan Record

	done    chan struct{}
	dropped atomic.Uint64
	lastErr atomic.Pointer[error]

	droppedCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
}

// New builds an enabled recorder over sink. Call Start before the first
// Record and Close on shutdown.
func New(sink Sink, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	r := &Recorder{
		enabled: true,
		lg:      opts.Logger,
		sink:    sink,
		seq:     opts.StartSeq,
		queue:   make(chan Record, opts.BufferSize),
		done:    make(chan struct{}),
	}
	if opts.Meter != nil {
		var err error
		r.droppedCounter, err = opts.Meter.Int64Counter("audit.records.dropped",
			metric.WithDescription("Audit records dropped because the delivery buffer was full"))
		if err != nil {
			opts.Logger.Warn("register audit drop counter", zap.Error(err))
		}
		r.errorCounter, err = opts.Meter.Int64Counter("audit.sink.errors",
			metric.WithDescription("Failed audit sink appends"))
		if err != nil {
			opts.Logger.Warn("register audit error counter", zap.Error(err))
		}
	}
	return r
}

// NewDisabled returns a recorder whose Record only advances a synthetic
// counter; nothing is queued, no goroutine runs.
func NewDisabled() *Recorder {
	done := make(chan struct{})
	close(done)
	return &Recorder{lg: zap.NewNop(), done: done}
}

// Record assigns the next sequence number to e and schedules it for
// delivery. It never fails the caller: delivery problems are escalated
// through the logger, the error counters, and Err, not the return value.
func (r *Recorder) Record(e Entry) uint64 {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	if !r.enabled || r.closed {
		r.mu.Unlock()
		if r.enabled {
			r.drop(seq, errors.New("recorder closed"))
		}
		return seq
	}
	rec := Record{Seq: seq, ID: uuid.New(), Entry: e}
	select {
	case r.queue <- rec:
	default:
		r.mu.Unlock()
		r.drop(seq, ErrBufferFull)
		return seq
	}
	r.mu.Unlock()
	return seq
}

// Start launches the writer goroutine. Appends use a context derived from
// ctx that survives its cancellation, so records queued before shutdown
// still reach the sink during the drain.
func (r *Recorder) Start(ctx context.Context) {
	if !r.enabled {
		return
	}
	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		for rec := range r.queue {
			if err := r.sink.Append(wctx, rec); err != nil {
				r.escalate(rec.Seq, err)
				continue
			}
			r.lastErr.Store(nil)
		}
	}()
}

// Close stops intake, drains queued records, and flushes the sink. Bounded
// by ctx; records still queued when ctx expires are lost (and were already
// counted as accepted, which at-least-once delivery tolerates).
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.enabled {
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "drain audit queue")
	}
	if !r.enabled {
		return nil
	}
	if err := r.sink.Flush(ctx); err != nil {
		return errors.Wrap(err, "flush audit sink")
	}
	if err := r.sink.Close(); err != nil {
		return errors.Wrap(err, "close audit sink")
	}
	return nil
}

// Err reports the most recent sink append failure, or nil after the last
// append succeeded. Suitable as a readiness check.
func (r *Recorder) Err() error {
	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Dropped reports how many records were dropped since startup.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) drop(seq uint64, cause error) {
	r.dropped.Add(1)
	r.lastErr.Store(&cause)
	r.lg.Error("audit record dropped",
		zap.Uint64("seq", seq),
		zap.Error(cause),
	)
	if r.droppedCounter != nil {
		r.droppedCounter.Add(context.Background(), 1)
	}
}

func (r *Recorder) escalate(seq uint64, err error) {
	r.lastErr.Store(&err)
	r.lg.Error("audit sink append failed",
		zap.Uint64("seq", seq),
		zap.Error(err),
	)
	if r.errorCounter != nil {
		r.errorCounter.Add(context.Background(), 1)
	}
}
