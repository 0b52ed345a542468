package audit

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
)

// FileOptions tunes the file sink.
type FileOptions struct {
	// Logger receives rotation/compression failures. Defaults to zap.NewNop.
	Logger *zap.Logger
	// RotateBytes rotates the file once it reaches this size. Zero disables
	// rotation.
	RotateBytes int64
	// Compress gzips rotated segments in the background.
	Compress bool
}

// FileSink appends audit records as JSON lines to a single file, rotating
// and optionally compressing segments. The active file is only ever appended
// to; rotated segments are renamed aside and never rewritten.
type FileSink struct {
	path string
	opts FileOptions
	lg   *zap.Logger

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64

	compressors sync.WaitGroup
}

var _ Sink = (*FileSink)(nil)

// NewFileSink opens (or creates) the audit file in append mode.
func NewFileSink(path string, opts FileOptions) (*FileSink, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create audit directory")
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open audit file")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat audit file")
	}
	return &FileSink{
		path: path,
		opts: opts,
		lg:   opts.Logger,
		f:    f,
		w:    bufio.NewWriter(f),
		size: st.Size(),
	}, nil
}

// Append encodes rec as one JSON line and writes it to the active file,
// rotating first if the configured size was reached.
func (s *FileSink) Append(_ context.Context, rec Record) error {
	line := encodeRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.RotateBytes > 0 && s.size+int64(len(line)) > s.opts.RotateBytes && s.size > 0 {
		if err := s.rotate(); err != nil {
			return errors.Wrap(err, "rotate audit file")
		}
	}
	n, err := s.w.Write(line)
	s.size += int64(n)
	if err != nil {
		return errors.Wrap(err, "append audit record")
	}
	return nil
}

// LastSeq scans the active file and reports the highest sequence number in
// it, so a restart can keep numbering strictly increasing within the
// segment. Rotated segments are not consulted. Lines that do not decode,
// such as a line truncated by a crashed writer, are skipped.
func (s *FileSink) LastSeq(_ context.Context) (uint64, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, errors.Wrap(err, "open audit file")
	}
	defer f.Close()

	var last uint64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if seq, ok := decodeSeq(sc.Bytes()); ok && seq > last {
			last = seq
		}
	}
	if err := sc.Err(); err != nil {
		return 0, errors.Wrap(err, "scan audit file")
	}
	return last, nil
}

// decodeSeq extracts the seq field from one JSON line.
func decodeSeq(line []byte) (uint64, bool) {
	d := jx.DecodeBytes(line)
	var (
		seq   uint64
		found bool
	)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "seq" {
			return d.Skip()
		}
		v, err := d.UInt64()
		if err != nil {
			return err
		}
		seq, found = v, true
		return nil
	}); err != nil {
		return 0, false
	}
	return seq, found
}

// Flush drains the buffer and syncs the file.
func (s *FileSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, "flush audit buffer")
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(err, "sync audit file")
	}
	return nil
}

// Close flushes, waits for in-flight segment compression, and closes the
// file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.mu.Unlock()

	s.compressors.Wait()
	if flushErr != nil {
		return errors.Wrap(flushErr, "flush audit buffer")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "close audit file")
	}
	return nil
}

// rotate renames the active file aside with a timestamp suffix and starts a
// fresh one. Caller holds s.mu.
func (s *FileSink) rotate() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}

	rotated := s.path + "." + time.Now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(s.path, rotated); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.size = 0

	if s.opts.Compress {
		s.compressors.Add(1)
		go s.compress(rotated)
	}
	return nil
}

// compress gzips a rotated segment and removes the original. Failures leave
// the uncompressed segment in place.
func (s *FileSink) compress(path string) {
	defer s.compressors.Done()

	src, err := os.Open(path)
	if err != nil {
		s.lg.Error("open rotated audit segment", zap.String("path", path), zap.Error(err))
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		s.lg.Error("create compressed audit segment", zap.String("path", path), zap.Error(err))
		return
	}

	zw := pgzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.lg.Error("compress rotated audit segment", zap.String("path", path), zap.Error(err))
		os.Remove(path + ".gz")
		return
	}
	if err := os.Remove(path); err != nil {
		s.lg.Error("remove rotated audit segment", zap.String("path", path), zap.Error(err))
	}
}

// encodeRecord renders a record as a single JSON line. Zero-valued optional
// fields are omitted so the trail stays compact.
func encodeRecord(rec Record) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("seq", func(e *jx.Encoder) { e.UInt64(rec.Seq) })
		e.Field("id", func(e *jx.Encoder) { e.Str(rec.ID.String()) })
		e.Field("ts", func(e *jx.Encoder) { e.Str(rec.Time.UTC().Format(time.RFC3339Nano)) })
		if rec.RequestID != "" {
			e.Field("request_id", func(e *jx.Encoder) { e.Str(rec.RequestID) })
		}
		e.Field("identity", func(e *jx.Encoder) { e.Str(rec.Identity) })
		if rec.KeyHint != "" {
			e.Field("key_hint", func(e *jx.Encoder) { e.Str(rec.KeyHint) })
		}
		e.Field("tool", func(e *jx.Encoder) { e.Str(rec.Tool) })
		if rec.ParamDigest != "" {
			e.Field("param_digest", func(e *jx.Encoder) { e.Str(rec.ParamDigest) })
		}
		e.Field("outcome", func(e *jx.Encoder) { e.Str(string(rec.Outcome)) })
		if rec.Detail != "" {
			e.Field("detail", func(e *jx.Encoder) { e.Str(rec.Detail) })
		}
		if rec.RetryAfter > 0 {
			e.Field("retry_after_s", func(e *jx.Encoder) { e.Float64(rec.RetryAfter.Seconds()) })
		}
		e.Field("latency_ms", func(e *jx.Encoder) { e.Float64(float64(rec.Latency.Microseconds()) / 1000) })
	})
	return append(e.Bytes(), '\n')
}
