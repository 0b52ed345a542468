// Package export writes market data snapshots to disk as CSV or JSON
// files, optionally gzip-compressed for large kline ranges.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
)

const timestampLayout = "20060102_150405"

// Result describes a completed export.
type Result struct {
	Path       string   `json:"file_path"`
	Records    int      `json:"records_exported"`
	SizeBytes  int64    `json:"file_size_bytes"`
	Format     string   `json:"format"`
	Columns    []string `json:"columns,omitempty"`
	Compressed bool     `json:"compressed,omitempty"`
}

// Exporter writes files into a fixed output directory, creating it on
// first use.
type Exporter struct {
	dir      string
	compress bool
	now      func() time.Time
}

// New builds an exporter writing into dir. When compress is true, files are
// gzipped unless a call explicitly opts out.
func New(dir string, compress bool) *Exporter {
	return &Exporter{dir: dir, compress: compress, now: time.Now}
}

// Dir returns the configured output directory.
func (e *Exporter) Dir() string { return e.dir }

// DefaultCompress reports whether exports are compressed when the caller
// does not say either way.
func (e *Exporter) DefaultCompress() bool { return e.compress }

// Filename builds the conventional export name,
// exchange_kind[_symbol]_timestamp.ext.
func (e *Exporter) Filename(exchange, kind, symbol, ext string) string {
	parts := []string{exchange, kind}
	if symbol != "" {
		parts = append(parts, symbol)
	}
	parts = append(parts, e.now().Format(timestampLayout))
	return strings.Join(parts, "_") + "." + ext
}

// WriteCSV writes a header row followed by the data rows.
func (e *Exporter) WriteCSV(name string, header []string, rows [][]string, compress bool) (*Result, error) {
	if len(rows) == 0 {
		return nil, errors.New("nothing to export")
	}

	path, file, w, err := e.open(name, compress)
	if err != nil {
		return nil, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "write header")
	}
	if err := cw.WriteAll(rows); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "write rows")
	}

	size, err := finish(file, w)
	if err != nil {
		return nil, err
	}
	return &Result{
		Path:       path,
		Records:    len(rows),
		SizeBytes:  size,
		Format:     "csv",
		Columns:    header,
		Compressed: compress,
	}, nil
}

// WriteJSON marshals v with indentation. The caller supplies the record
// count since v may be a struct wrapping the actual rows.
func (e *Exporter) WriteJSON(name string, v any, records int, compress bool) (*Result, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}

	path, file, w, err := e.open(name, compress)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, "write")
	}

	size, err := finish(file, w)
	if err != nil {
		return nil, err
	}
	return &Result{
		Path:       path,
		Records:    records,
		SizeBytes:  size,
		Format:     "json",
		Compressed: compress,
	}, nil
}

func (e *Exporter) open(name string, compress bool) (string, *os.File, io.WriteCloser, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", nil, nil, errors.Wrap(err, "create export dir")
	}
	if compress && !strings.HasSuffix(name, ".gz") {
		name += ".gz"
	}

	path := filepath.Join(e.dir, filepath.Base(name))
	file, err := os.Create(path)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "create export file")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	var w io.WriteCloser = file
	if compress {
		w = pgzip.NewWriter(file)
	}
	return path, file, w, nil
}

// finish closes the compressor before the file so trailing gzip blocks
// are flushed, then reports the final size.
func finish(file *os.File, w io.WriteCloser) (int64, error) {
	if w != io.WriteCloser(file) {
		if err := w.Close(); err != nil {
			_ = file.Close()
			return 0, errors.Wrap(err, "flush")
		}
	}
	if err := file.Close(); err != nil {
		return 0, errors.Wrap(err, "close")
	}
	st, err := os.Stat(file.Name())
	if err != nil {
		return 0, errors.Wrap(err, "stat")
	}
	return st.Size(), nil
}
