package sink

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/feedrun/feedrun/internal/domain"
	"github.com/feedrun/feedrun/internal/resilience"
)

// JSONLConfig configures the default file sink.
type JSONLConfig struct {
	DataRoot string `yaml:"data_root"`
	Compress bool   `yaml:"compress"`
}

// JSONLSink writes one file per (symbol, event kind, UTC date) under
// data_root/<symbol>/<kind>/<YYYY-MM-DD>.jsonl, optionally gzip-compressed.
// Each line is one canonical event. Compressed files are written as
// concatenated gzip members, one member per flush interval.
type JSONLSink struct {
	cfg   JSONLConfig
	retry resilience.RetryConfig

	mu      sync.Mutex
	writers map[string]*jsonlWriter
	closed  bool
}

type jsonlWriter struct {
	file *os.File
	buf  *bufio.Writer
	gz   *gzip.Writer
}

// NewJSONLSink creates the file sink rooted at cfg.DataRoot.
func NewJSONLSink(cfg JSONLConfig) (*JSONLSink, error) {
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("jsonl sink: data_root is required")
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("jsonl sink: create data root: %w", err)
	}
	return &JSONLSink{
		cfg:     cfg,
		retry:   resilience.DefaultRetryConfig(),
		writers: make(map[string]*jsonlWriter),
	}, nil
}

// WriteBatch appends the batch, one JSON line per event, routing each event
// to its (symbol, kind, date) file.
func (s *JSONLSink) WriteBatch(ctx context.Context, batch []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("jsonl sink: closed")
	}

	for i := range batch {
		ev := batch[i]
		line, err := json.Marshal(ev)
		if err != nil {
			// An unencodable event is a bug upstream; skip it rather than
			// fail the whole batch.
			log.Error().Err(err).Str("symbol", ev.Symbol).Str("type", string(ev.Type)).
				Msg("jsonl sink: dropping unencodable event")
			continue
		}
		w, err := s.writerFor(ev)
		if err != nil {
			return err
		}
		if err := s.writeLine(ctx, w, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) writerFor(ev domain.Event) (*jsonlWriter, error) {
	symbol := ev.CanonicalSymbol
	if symbol == "" {
		symbol = domain.CanonicalizeSymbol(ev.Symbol)
	}
	if symbol == "" {
		symbol = domain.SystemSymbol
	}
	kind := string(ev.Type)
	date := ev.Timestamp.UTC().Format("2006-01-02")

	key := symbol + "/" + kind + "/" + date
	if w, ok := s.writers[key]; ok {
		return w, nil
	}

	dir := filepath.Join(s.cfg.DataRoot, symbol, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonl sink: create %s: %w", dir, err)
	}

	name := date + ".jsonl"
	if s.cfg.Compress {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl sink: open %s: %w", path, err)
	}

	w := &jsonlWriter{file: f, buf: bufio.NewWriter(f)}
	s.writers[key] = w
	return w, nil
}

func (s *JSONLSink) writeLine(ctx context.Context, w *jsonlWriter, line []byte) error {
	return resilience.Retry(ctx, s.retry, "jsonl_write", func(ctx context.Context) error {
		var dst interface{ Write([]byte) (int, error) }
		if s.cfg.Compress {
			if w.gz == nil {
				w.gz = gzip.NewWriter(w.buf)
			}
			dst = w.gz
		} else {
			dst = w.buf
		}
		if _, err := dst.Write(line); err != nil {
			return resilience.Transient(err)
		}
		if _, err := dst.Write([]byte{'\n'}); err != nil {
			return resilience.Transient(err)
		}
		return nil
	})
}

// Flush finishes the current gzip member (when compressing), drains buffers
// and fsyncs every open file.
func (s *JSONLSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *JSONLSink) flushLocked() error {
	var firstErr error
	for key, w := range s.writers {
		if w.gz != nil {
			if err := w.gz.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("jsonl sink: finish gzip member %s: %w", key, err)
			}
			w.gz = nil
		}
		if err := w.buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("jsonl sink: flush %s: %w", key, err)
		}
		if err := w.file.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("jsonl sink: sync %s: %w", key, err)
		}
	}
	return firstErr
}

// Close flushes and closes all open files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.flushLocked()
	for _, w := range s.writers {
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.writers = nil
	return err
}
