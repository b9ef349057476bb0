// Package tracing records a rolling runtime trace of an rbox command so a
// slow rebuild or expunge pass can be inspected with `go tool trace`.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// DefaultMinAge is how much trace history is kept at least.
const DefaultMinAge = 30 * time.Second

// ErrStopped is returned when a snapshot is requested from a stopped recorder.
var ErrStopped = errors.New("trace recorder stopped")

// Config configures a Recorder.
type Config struct {
	MaxBytes int
	MinAge   time.Duration
}

// Recorder wraps a runtime flight recorder.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	cfg Config
}

// Start starts recording. Only one recorder can run per process.
func Start(cfg Config) (*Recorder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultBufferSize
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   cfg.MinAge,
		MaxBytes: uint64(cfg.MaxBytes),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{fr: fr, cfg: cfg}, nil
}

// Running reports whether the recorder has not been stopped.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// WriteTo writes the buffered trace to w.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr == nil {
		return 0, ErrStopped
	}
	return r.fr.WriteTo(w)
}

// WriteFile writes the buffered trace to path through a temp file, so a
// reader never sees a partial trace.
func (r *Recorder) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".trace-*")
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := r.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write trace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Stop stops recording. It is safe to call Stop multiple times.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
