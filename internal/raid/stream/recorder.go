package stream

// Archive recorder
// ----------------
// Append-only file sink for the raw container bytes of one stream session.
// The client's chunks are self-describing, so no container framing is added
// here. Graceful degradation: on any write error the recorder disables
// itself and later writes no-op, leaving the live pipeline unaffected.

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Recorder persists binary video chunks into a single archive file.
type Recorder struct {
	mu           sync.Mutex
	w            io.WriteCloser
	logger       *slog.Logger
	bytesWritten uint64
}

// NewRecorder creates a recorder appending to the supplied file path. If file
// creation fails it returns a nil *Recorder and the error.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder.create: %w", err)
	}
	return &Recorder{w: f, logger: logger}, nil
}

// newRecorderWithWriter allows tests to inject a failing writer (disk full simulation).
func newRecorderWithWriter(w io.WriteCloser, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{w: w, logger: logger}
}

// Disabled returns true once the recorder no longer accepts writes: after a
// fatal write error or after Close.
func (r *Recorder) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w == nil
}

// Write appends one chunk. Safe to call after a failure; it no-ops when disabled.
func (r *Recorder) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil { // disabled
		return
	}
	if _, err := r.w.Write(chunk); err != nil {
		r.logger.Error("recorder write failed", "err", err)
		r.closeLocked()
		return
	}
	r.bytesWritten += uint64(len(chunk))
}

// BytesWritten returns the number of bytes successfully appended.
func (r *Recorder) BytesWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesWritten
}

// Close releases the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.w == nil {
		return nil
	}
	err := r.w.Close()
	r.w = nil
	return err
}
