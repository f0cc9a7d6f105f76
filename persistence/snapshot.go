package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// SaveReport summarizes one completed save.
type SaveReport struct {
	KeysWritten int
	Duration    time.Duration
}

// SaveHooks lets a caller observe specific points in the save protocol
// without the Snapshotter needing to know about PersistenceManager's
// counter bookkeeping.
type SaveHooks struct {
	// OnCaptured is invoked immediately after Store.Snapshot() returns
	// (right after the store snapshot is captured), before the codec or filesystem is touched.
	// PersistenceManager uses this to capture the dirty_count baseline
	// matching the counter-reset ordering Manager.onSaveComplete implements.
	OnCaptured func()
}

// Handle is returned by SaveBackground; it lets the caller poll or block on
// a background save's completion.
type Handle struct {
	done   chan struct{}
	report SaveReport
	err    error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(report SaveReport, err error) {
	h.report = report
	h.err = err
	close(h.done)
}

// Join blocks until the background save completes and returns its result.
func (h *Handle) Join() (SaveReport, error) {
	<-h.done
	return h.report, h.err
}

// Done reports whether the background save has completed, without blocking.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Snapshotter produces a snapshot file reflecting a consistent view of a
// Store. It enforces at-most-one concurrent save via a
// mutex: SaveSync acquires it blockingly (SAVE serializes behind a running
// BGSAVE), SaveBackground acquires it with TryLock and fails
// fast with ErrAlreadyInProgress.
type Snapshotter struct {
	path string
	opts Options

	mu sync.Mutex

	logger  *log.Logger
	metrics *metricsSet
}

// NewSnapshotter creates a Snapshotter that writes to path using opts.
// The containing directory must already exist; callers typically create it
// once at startup (see internal/config).
func NewSnapshotter(path string, opts Options, logger *log.Logger, metrics *metricsSet) *Snapshotter {
	if logger == nil {
		logger = log.Default()
	}
	return &Snapshotter{path: path, opts: opts, logger: logger, metrics: metrics}
}

// SaveSync blocks until the snapshot is durable, guaranteeing invariant 3
// (atomic install). It waits for any in-progress background save to finish
// before starting its own.
func (s *Snapshotter) SaveSync(store Store, hooks SaveHooks) (SaveReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(store, hooks)
}

// SaveBackground spawns a goroutine that performs the save and returns a
// Handle immediately. It fails fast with ErrAlreadyInProgress if another
// save (sync or background) is already running.
func (s *Snapshotter) SaveBackground(store Store, hooks SaveHooks) (*Handle, error) {
	if !s.mu.TryLock() {
		return nil, ErrAlreadyInProgress
	}
	h := newHandle()
	go func() {
		defer s.mu.Unlock()
		report, err := s.run(store, hooks)
		h.complete(report, err)
	}()
	return h, nil
}

// run executes the capture-encode-write steps of the save protocol. The caller must
// already hold s.mu.
func (s *Snapshotter) run(store Store, hooks SaveHooks) (report SaveReport, err error) {
	start := time.Now()
	defer func() {
		s.metrics.observeSave(err == nil, time.Since(start).Seconds())
	}()

	entries, serr := store.Snapshot()
	if serr != nil {
		err = &SaveError{Phase: "io", Err: serr}
		return SaveReport{}, err
	}
	if hooks.OnCaptured != nil {
		hooks.OnCaptured()
	}

	data, eerr := Encode(entries, s.opts)
	if eerr != nil {
		err = &SaveError{Phase: "encode", Err: eerr}
		return SaveReport{}, err
	}

	if werr := writeAtomic(s.path, data); werr != nil {
		s.logger.Error("snapshot write failed", "path", s.path, "err", werr)
		err = &SaveError{Phase: "io", Err: werr}
		return SaveReport{}, err
	}

	report = SaveReport{KeysWritten: len(entries), Duration: time.Since(start)}
	s.logger.Debug("snapshot saved", "path", s.path, "keys", report.KeysWritten, "duration", report.Duration)
	return report, nil
}

var tmpNonce atomic.Uint64

// writeAtomic writes data to a temp file beside path, fsyncs it, renames it
// over path, and fsyncs the containing directory so the rename itself is
// durable. On any failure the temp file is removed
// best-effort and the prior contents of path are left untouched.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), tmpNonce.Add(1))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}

	return nil
}
