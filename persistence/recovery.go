package persistence

import (
	"errors"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// RecoveryLoader restores store state from a snapshot file on startup
// on startup. It never fails the calling process: corruption is
// reported via RecoveryOutcome and leaves the store empty.
type RecoveryLoader struct {
	logger *log.Logger
}

// NewRecoveryLoader creates a RecoveryLoader. A nil logger uses the charm
// default logger.
func NewRecoveryLoader(logger *log.Logger) *RecoveryLoader {
	if logger == nil {
		logger = log.Default()
	}
	return &RecoveryLoader{logger: logger}
}

// Recover validates the snapshot at path and restores it into store. now is
// the wall-clock time (ms since epoch) used to filter expired entries; the
// caller passes it explicitly so recovery is deterministic in tests.
func (r *RecoveryLoader) Recover(path string, store Store, nowMs int64) RecoveryOutcome {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RecoveryOutcome{Kind: OutcomeNoFile}
		}
		return RecoveryOutcome{Kind: OutcomeCorrupted, Reason: err}
	}

	entries, err := Decode(data)
	if err != nil {
		r.logger.Warn("snapshot corrupted, starting with empty dataset", "path", path, "reason", err)
		return RecoveryOutcome{Kind: OutcomeCorrupted, Reason: err}
	}

	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Expired(nowMs) {
			continue
		}
		kept = append(kept, e)
	}

	if err := store.Restore(kept); err != nil {
		r.logger.Warn("restore failed, dataset left empty", "path", path, "err", err)
		return RecoveryOutcome{Kind: OutcomeCorrupted, Reason: err}
	}

	r.logger.Info("snapshot restored", "path", path, "keys", len(kept))
	return RecoveryOutcome{Kind: OutcomeRestored, Keys: len(kept)}
}

// nowMillis is the production clock used by callers that don't need a
// deterministic override.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
