package persistence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
)

// SavePolicyRule is a (window_seconds, min_changes) pair: the background
// policy loop triggers a save when dirty_count >= MinChanges AND the time
// since the last save is >= Window.
type SavePolicyRule struct {
	Window     time.Duration
	MinChanges uint32
}

// managerState enumerates the PersistenceManager lifecycle:
// Created -> Running -> Draining -> Stopped.
type managerState int32

const (
	stateCreated managerState = iota
	stateRunning
	stateDraining
	stateStopped
)

// defaultPolicyTick is the cadence at which the background policy loop
// evaluates save-policy rules.
const defaultPolicyTick = 1 * time.Second

// Manager is the policy engine for the persistence core: it counts
// mutations, evaluates save triggers against wall-clock time, orchestrates
// Snapshotter runs, and exposes the SAVE/BGSAVE/LASTSAVE surface to the
// command layer.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	store       Store
	snapshotter *Snapshotter
	policy      []SavePolicyRule
	enabled     bool
	policyTick  time.Duration

	dirtyCount   atomic.Int64
	lastSaveTime atomic.Int64 // unix seconds, 0 if never
	state        atomic.Int32

	stopPolicy chan struct{}
	wg         sync.WaitGroup // in-flight background saves + policy loop

	logger  *log.Logger
	metrics *metricsSet
}

// Config bundles the knobs NewManager needs beyond the Store and
// Snapshotter, mirroring the config package's rdb_* options.
type Config struct {
	Enabled    bool
	SavePolicy []SavePolicyRule
	PolicyTick time.Duration // 0 defaults to defaultPolicyTick
	Logger     *log.Logger
	MetricsReg prometheus.Registerer
}

// NewManager constructs a Manager in the Created state. Call Start to move
// it to Running and begin the background policy loop.
func NewManager(store Store, snapshotter *Snapshotter, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	tick := cfg.PolicyTick
	if tick <= 0 {
		tick = defaultPolicyTick
	}

	m := &Manager{
		store:       store,
		snapshotter: snapshotter,
		policy:      cfg.SavePolicy,
		enabled:     cfg.Enabled,
		policyTick:  tick,
		logger:      logger,
		metrics:     newMetricsSet(cfg.MetricsReg),
	}

	if snapshotter != nil && snapshotter.metrics == nil {
		snapshotter.metrics = m.metrics
	}

	if hookable, ok := store.(WriteHookable); ok {
		hookable.SetWriteHook(m.NoteWrite)
	}

	return m
}

// Start transitions the manager to Running and launches the background
// policy loop (no loop is launched if persistence is disabled or no rules
// are configured).
func (m *Manager) Start() {
	if !m.state.CompareAndSwap(int32(stateCreated), int32(stateRunning)) {
		return
	}
	m.stopPolicy = make(chan struct{})
	if m.enabled && len(m.policy) > 0 {
		m.wg.Add(1)
		go m.policyLoop()
	}
}

// NoteWrite records one mutating command. O(1), never blocks beyond an
// atomic increment.
func (m *Manager) NoteWrite() {
	m.dirtyCount.Add(1)
	m.metrics.dirtyCount.Set(float64(m.dirtyCount.Load()))
}

// Save implements SAVE: a synchronous save on the calling goroutine.
// When persistence is disabled it is a no-op that reports success.
func (m *Manager) Save() error {
	if managerState(m.state.Load()) != stateRunning {
		return ErrNotRunning
	}
	if !m.enabled {
		return nil
	}
	return m.runSave(func(store Store, hooks SaveHooks) (SaveReport, error) {
		return m.snapshotter.SaveSync(store, hooks)
	})
}

// BGSave implements BGSAVE: launches a background save and returns
// immediately with the reply text the command layer should send, or an
// error if one is already running or the manager is not accepting writes.
func (m *Manager) BGSave() (string, error) {
	if managerState(m.state.Load()) != stateRunning {
		return "", ErrNotRunning
	}
	if !m.enabled {
		return "Background RDB save started", nil
	}

	var baseline int64
	hooks := SaveHooks{OnCaptured: func() { baseline = m.dirtyCount.Load() }}

	handle, err := m.snapshotter.SaveBackground(m.store, hooks)
	if err != nil {
		return "", err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := handle.Join(); err != nil {
			m.logger.Error("background save failed", "err", err)
			return
		}
		m.onSaveComplete(baseline)
	}()

	return "Background RDB save started", nil
}

// runSave drives a synchronous-style save (used by both Save and the final
// shutdown save) through the given invocation, handling the baseline
// capture/reset dance described on onSaveComplete.
func (m *Manager) runSave(invoke func(Store, SaveHooks) (SaveReport, error)) error {
	var baseline int64
	hooks := SaveHooks{OnCaptured: func() { baseline = m.dirtyCount.Load() }}

	_, err := invoke(m.store, hooks)
	if err != nil {
		m.logger.Error("save failed", "err", err)
		return err
	}
	m.onSaveComplete(baseline)
	return nil
}

// onSaveComplete applies the counter-reset ordering:
// dirty_count -= baseline (not a naive reset to zero), then last_save_time
// is published only once the file is durable.
func (m *Manager) onSaveComplete(baseline int64) {
	m.dirtyCount.Add(-baseline)
	now := time.Now().Unix()
	m.lastSaveTime.Store(now)
	m.metrics.dirtyCount.Set(float64(m.dirtyCount.Load()))
	m.metrics.lastSaveUnix.Set(float64(now))
}

// LastSave implements LASTSAVE: the wall-clock second the last save
// completed, or 0 if none has. Unlike SAVE/BGSAVE this is a pure read and
// is accepted regardless of lifecycle state.
func (m *Manager) LastSave() uint64 {
	v := m.lastSaveTime.Load()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// DirtyCount returns the current mutation count since the last save.
// Exposed for tests and for the metrics endpoint.
func (m *Manager) DirtyCount() int64 {
	return m.dirtyCount.Load()
}

// Shutdown moves the manager to Draining, stops the policy loop, waits for
// any in-flight background save, performs one final synchronous save if
// persistence is enabled, and leaves the manager Stopped. It is idempotent.
func (m *Manager) Shutdown() error {
	if !m.state.CompareAndSwap(int32(stateRunning), int32(stateDraining)) {
		if managerState(m.state.Load()) == stateStopped {
			return nil
		}
	}
	if m.stopPolicy != nil {
		select {
		case <-m.stopPolicy:
		default:
			close(m.stopPolicy)
		}
	}
	m.wg.Wait()

	var err error
	if m.enabled {
		err = m.runSave(func(store Store, hooks SaveHooks) (SaveReport, error) {
			return m.snapshotter.SaveSync(store, hooks)
		})
	}
	m.state.Store(int32(stateStopped))
	return err
}

// policyLoop wakes on policyTick and triggers a background save whenever
// any configured rule is satisfied.
func (m *Manager) policyLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.policyTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.ruleDue() {
				if _, err := m.BGSave(); err != nil && err != ErrAlreadyInProgress {
					m.logger.Warn("policy-triggered save failed to start", "err", err)
				}
			}
		case <-m.stopPolicy:
			return
		}
	}
}

// ruleDue reports whether any save-policy rule's (window, min_changes)
// condition currently holds.
func (m *Manager) ruleDue() bool {
	dirty := m.dirtyCount.Load()
	last := m.lastSaveTime.Load()
	now := time.Now().Unix()
	for _, rule := range m.policy {
		if uint32(dirty) >= rule.MinChanges && time.Duration(now-last)*time.Second >= rule.Window {
			return true
		}
	}
	return false
}
