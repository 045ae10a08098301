package loop

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/config"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
)

// Factory builds the Callbacks for one owner's loop. Manager itself
// never calls a Factory: CreateLoop takes already-built Callbacks.
type Factory func(ownerID string) Callbacks

// Manager owns the set of running loops for either agents or looped
// artifacts, as a map of Loop state machines.
type Manager struct {
	mu        sync.RWMutex
	loops     map[string]*Loop
	cfg       config.AgentLoopConfig
	resources ResourceChecker
	logger    *logging.Logger
	onExit    func(ownerID string, report ExitReport)
}

// NewManager builds an empty Manager. onExit, if non-nil, is invoked
// (from a watcher goroutine StartOne spawns for each started loop)
// whenever a loop stops running — the
// supervisor wires itself in here to classify deaths and restart.
func NewManager(cfg config.AgentLoopConfig, resources ResourceChecker, logger *logging.Logger, onExit func(ownerID string, report ExitReport)) *Manager {
	return &Manager{
		loops:     make(map[string]*Loop),
		cfg:       cfg,
		resources: resources,
		logger:    logger,
		onExit:    onExit,
	}
}

// CreateLoop registers a new loop for ownerID if one doesn't already
// exist, returning the existing loop otherwise (idempotent by design —
// agent/artifact loop creation is a declare-if-absent operation, not a
// factory you call once per boot).
func (m *Manager) CreateLoop(ownerID string, callbacks Callbacks) *Loop {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.loops[ownerID]; ok {
		return existing
	}
	l := New(ownerID, m.cfg, callbacks, m.resources, m.logger)
	m.loops[ownerID] = l
	return l
}

// GetLoop returns the loop for ownerID, or nil.
func (m *Manager) GetLoop(ownerID string) *Loop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loops[ownerID]
}

// RemoveLoop stops (if running) and forgets a loop.
func (m *Manager) RemoveLoop(ownerID string, stopTimeout time.Duration) {
	m.mu.Lock()
	l, ok := m.loops[ownerID]
	delete(m.loops, ownerID)
	m.mu.Unlock()
	if ok {
		l.Stop(stopTimeout)
	}
}

// StartOne starts a single registered loop and wires its exit report to
// the Manager's onExit hook.
func (m *Manager) StartOne(ctx context.Context, ownerID string) {
	l := m.GetLoop(ownerID)
	if l == nil {
		return
	}
	exitCh := l.Start(ctx)
	if m.onExit == nil {
		return
	}
	go func() {
		report, ok := <-exitCh
		if !ok {
			return
		}
		m.onExit(ownerID, report)
	}()
}

// StartAll starts every registered loop.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.loops))
	for id := range m.loops {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.StartOne(ctx, id)
	}
}

// StopAll stops every running loop, each bounded by timeout.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.RLock()
	loops := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		loops = append(loops, l)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Stop(timeout)
		}(l)
	}
	wg.Wait()
}

// RunningCount returns how many loops have a live goroutine — a loop
// parked at PAUSED after a DUMB death doesn't count, even though it
// hasn't reached STOPPED (it may yet be restarted by the supervisor).
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.loops {
		if l.IsRunning() {
			n++
		}
	}
	return n
}

// PauseAll pauses every registered loop, for a driver-level pause signal.
func (m *Manager) PauseAll() {
	for _, l := range m.snapshotLoops() {
		l.Pause()
	}
}

// ResumeAll resumes every registered loop.
func (m *Manager) ResumeAll() {
	for _, l := range m.snapshotLoops() {
		l.Resume()
	}
}

func (m *Manager) snapshotLoops() []*Loop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		out = append(out, l)
	}
	return out
}

// LoopCount returns the number of registered loops, running or not.
func (m *Manager) LoopCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loops)
}

// GetAllStates snapshots every registered loop's state, keyed by owner.
func (m *Manager) GetAllStates() map[string]domain.LoopState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.LoopState, len(m.loops))
	for id, l := range m.loops {
		out[id] = l.State()
	}
	return out
}

// ArtifactSource provides the artifacts the manager should discover
// loops for; satisfied by *system/artifact.Store in production.
type ArtifactSource interface {
	ListAll() []*domain.Artifact
}

// DiscoverLoops creates (idempotently) a loop for every artifact that
// declares HasLoop and carries runnable code. Artifacts with HasLoop set
// but no code are treated as no-ops — there is nothing for this
// runtime to invoke.
func (m *Manager) DiscoverLoops(artifacts ArtifactSource, invoke func(art *domain.Artifact) InvokeFunc) {
	for _, art := range artifacts.ListAll() {
		if !art.HasLoop || art.Code == "" {
			continue
		}
		m.CreateLoop(art.ID, Callbacks{Invoke: invoke(art)})
	}
}
