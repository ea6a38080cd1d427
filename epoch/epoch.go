// Package epoch defers the release of retired table files until no reader
// that could still see them is active.
//
// Readers Enter an epoch before loading the current index snapshot and Exit
// it when done. A writer that publishes a snapshot which no longer
// references a table Retires it and then Advances the epoch. The table's
// cleanup runs once every reader that entered at or before its retirement
// epoch has exited.
package epoch

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// CleanupFunc releases a resource once it is safe to do so.
type CleanupFunc func() error

// ResourceWindow tracks the lifecycle of a resource using xmin/xmax epochs.
type ResourceWindow struct {
	ID      string
	Xmin    uint64 // epoch the resource was registered in
	Xmax    uint64 // epoch it was retired in, 0 while live
	retired bool
	cleanup CleanupFunc
}

// Manager is one epoch domain. The zero value is not usable; call NewManager.
type Manager struct {
	current atomic.Uint64

	// readers maps epoch -> *atomic.Int32 of readers inside it
	readers sync.Map

	mu        sync.Mutex
	resources map[string]*ResourceWindow

	logger *slog.Logger
}

// NewManager returns a manager starting at epoch 1. Cleanup failures are
// logged to logger, which may be nil.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		resources: make(map[string]*ResourceWindow),
		logger:    logger,
	}
	m.current.Store(1)
	return m
}

// Enter registers a reader in the current epoch and returns it. Callers
// must pass the result to Exit.
func (m *Manager) Enter() uint64 {
	for {
		e := m.current.Load()
		c, _ := m.readers.LoadOrStore(e, &atomic.Int32{})
		c.(*atomic.Int32).Add(1)

		// The epoch may have moved between the load and the increment.
		if e == m.current.Load() {
			return e
		}
		c.(*atomic.Int32).Add(-1)
	}
}

// Exit leaves epoch e.
func (m *Manager) Exit(e uint64) {
	if c, ok := m.readers.Load(e); ok {
		c.(*atomic.Int32).Add(-1)
	}
}

// Current returns the current epoch.
func (m *Manager) Current() uint64 {
	return m.current.Load()
}

// Advance moves to a new epoch and returns it.
func (m *Manager) Advance() uint64 {
	return m.current.Add(1)
}

// Register starts tracking a live resource. Registering an ID twice
// replaces the earlier window.
func (m *Manager) Register(id string, cleanup CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[id] = &ResourceWindow{
		ID:      id,
		Xmin:    m.current.Load(),
		cleanup: cleanup,
	}
}

// Retire marks a resource as no longer reachable from new snapshots.
// Unknown IDs and repeated calls are ignored.
func (m *Manager) Retire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.resources[id]; ok && !w.retired {
		w.retired = true
		w.Xmax = m.current.Load()
	}
}

// Exists reports whether id is registered and not yet cleaned up.
func (m *Manager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resources[id]
	return ok
}

// OldestActive returns the oldest epoch with a reader inside it, or
// ^uint64(0) if there are none.
func (m *Manager) OldestActive() uint64 {
	oldest := ^uint64(0)
	m.readers.Range(func(k, v any) bool {
		if e := k.(uint64); v.(*atomic.Int32).Load() > 0 && e < oldest {
			oldest = e
		}
		return true
	})
	return oldest
}

// TryCleanup runs the cleanup of every retired resource no active reader
// can still reach and returns how many ran.
func (m *Manager) TryCleanup() int {
	oldest := m.OldestActive()

	m.mu.Lock()
	var ready []*ResourceWindow
	for id, w := range m.resources {
		if w.retired && w.Xmax < oldest {
			ready = append(ready, w)
			delete(m.resources, id)
		}
	}
	m.mu.Unlock()

	for _, w := range ready {
		if w.cleanup == nil {
			continue
		}
		if err := w.cleanup(); err != nil {
			m.logger.Error("epoch cleanup failed", "resource", w.ID, "xmin", w.Xmin, "xmax", w.Xmax, "error", err)
		}
	}

	m.prune()
	return len(ready)
}

// prune drops reader counters of past epochs that nobody is inside. A
// reader racing with the delete re-checks the current epoch and retries.
func (m *Manager) prune() {
	cur := m.current.Load()
	m.readers.Range(func(k, v any) bool {
		if k.(uint64) < cur && v.(*atomic.Int32).Load() == 0 {
			m.readers.Delete(k)
		}
		return true
	})
}

// Pending returns the number of retired resources still waiting for cleanup.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.resources {
		if w.retired {
			n++
		}
	}
	return n
}

// Drain runs the cleanup of every retired resource regardless of readers.
// Only for shutdown, after all readers are gone.
func (m *Manager) Drain() int {
	m.mu.Lock()
	var ready []*ResourceWindow
	for id, w := range m.resources {
		if w.retired {
			ready = append(ready, w)
			delete(m.resources, id)
		}
	}
	m.mu.Unlock()
	for _, w := range ready {
		if w.cleanup != nil {
			if err := w.cleanup(); err != nil {
				m.logger.Error("epoch cleanup failed", "resource", w.ID, "error", err)
			}
		}
	}
	return len(ready)
}

// Stats returns the number of epochs with reader counters and the number of
// tracked resources, live and retired.
func (m *Manager) Stats() (epochs, resources int) {
	m.readers.Range(func(_, _ any) bool {
		epochs++
		return true
	})
	m.mu.Lock()
	resources = len(m.resources)
	m.mu.Unlock()
	return epochs, resources
}
