package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Manager owns one Controller per client identifier.
type Manager struct {
	cfg   Config
	deps  Deps
	clock clockwork.Clock

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	controllers map[string]*Controller
	stops       map[string]context.CancelFunc
	closed      bool
}

// NewManager returns a manager whose controllers run until ctx is cancelled
// or Shutdown is called.
func NewManager(ctx context.Context, cfg Config, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:         cfg,
		deps:        deps,
		clock:       clock,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*Controller),
		stops:       make(map[string]context.CancelFunc),
	}
}

// Controller returns the controller for clientID, starting one if needed.
// It returns nil after Shutdown.
func (m *Manager) Controller(clientID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if c, ok := m.controllers[clientID]; ok {
		return c
	}
	c := New(clientID, m.cfg, m.deps)
	ctx, stop := context.WithCancel(m.ctx)
	m.controllers[clientID] = c
	m.stops[clientID] = stop
	go c.Run(ctx)
	return c
}

// Sweep stops and forgets controllers that have had no session and no
// stream subscriber for at least maxQuiet. It returns how many were removed.
func (m *Manager) Sweep(maxQuiet time.Duration) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.controllers {
		since, ok := c.QuietSince()
		if !ok || now.Sub(since) < maxQuiet || c.hub.Len() > 0 {
			continue
		}
		m.stops[id]()
		delete(m.controllers, id)
		delete(m.stops, id)
		removed++
	}
	return removed
}

// Lookup returns an existing controller without creating one.
func (m *Manager) Lookup(clientID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[clientID]
	return c, ok
}

// Clients lists the known client identifiers.
func (m *Manager) Clients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.controllers))
	for id := range m.controllers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshots returns the current snapshot of every controller.
func (m *Manager) Snapshots() []Snapshot {
	ids := m.Clients()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.Lookup(id); ok {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

// Shutdown stops every controller and waits for their teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range controllers {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
