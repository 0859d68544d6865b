package monitor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/brojonat/tipwatch/service/notify"
)

// Info describes a monitor registered in a Scope.
type Info struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	State any    `json:"state"`
}

// Scope owns one notification store and every monitor created through it.
// Close stops every monitor and then tears down the store.
type Scope struct {
	deps  Deps
	store *notify.Store

	mu       sync.Mutex
	monitors map[string]Monitor
	order    []string
	closed   bool
}

// NewScope creates a scope whose monitors write into store. deps.Notifier is replaced
// by store.
func NewScope(deps Deps, store *notify.Store) *Scope {
	deps.Notifier = store
	return &Scope{
		deps:     deps.withDefaults(),
		store:    store,
		monitors: make(map[string]Monitor),
	}
}

// Store returns the scope's notification store.
func (s *Scope) Store() *notify.Store {
	return s.store
}

// Deps returns the collaborators handed to monitors created by the scope.
func (s *Scope) Deps() Deps {
	return s.deps
}

// NewTransactionMonitor creates and registers a transaction monitor.
func (s *Scope) NewTransactionMonitor(opts TransactionOptions) (string, *TransactionMonitor, error) {
	m := NewTransactionMonitor(s.deps, opts)
	id, err := s.register(m)
	return id, m, err
}

// NewBalanceMonitor creates and registers a balance monitor.
func (s *Scope) NewBalanceMonitor(opts BalanceOptions) (string, *BalanceMonitor, error) {
	m := NewBalanceMonitor(s.deps, opts)
	id, err := s.register(m)
	return id, m, err
}

// NewRelayMonitor creates and registers a relay monitor.
func (s *Scope) NewRelayMonitor(opts RelayOptions) (string, *RelayMonitor, error) {
	m := NewRelayMonitor(s.deps, opts)
	id, err := s.register(m)
	return id, m, err
}

func (s *Scope) register(m Monitor) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("scope is closed")
	}
	id := uuid.New().String()
	s.monitors[id] = m
	s.order = append(s.order, id)
	return id, nil
}

// Get returns the monitor registered under id.
func (s *Scope) Get(id string) (Monitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	return m, ok
}

// Remove stops and unregisters the monitor with the given id.
func (s *Scope) Remove(id string) bool {
	s.mu.Lock()
	m, ok := s.monitors[id]
	if ok {
		delete(s.monitors, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		m.Stop()
	}
	return ok
}

// List describes every registered monitor in registration order. kind filters by
// variant when non-empty.
func (s *Scope) List(kind Kind) []Info {
	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	monitors := make(map[string]Monitor, len(s.monitors))
	for id, m := range s.monitors {
		monitors[id] = m
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		m := monitors[id]
		if kind != "" && m.Kind() != kind {
			continue
		}
		out = append(out, Info{ID: id, Kind: m.Kind(), State: m.State()})
	}
	return out
}

// Kinds returns how many monitors of each variant are registered.
func (s *Scope) Kinds() map[Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]int)
	for _, m := range s.monitors {
		out[m.Kind()]++
	}
	return out
}

// Close stops every monitor, then closes the store. Later calls are no-ops.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.monitors))
	for id := range s.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	monitors := s.monitors
	s.monitors = make(map[string]Monitor)
	s.order = nil
	s.mu.Unlock()

	for _, id := range ids {
		monitors[id].Stop()
	}
	s.store.Close()
	s.deps.Logger.Info("monitor scope closed", "monitors_stopped", len(ids))
}
