package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	store    *Store
	lastSeen time.Time
}

// Registry owns one Store per client session id.
type Registry struct {
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	hooks   []func(id string)
}

// NewRegistry returns an empty registry creating stores from d.
func NewRegistry(d Deps) *Registry {
	return &Registry{
		deps:    d,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// OnClose registers fn to run after a session is closed, outside the registry lock.
func (r *Registry) OnClose(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Open creates a new client session.
func (r *Registry) Open() (string, *Store) {
	id := uuid.NewString()
	st := NewStore(r.deps)

	r.mu.Lock()
	r.entries[id] = &entry{store: st, lastSeen: r.now()}
	r.mu.Unlock()
	return id, st
}

// Get returns the session's store and marks it as recently used.
func (r *Registry) Get(id string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.store, true
}

// Touch marks the session as recently used without handing out its store.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		e.lastSeen = r.now()
	}
	return ok
}

// Close removes and tears down the session. It reports whether it existed.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	hooks := append([]func(string){}, r.hooks...)
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.store.Close()
	for _, h := range hooks {
		h(id)
	}
	return true
}

// Sweep closes sessions idle for longer than maxIdle and returns how many it closed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cut := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, e := range r.entries {
		if e.lastSeen.Before(cut) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range stale {
		if r.Close(id) {
			n++
		}
	}
	return n
}

// CloseAll tears down every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
