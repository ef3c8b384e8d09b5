// Package inflight tracks the alarm keys this node is currently working on.
package inflight

import (
	"sync"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Entry is the registry slot held for one key. A pending timer can be attached
// so the slot can be cancelled before its task starts.
type Entry struct {
	mu      sync.Mutex
	stop    func() bool
	started bool

	// afterRelease is guarded by the registry lock.
	afterRelease func()
}

// Arm attaches the function that cancels the pending start of the task.
func (e *Entry) Arm(stop func() bool) {
	e.mu.Lock()
	e.stop = stop
	e.mu.Unlock()
}

// Start marks the task as running. After Start the entry can no longer be
// cancelled; it is released by the task itself.
func (e *Entry) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return false
	}
	e.started = true
	return true
}

func (e *Entry) cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return false
	}
	if e.stop != nil && !e.stop() {
		return false
	}
	e.started = true
	return true
}

// Registry is a concurrent set of keys owned by this node.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.Key]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[domain.Key]*Entry)}
}

// TryAdd claims the key. It returns nil when another task already owns it.
func (r *Registry) TryAdd(key domain.Key) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return nil
	}
	e := &Entry{}
	r.entries[key] = e
	return e
}

// Remove releases the key. It reports whether the key was present. A
// function registered with OnRelease runs after the key is free.
func (r *Registry) Remove(key domain.Key) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	next := e.afterRelease
	e.afterRelease = nil
	r.mu.Unlock()

	if next != nil {
		next()
	}
	return true
}

// OnRelease makes fn run once the current owner of key removes it, replacing
// an earlier fn for the same key. It returns false, keeping nothing, when the
// key is not owned. Cancel drops fn together with the entry.
func (r *Registry) OnRelease(key domain.Key, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.afterRelease = fn
	return true
}

// Contains reports whether the key is currently owned.
func (r *Registry) Contains(key domain.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Cancel stops the pending tasks of every key matched by match and releases
// those keys. Tasks that already started are left alone and release their own
// key when they finish. It returns the cancelled keys.
func (r *Registry) Cancel(match func(domain.Key) bool) []domain.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cancelled []domain.Key
	for key, e := range r.entries {
		if !match(key) {
			continue
		}
		if e.cancel() {
			e.afterRelease = nil
			delete(r.entries, key)
			cancelled = append(cancelled, key)
		}
	}
	return cancelled
}

// Len returns the number of owned keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
