package notify

import (
	"slices"
	"sync"
	"sync/atomic"
)

type scope int

const (
	scopeGlobal scope = iota
	scopeType
	scopeKey
)

// Entry is one registered listener.
type Entry[L any] struct {
	Listener L

	reg     *Registry[L]
	scope   scope
	name    string
	removed atomic.Bool
}

// Active reports whether the entry has not been removed. Dispatchers check it
// right before every invocation.
func (e *Entry[L]) Active() bool { return !e.removed.Load() }

// Remove unregisters the listener. Safe to call concurrently with dispatch
// and more than once.
func (e *Entry[L]) Remove() {
	if e.removed.Swap(true) {
		return
	}
	e.reg.remove(e)
}

// Registry holds listeners registered globally, per type name and per key
// (usually a record id).
//
// Lists are copy-on-write: Match returns a slice that later registrations and
// removals never modify.
type Registry[L any] struct {
	mu     sync.RWMutex
	global []*Entry[L]
	byType map[string][]*Entry[L]
	byKey  map[string][]*Entry[L]
}

// NewRegistry creates an empty registry.
func NewRegistry[L any]() *Registry[L] {
	return &Registry[L]{
		byType: make(map[string][]*Entry[L]),
		byKey:  make(map[string][]*Entry[L]),
	}
}

// AddGlobal registers a listener for every event.
func (r *Registry[L]) AddGlobal(l L) *Entry[L] {
	e := &Entry[L]{Listener: l, reg: r, scope: scopeGlobal}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(slices.Clip(r.global), e)
	return e
}

// AddType registers a listener for events of exactly the named type.
func (r *Registry[L]) AddType(typ string, l L) *Entry[L] {
	e := &Entry[L]{Listener: l, reg: r, scope: scopeType, name: typ}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typ] = append(slices.Clip(r.byType[typ]), e)
	return e
}

// AddKey registers a listener for events of one key.
func (r *Registry[L]) AddKey(key string, l L) *Entry[L] {
	e := &Entry[L]{Listener: l, reg: r, scope: scopeKey, name: key}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = append(slices.Clip(r.byKey[key]), e)
	return e
}

func (r *Registry[L]) remove(e *Entry[L]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drop := func(list []*Entry[L]) []*Entry[L] {
		return slices.DeleteFunc(slices.Clone(list), func(x *Entry[L]) bool { return x == e })
	}
	switch e.scope {
	case scopeGlobal:
		r.global = drop(r.global)
	case scopeType:
		if list := drop(r.byType[e.name]); len(list) > 0 {
			r.byType[e.name] = list
		} else {
			delete(r.byType, e.name)
		}
	case scopeKey:
		if list := drop(r.byKey[e.name]); len(list) > 0 {
			r.byKey[e.name] = list
		} else {
			delete(r.byKey, e.name)
		}
	}
}

// Match returns the listeners for an event of typ on key: global listeners
// first, then type listeners, then key listeners, each in registration order.
func (r *Registry[L]) Match(typ, key string) []*Entry[L] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Concat(r.global, r.byType[typ], r.byKey[key])
}

// Len returns the number of registered listeners.
func (r *Registry[L]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.global)
	for _, list := range r.byType {
		n += len(list)
	}
	for _, list := range r.byKey {
		n += len(list)
	}
	return n
}
