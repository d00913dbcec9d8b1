package voice

import (
	"fmt"
	"sync"
)

type registration struct {
	id   uint64
	kind EventKind
}

func (r *registration) Kind() EventKind { return r.kind }

// Registry is a provider-side table of event handlers. Providers embed it to
// implement Subscribe and Unsubscribe.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind]map[uint64]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[EventKind]map[uint64]Handler)}
}

// Subscribe registers h for kind.
func (r *Registry) Subscribe(kind EventKind, h Handler) (Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler for %s", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	if r.handlers[kind] == nil {
		r.handlers[kind] = make(map[uint64]Handler)
	}
	r.handlers[kind][r.nextID] = h
	return &registration{id: r.nextID, kind: kind}, nil
}

// Unsubscribe removes sub. Subscriptions from other registries are ignored.
func (r *Registry) Unsubscribe(sub Subscription) {
	reg, ok := sub.(*registration)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers[reg.kind], reg.id)
}

// Count returns the number of handlers registered for kind.
func (r *Registry) Count(kind EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Total returns the number of registered handlers across all kinds.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, hs := range r.handlers {
		n += len(hs)
	}
	return n
}

// Emit delivers ev to every handler of its kind. Handlers run on the calling
// goroutine without the registry lock held, so they may unsubscribe.
func (r *Registry) Emit(ev Event) {
	r.mu.RLock()
	hs := make([]Handler, 0, len(r.handlers[ev.Kind]))
	for _, h := range r.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
