package session

import "sync"

// Observer receives the store's snapshot after every mutation.
type Observer func(Snapshot)

// Subscription identifies a registered observer.
type Subscription uint64

// Registry is the set of observers notified on snapshot changes.
// Delivery is synchronous and unordered, with no deduplication: an observer
// is called even when the new snapshot equals the previous one.
type Registry struct {
	mu        sync.Mutex
	next      Subscription
	observers map[Subscription]Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{observers: make(map[Subscription]Observer)}
}

// Subscribe registers fn and returns a handle for Unsubscribe.
func (r *Registry) Subscribe(fn Observer) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.observers[r.next] = fn
	return r.next
}

// Unsubscribe removes the observer. Unknown handles are ignored.
func (r *Registry) Unsubscribe(h Subscription) {
	r.mu.Lock()
	delete(r.observers, h)
	r.mu.Unlock()
}

// Notify calls every currently subscribed observer with snap. Observers run
// outside the registry lock, so they may subscribe or unsubscribe.
func (r *Registry) Notify(snap Snapshot) {
	r.mu.Lock()
	fns := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Len returns the number of subscribed observers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}
