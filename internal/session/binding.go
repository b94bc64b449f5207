package session

import (
	"context"
	"sync"
)

// Source is the part of the Store a Binding depends on.
type Source interface {
	Snapshot() Snapshot
	EnsureResolved(ctx context.Context) *Identity
	Subscribe(fn Observer) Subscription
	Unsubscribe(h Subscription)
}

// State is what a Binding exposes to its owner.
type State struct {
	Loading  bool
	Identity *Identity
}

// Binding connects one consumer (a view) to the shared Store for the
// duration of the consumer's lifetime.
type Binding struct {
	src Source

	mu        sync.Mutex
	state     State
	version   uint64
	sub       Subscription
	active    bool
	cancelled bool
	onChange  func(State)
}

// NewBinding creates an inactive binding over src. Its state reports
// Loading until activation syncs it with the store.
func NewBinding(src Source) *Binding {
	return &Binding{src: src, state: State{Loading: true}}
}

// OnChange sets a callback invoked after each applied snapshot. The callback
// runs synchronously in the notifying goroutine and must not block.
func (b *Binding) OnChange(fn func(State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Activate subscribes to the store, syncs with its current snapshot and, if
// the store is unresolved, starts resolving it in the background. The
// eventual notification delivers the result. Activating twice is a no-op.
func (b *Binding) Activate(ctx context.Context) {
	b.mu.Lock()
	if b.active || b.cancelled {
		b.mu.Unlock()
		return
	}
	b.active = true
	b.mu.Unlock()

	sub := b.src.Subscribe(b.apply)
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	snap := b.src.Snapshot()
	b.apply(snap)
	if !snap.Resolved {
		go b.src.EnsureResolved(context.WithoutCancel(ctx))
	}
}

// Deactivate unsubscribes and cancels the binding. Notifications that
// arrive afterwards are dropped. A deactivated binding cannot be reactivated.
func (b *Binding) Deactivate() {
	b.mu.Lock()
	wasActive := b.active
	b.active = false
	b.cancelled = true
	sub := b.sub
	b.mu.Unlock()

	if wasActive {
		b.src.Unsubscribe(sub)
	}
}

// State returns the binding's current view of the session.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Active reports whether the binding is subscribed.
func (b *Binding) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Binding) apply(snap Snapshot) {
	b.mu.Lock()
	if b.cancelled || snap.Version < b.version {
		b.mu.Unlock()
		return
	}
	b.version = snap.Version
	b.state = State{Loading: !snap.Resolved, Identity: snap.Identity}
	st := b.state
	fn := b.onChange
	b.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}
