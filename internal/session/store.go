package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// Snapshot is the store's current view of the session.
type Snapshot struct {
	Identity *Identity // nil when unauthenticated or unresolved
	Resolved bool      // false only before the first fetch settles, or after Invalidate
	// Version increases with every mutation. Observers use it to discard
	// snapshots older than one they have already applied.
	Version uint64
}

// Store caches the current user for one tab. All concurrent callers that
// need a fetch share a single in-flight request.
//
// Observers are notified synchronously before the mutating call returns and
// must not call mutating Store methods from inside the callback.
type Store struct {
	fetcher  Fetcher
	clock    clock.Clock
	registry *Registry
	sf       singleflight.Group

	mu        sync.Mutex
	snap      Snapshot
	fetchedAt time.Time
	// flight keys the singleflight group; bumping it detaches the in-flight
	// fetch so the next caller starts a new one.
	flight uint64
	// epoch is bumped by Invalidate. Fetches started in an older epoch do
	// not commit their result.
	epoch uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for freshness checks.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithRegistry sets the subscription registry the store notifies.
func WithRegistry(r *Registry) StoreOption {
	return func(s *Store) { s.registry = r }
}

// NewStore creates an unresolved store that fetches through f.
func NewStore(f Fetcher, opts ...StoreOption) *Store {
	s := &Store{fetcher: f}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s
}

// Snapshot returns the current state without side effects.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// LastFetch returns when the cached identity was last written (zero if never).
func (s *Store) LastFetch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchedAt
}

// Subscribe registers an observer with the store's registry.
func (s *Store) Subscribe(fn Observer) Subscription { return s.registry.Subscribe(fn) }

// Unsubscribe removes an observer from the store's registry.
func (s *Store) Unsubscribe(h Subscription) { s.registry.Unsubscribe(h) }

// EnsureResolved returns the cached identity if the store is resolved;
// otherwise it joins (or starts) the single in-flight fetch.
func (s *Store) EnsureResolved(ctx context.Context) *Identity {
	s.mu.Lock()
	if s.snap.Resolved {
		id := s.snap.Identity
		s.mu.Unlock()
		storeOperationsTotal.WithLabelValues("ensure_resolved", "hit").Inc()
		return id
	}
	ch := s.joinLocked(ctx)
	s.mu.Unlock()
	return s.await(ctx, ch, "ensure_resolved")
}

// RefreshNow fetches regardless of the resolved flag, sharing any fetch
// already in flight.
func (s *Store) RefreshNow(ctx context.Context) *Identity {
	s.mu.Lock()
	ch := s.joinLocked(ctx)
	s.mu.Unlock()
	return s.await(ctx, ch, "refresh_now")
}

// EnsureFresh returns the cached identity when it was fetched at most maxAge
// ago; otherwise it behaves like RefreshNow. An unresolved store behaves like
// EnsureResolved.
func (s *Store) EnsureFresh(ctx context.Context, maxAge time.Duration) *Identity {
	s.mu.Lock()
	if s.snap.Resolved && s.clock.Since(s.fetchedAt) <= maxAge {
		id := s.snap.Identity
		s.mu.Unlock()
		storeOperationsTotal.WithLabelValues("ensure_fresh", "hit").Inc()
		return id
	}
	ch := s.joinLocked(ctx)
	s.mu.Unlock()
	return s.await(ctx, ch, "ensure_fresh")
}

// SetIdentity writes id (nil for logged out) as the resolved identity and
// detaches any in-flight fetch. A detached fetch that settles later still
// overwrites the cache: the last write wins.
func (s *Store) SetIdentity(id *Identity) {
	s.mu.Lock()
	s.flight++
	s.snap.Identity = id
	s.snap.Resolved = true
	s.fetchedAt = s.clock.Now()
	s.publishLocked()
}

// Invalidate resets the store to its initial unresolved state. A fetch that
// was in flight is detached and its result discarded.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.flight++
	s.epoch++
	s.snap.Identity = nil
	s.snap.Resolved = false
	s.fetchedAt = time.Time{}
	s.publishLocked()
}

// joinLocked returns the result channel of the current flight, starting the
// fetch if none is running. Must be called with s.mu held.
func (s *Store) joinLocked(ctx context.Context) <-chan singleflight.Result {
	epoch, flight := s.epoch, s.flight
	key := strconv.FormatUint(flight, 10)
	// The fetch outlives any single caller; only the fetcher's own timeout applies.
	fetchCtx := context.WithoutCancel(ctx)
	return s.sf.DoChan(key, func() (any, error) {
		id := s.fetcher.FetchIdentity(fetchCtx)
		s.commit(epoch, flight, id)
		return id, nil
	})
}

// commit stores a fetched identity unless the store was invalidated after
// the fetch started.
func (s *Store) commit(epoch, flight uint64, id *Identity) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		slog.Debug("discarding identity fetched before invalidation")
		return
	}
	// A committed flight is finished even though singleflight still holds
	// its key until fn returns; later callers must not join it. A flight
	// already detached by SetIdentity leaves the current one joinable.
	if flight == s.flight {
		s.flight++
	}
	s.snap.Identity = id
	s.snap.Resolved = true
	s.fetchedAt = s.clock.Now()
	s.publishLocked()
}

// publishLocked bumps the version, releases s.mu and notifies observers.
func (s *Store) publishLocked() {
	s.snap.Version++
	snap := s.snap
	s.mu.Unlock()
	s.registry.Notify(snap)
}

func (s *Store) await(ctx context.Context, ch <-chan singleflight.Result, op string) *Identity {
	select {
	case res := <-ch:
		result := "fetch"
		if res.Shared {
			result = "joined"
		}
		storeOperationsTotal.WithLabelValues(op, result).Inc()
		id, _ := res.Val.(*Identity)
		return id
	case <-ctx.Done():
		// The fetch keeps running and will still commit; the caller just
		// stops waiting for it.
		return s.Snapshot().Identity
	}
}
