package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Tab is one browser session scope. It owns exactly one Store for its
// whole lifetime.
type Tab struct {
	ID        string
	Store     *Store
	Jar       *CredentialJar
	CreatedAt time.Time
}

// TabFactory builds the Store and credentials for a new tab.
type TabFactory func(id string) *Tab

// HTTPTabFactory returns a factory whose tabs fetch identity from endpoint
// using transport (nil = http.DefaultTransport) and the tab's own jar.
func HTTPTabFactory(endpoint string, timeout time.Duration, transport http.RoundTripper) TabFactory {
	return func(id string) *Tab {
		jar := NewCredentialJar()
		client := &http.Client{Transport: transport, Jar: jar}
		return &Tab{
			ID:        id,
			Store:     NewStore(NewHTTPFetcher(client, endpoint, timeout)),
			Jar:       jar,
			CreatedAt: time.Now(),
		}
	}
}

// TabRegistry maps tab ids to tabs, bounded by an LRU. An evicted tab is
// gone; the next request for its id starts a fresh, unresolved Store.
type TabRegistry struct {
	factory TabFactory

	mu    sync.Mutex
	cache *lru.Cache[string, *Tab]
}

// NewTabRegistry creates a registry holding at most size tabs.
func NewTabRegistry(size int, factory TabFactory) (*TabRegistry, error) {
	cache, err := lru.NewWithEvict[string, *Tab](size, func(id string, _ *Tab) {
		slog.Debug("tab evicted", "tab", id)
	})
	if err != nil {
		return nil, fmt.Errorf("create tab cache: %w", err)
	}
	return &TabRegistry{factory: factory, cache: cache}, nil
}

// Get returns the tab for id, creating it on first use.
func (r *TabRegistry) Get(id string) *Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache.Get(id); ok {
		return t
	}
	t := r.factory(id)
	r.cache.Add(id, t)
	slog.Debug("tab created", "tab", id)
	return t
}

// Lookup returns the tab for id without creating it.
func (r *TabRegistry) Lookup(id string) (*Tab, bool) {
	return r.cache.Get(id)
}

// Len returns the number of live tabs.
func (r *TabRegistry) Len() int {
	return r.cache.Len()
}
