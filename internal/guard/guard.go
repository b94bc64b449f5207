package guard

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hatemosphere/library-portal/internal/audit"
	"github.com/hatemosphere/library-portal/internal/session"
)

// State is the guard's position in its state machine.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateMismatchPendingRefresh
	StateAuthorized
	StateRedirectOwnArea
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateMismatchPendingRefresh:
		return "mismatch_pending_refresh"
	case StateAuthorized:
		return "authorized"
	case StateRedirectOwnArea:
		return "redirect_own_area"
	default:
		return "unknown"
	}
}

// Kind is the render decision handed to the routing layer.
type Kind int

const (
	ShowLoading Kind = iota
	RedirectLogin
	RedirectOwnArea
	ShowContent
)

func (k Kind) String() string {
	switch k {
	case ShowLoading:
		return "loading"
	case RedirectLogin:
		return "redirect_login"
	case RedirectOwnArea:
		return "redirect_own_area"
	case ShowContent:
		return "content"
	default:
		return "unknown"
	}
}

// Decision tells the routing layer what to do with the guarded view.
type Decision struct {
	Kind     Kind
	Location string       // redirect target for RedirectLogin and RedirectOwnArea
	Role     session.Role // effective role, when known
}

// Terminal reports whether the decision is final (anything but loading).
func (d Decision) Terminal() bool { return d.Kind != ShowLoading }

// Binding is the part of session.Binding the guard depends on. State is
// called with the guard's lock held, so it must not call back into the guard.
type Binding interface {
	Activate(ctx context.Context)
	Deactivate()
	State() session.State
	OnChange(fn func(session.State))
}

// Refresher forces a fresh identity fetch.
type Refresher interface {
	RefreshNow(ctx context.Context) *session.Identity
}

// Guard decides, for one guarded view, whether to render it, send the
// visitor to login, or bounce them to their own area.
//
// On a role mismatch the guard forces at most one refresh per distinct
// (allowed roles, path+query) key, so a role changed on the server becomes
// visible without logging out while a persisting mismatch always ends in a
// redirect.
type Guard struct {
	binding   Binding
	refresher Refresher
	areas     Areas
	allowed   []session.Role
	chooser   bool

	mu        sync.Mutex
	ctx       context.Context
	target    string
	active    bool
	state     State
	decision  Decision
	attempted string // dedup key of the last refresh attempt
	pending   bool   // refresh for attempted still running
	changed   chan struct{}
}

// New creates a guard admitting the given roles.
func New(b Binding, r Refresher, areas Areas, allowed []session.Role) *Guard {
	allowed = slices.Clone(allowed)
	slices.Sort(allowed)
	return newGuard(b, r, areas, slices.Compact(allowed), false)
}

// NewChooser creates a dashboard chooser: a guard with no role restriction
// that never renders content and sends every authenticated user home.
func NewChooser(b Binding, r Refresher, areas Areas) *Guard {
	return newGuard(b, r, areas, nil, true)
}

// ForRoute creates the guard configured by route.
func ForRoute(route Route, b Binding, r Refresher, areas Areas) *Guard {
	if route.Chooser {
		return NewChooser(b, r, areas)
	}
	return New(b, r, areas, route.Allowed)
}

func newGuard(b Binding, r Refresher, areas Areas, allowed []session.Role, chooser bool) *Guard {
	if areas == nil {
		areas = DefaultAreas()
	}
	g := &Guard{
		binding:   b,
		refresher: r,
		areas:     areas,
		allowed:   allowed,
		chooser:   chooser,
		ctx:       context.Background(),
		changed:   make(chan struct{}),
	}
	b.OnChange(func(session.State) { g.Evaluate() })
	return g
}

// Activate binds the guard to target (path plus query) and activates the
// underlying binding. The first decision is available immediately.
func (g *Guard) Activate(ctx context.Context, target string) {
	g.mu.Lock()
	g.ctx = context.WithoutCancel(ctx)
	g.target = target
	g.active = true
	g.mu.Unlock()

	g.binding.Activate(ctx)
	g.Evaluate()
}

// Deactivate releases the binding. Refreshes already running finish but no
// longer change the decision.
func (g *Guard) Deactivate() {
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
	g.binding.Deactivate()
}

// SetTarget changes the guarded path+query and re-evaluates.
func (g *Guard) SetTarget(target string) {
	g.mu.Lock()
	g.target = target
	g.mu.Unlock()
	g.Evaluate()
}

// Decision returns the current decision.
func (g *Guard) Decision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision
}

// State returns the current state machine state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Loading reports whether the guard is still waiting for a decision.
func (g *Guard) Loading() bool {
	return !g.Decision().Terminal()
}

// Wait blocks until the decision is terminal or ctx ends. On ctx end it
// returns the current, possibly loading, decision.
func (g *Guard) Wait(ctx context.Context) Decision {
	for {
		g.mu.Lock()
		d, ch := g.decision, g.changed
		g.mu.Unlock()
		if d.Terminal() {
			return d
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return g.Decision()
		}
	}
}

// Evaluate recomputes the decision from the binding's current state.
func (g *Guard) Evaluate() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	// Read under g.mu: a state applied after this read triggers another
	// Evaluate, which then runs after this one and wins.
	st := g.binding.State()
	state, d, refreshKey := g.evaluateLocked(st)
	prev := g.decision
	g.setLocked(state, d)
	ctx := g.ctx
	target := g.target
	g.mu.Unlock()

	if d.Terminal() && d != prev {
		g.record(st.Identity, target, state, d)
	}
	if refreshKey != "" {
		go g.refresh(ctx, refreshKey)
	}
}

// evaluateLocked runs one transition. A non-empty refreshKey means the
// caller must start a refresh for that key.
func (g *Guard) evaluateLocked(st session.State) (State, Decision, string) {
	if st.Loading {
		return StateLoading, Decision{Kind: ShowLoading}, ""
	}
	if st.Identity == nil {
		return StateUnauthenticated, Decision{Kind: RedirectLogin, Location: LoginURL(g.target)}, ""
	}

	role, ok := session.ResolveRole(st.Identity)
	if !ok {
		return StateRedirectOwnArea, Decision{Kind: RedirectOwnArea, Location: g.areas.Home(session.BaselineRole)}, ""
	}

	if !g.chooser && slices.Contains(g.allowed, role) {
		g.attempted = ""
		g.pending = false
		return StateAuthorized, Decision{Kind: ShowContent, Role: role}, ""
	}

	key := dedupKey(g.allowed, g.target)
	if key == g.attempted {
		if g.pending {
			return StateMismatchPendingRefresh, Decision{Kind: ShowLoading, Role: role}, ""
		}
		return StateRedirectOwnArea, Decision{Kind: RedirectOwnArea, Location: g.areas.Home(role), Role: role}, ""
	}

	g.attempted = key
	g.pending = true
	return StateMismatchPendingRefresh, Decision{Kind: ShowLoading, Role: role}, key
}

func (g *Guard) setLocked(state State, d Decision) {
	if state == g.state && d == g.decision {
		return
	}
	g.state = state
	g.decision = d
	close(g.changed)
	g.changed = make(chan struct{})
}

// refresh reconciles a possibly stale role. The store notifies the binding
// before RefreshNow returns, so the final Evaluate sees the fresh identity.
func (g *Guard) refresh(ctx context.Context, key string) {
	slog.Debug("guard role mismatch: refreshing identity", "key", key)
	g.refresher.RefreshNow(ctx)

	g.mu.Lock()
	if g.attempted == key {
		g.pending = false
	}
	g.mu.Unlock()
	g.Evaluate()
}

func (g *Guard) record(id *session.Identity, target string, state State, d Decision) {
	guardDecisionsTotal.WithLabelValues(d.Kind.String()).Inc()

	actor := "anonymous"
	if id != nil {
		actor = id.ID
	}
	e := audit.Event{
		Actor:    actor,
		Action:   "view_access",
		Resource: target,
		Reason:   state.String(),
	}
	switch d.Kind {
	case ShowContent:
		e.Status = "granted"
		e.Info("Audit Log: View Access")
	case RedirectLogin:
		e.Status = "unauthenticated"
		e.Info("Audit Log: View Access")
	default:
		e.Status = "denied"
		e.Extra = []any{slog.String("role", string(d.Role)), slog.String("location", d.Location)}
		e.Warn("Audit Log: View Access")
	}
}
