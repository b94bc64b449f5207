package guard

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hatemosphere/library-portal/internal/session"
)

// LoginPath is the login view. Unauthenticated visitors are sent there with
// the originally requested location in the "next" query parameter.
const LoginPath = "/auth"

// LoginURL returns the login redirect for the given path+query. The target
// is percent-encoded as a URI component, so a space becomes %20.
func LoginURL(target string) string {
	return LoginPath + "?next=" + strings.ReplaceAll(url.QueryEscape(target), "+", "%20")
}

// Areas maps each role to its home path.
type Areas map[session.Role]string

// DefaultAreas returns the built-in home paths. Role "other" has no
// dashboard of its own and lands in the baseline area.
func DefaultAreas() Areas {
	return Areas{
		session.RoleStudent:   "/dashboard/student",
		session.RoleLibrarian: "/dashboard/librarian",
		session.RoleFaculty:   "/dashboard/faculty",
		session.RoleAdmin:     "/dashboard/admin",
	}
}

// Home returns the home path for role, falling back to the baseline role's
// area for roles without one.
func (a Areas) Home(role session.Role) string {
	if p, ok := a[role]; ok && p != "" {
		return p
	}
	if p, ok := a[session.BaselineRole]; ok && p != "" {
		return p
	}
	return "/dashboard/" + string(session.BaselineRole)
}

// Route protects every path under Prefix.
type Route struct {
	Prefix  string
	Allowed []session.Role
	// Chooser marks a dashboard chooser: it never renders content and
	// redirects every authenticated user to their own area.
	Chooser bool
}

// Table is the set of guarded routes and role areas.
type Table struct {
	Areas  Areas
	Routes []Route
}

// DefaultTable guards each role dashboard for its own role and treats "/"
// and "/dashboard" as dashboard choosers. Role "other" shares the baseline
// dashboard, since that is its home.
func DefaultTable() *Table {
	areas := DefaultAreas()
	t := &Table{Areas: areas}
	for _, r := range []session.Role{session.RoleStudent, session.RoleLibrarian, session.RoleFaculty, session.RoleAdmin} {
		allowed := []session.Role{r}
		if r == session.BaselineRole {
			allowed = append(allowed, session.RoleOther)
		}
		t.Routes = append(t.Routes, Route{Prefix: areas[r], Allowed: allowed})
	}
	t.Routes = append(t.Routes,
		Route{Prefix: "/", Chooser: true},
		Route{Prefix: "/dashboard", Chooser: true},
	)
	return t
}

// Match returns the route guarding path. Chooser routes match their exact
// path only; other routes match their prefix at a segment boundary. The
// longest match wins.
func (t *Table) Match(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range t.Routes {
		if !r.matches(path) {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best, found = r, true
		}
	}
	return best, found
}

// Admits reports whether a visitor with role may view path: the path is
// either unguarded or guarded by a non-chooser route admitting role.
func (t *Table) Admits(path string, role session.Role) bool {
	r, ok := t.Match(path)
	if !ok {
		return true
	}
	return !r.Chooser && slices.Contains(r.Allowed, role)
}

// Validate checks that every role's home is viewable by that role. A home
// that rejects its own role would bounce the visitor back to itself.
func (t *Table) Validate() error {
	for _, role := range session.Roles {
		home := t.Areas.Home(role)
		if !t.Admits(home, role) {
			return fmt.Errorf("home %s of role %s does not admit that role", home, role)
		}
	}
	return nil
}

func (r Route) matches(path string) bool {
	prefix := strings.TrimSuffix(r.Prefix, "/")
	if r.Chooser {
		return strings.TrimSuffix(path, "/") == prefix
	}
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// TableConfig is the YAML form of a Table.
type TableConfig struct {
	Areas    map[string]string `yaml:"areas"`
	Routes   []RouteConfig     `yaml:"routes"`
	Choosers []string          `yaml:"choosers"`
}

// RouteConfig is the YAML form of a Route.
type RouteConfig struct {
	Prefix       string   `yaml:"prefix"`
	AllowedRoles []string `yaml:"allowedRoles"`
}

// LoadTable reads and validates a guard table file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guard config: %w", err)
	}
	var cfg TableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse guard config: %w", err)
	}
	return cfg.Table()
}

// Table converts the config, starting from the default areas. Unknown role
// names are rejected.
func (c TableConfig) Table() (*Table, error) {
	t := &Table{Areas: DefaultAreas()}
	for name, p := range c.Areas {
		role, err := strictRole(name)
		if err != nil {
			return nil, fmt.Errorf("areas: %w", err)
		}
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("areas: home path for %s must be absolute, got %q", role, p)
		}
		t.Areas[role] = p
	}
	for i, rc := range c.Routes {
		if !strings.HasPrefix(rc.Prefix, "/") {
			return nil, fmt.Errorf("routes[%d]: prefix must be absolute, got %q", i, rc.Prefix)
		}
		if len(rc.AllowedRoles) == 0 {
			return nil, fmt.Errorf("routes[%d]: allowedRoles is empty", i)
		}
		route := Route{Prefix: rc.Prefix}
		for _, name := range rc.AllowedRoles {
			role, err := strictRole(name)
			if err != nil {
				return nil, fmt.Errorf("routes[%d]: %w", i, err)
			}
			route.Allowed = append(route.Allowed, role)
		}
		t.Routes = append(t.Routes, route)
	}
	for _, p := range c.Choosers {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("choosers: path must be absolute, got %q", p)
		}
		t.Routes = append(t.Routes, Route{Prefix: p, Chooser: true})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func strictRole(name string) (session.Role, error) {
	role := session.ParseRole(name)
	if role == "" || (role == session.RoleOther && !strings.EqualFold(strings.TrimSpace(name), string(session.RoleOther))) {
		return "", fmt.Errorf("unknown role %q", name)
	}
	return role, nil
}

// dedupKey identifies a (sorted allowed-role set, path+query) situation.
func dedupKey(allowed []session.Role, target string) string {
	names := make([]string, len(allowed))
	for i, r := range allowed {
		names[i] = string(r)
	}
	slices.Sort(names)
	names = slices.Compact(names)
	return strings.Join(names, ",") + "|" + target
}
