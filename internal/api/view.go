package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hatemosphere/library-portal/internal/guard"
	"github.com/hatemosphere/library-portal/internal/session"
)

const passthroughRoute = "passthrough"

// serveView guards requests under a configured route and proxies the rest.
// A guarded request waits up to waitTimeout for the guard's decision.
func (s *Server) serveView(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	label := passthroughRoute
	defer func() {
		httpRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
	}()

	route, ok := s.table.Match(r.URL.Path)
	if !ok {
		s.upstream.ServeHTTP(sw, r)
		return
	}
	label = route.Prefix

	tab, issued, err := s.tabFor(r.Cookies())
	if err != nil {
		slog.Error("tab resolution failed", "error", err)
		writeError(sw, http.StatusInternalServerError, "internal error")
		return
	}
	if issued != nil {
		http.SetCookie(sw, issued)
	}

	d := s.decide(r.Context(), route, tab, r.URL.RequestURI())
	switch d.Kind {
	case guard.ShowContent:
		s.upstream.ServeHTTP(sw, r)
	case guard.RedirectOwnArea:
		if home, _, _ := strings.Cut(d.Location, "?"); home == r.URL.Path {
			slog.Warn("own area rejects its role", "path", r.URL.Path, "role", string(d.Role), "tab", tab.ID)
			writeError(sw, http.StatusForbidden, "no area admits this role")
			return
		}
		http.Redirect(sw, r, d.Location, http.StatusFound)
	case guard.RedirectLogin:
		http.Redirect(sw, r, d.Location, http.StatusFound)
	default:
		if r.Context().Err() != nil {
			return
		}
		slog.Warn("guard decision timed out", "path", r.URL.Path, "tab", tab.ID, "timeout", s.waitTimeout) //nolint:gosec // structured logger, not format string
		sw.Header().Set("Retry-After", "1")
		writeError(sw, http.StatusServiceUnavailable, "session is still loading")
	}
}

// decide runs one guard over the tab's store until it reaches a terminal
// decision or the wait times out.
func (s *Server) decide(ctx context.Context, route guard.Route, tab *session.Tab, target string) guard.Decision {
	g := guard.ForRoute(route, session.NewBinding(tab.Store), tab.Store, s.table.Areas)
	g.Activate(ctx, target)
	defer g.Deactivate()

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	return g.Wait(waitCtx)
}
