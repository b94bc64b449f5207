package api

import (
	"context"
	stdjson "encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/klauspost/compress/gzip"

	"github.com/hatemosphere/library-portal/internal/audit"
	"github.com/hatemosphere/library-portal/internal/guard"
	"github.com/hatemosphere/library-portal/internal/session"
)

// Server is the portal gateway: it guards dashboard views, proxies allowed
// requests to the upstream portal and serves the per-tab session API.
type Server struct {
	tabs                 *session.TabRegistry
	cookies              *TabCookies
	table                *guard.Table
	upstream             http.Handler
	waitTimeout          time.Duration
	skipManagementRoutes bool // true when a separate management server handles health/metrics
	humaAPI              huma.API
}

// NewServer creates a new gateway server.
func NewServer(tabs *session.TabRegistry, cookies *TabCookies, opts ...ServerOption) *Server {
	s := &Server{
		tabs:        tabs,
		cookies:     cookies,
		table:       guard.DefaultTable(),
		upstream:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { writeError(w, http.StatusNotFound, "not found") }),
		waitTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithTable sets the guarded routes and role areas.
func WithTable(t *guard.Table) ServerOption {
	return func(s *Server) { s.table = t }
}

// WithUpstream proxies allowed and unguarded requests to target. A nil
// transport uses http.DefaultTransport.
func WithUpstream(target *url.URL, transport http.RoundTripper) ServerOption {
	return func(s *Server) { s.upstream = newUpstreamProxy(target, transport) }
}

// WithWaitTimeout bounds how long a guarded view waits for a decision.
func WithWaitTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.waitTimeout = d }
}

// WithSkipManagementRoutes disables /healthz and /metrics on the main router.
// Use when a separate management server handles these.
func WithSkipManagementRoutes() ServerOption {
	return func(s *Server) { s.skipManagementRoutes = true }
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return stdjson.NewEncoder(w).Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

// newHumaConfig creates the huma configuration for the API.
func newHumaConfig() huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	config := huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   "Library Portal Session API",
				Version: "0.1.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served via our own route
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
	// Login/logout responses carry extra profile fields we pass through untouched.
	config.AllowAdditionalPropertiesByDefault = true
	return config
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer (flushing
// streamed upstream responses).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public huma routes (no tab).
	publicAPI := humago.New(mux, newHumaConfig())
	publicAPI.UseMiddleware(metricsHumaMiddleware)
	s.registerPublicRoutes(publicAPI)

	// Tab-scoped session API.
	api := humago.New(mux, newHumaConfig())
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(s.tabHumaMiddleware(api))
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api
	s.registerSession(api)

	// Everything else is either a guarded view or passed through upstream.
	mux.HandleFunc("/", s.serveView)

	// HTTP-level middleware (outermost applied last).
	var handler http.Handler = mux
	handler = gzipDecompressor(handler)
	handler = requestLogger(handler)
	handler = recoverer(handler)
	handler = realIP(handler)
	return handler
}

// registerPublicRoutes registers operations that need no tab.
func (s *Server) registerPublicRoutes(api huma.API) {
	if !s.skipManagementRoutes {
		huma.Register(api, huma.Operation{
			OperationID: "healthCheck",
			Method:      http.MethodGet,
			Path:        "/healthz",
			Tags:        []string{"Health"},
		}, func(ctx context.Context, input *struct{}) (*HealthCheckOutput, error) {
			out := &HealthCheckOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

		huma.Register(api, huma.Operation{
			OperationID: "getMetrics",
			Method:      http.MethodGet,
			Path:        "/metrics",
			Tags:        []string{"Meta"},
		}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
			return &huma.StreamResponse{
				Body: func(ctx huma.Context) {
					rec := httptest.NewRecorder()
					MetricsHandler().ServeHTTP(rec, &http.Request{})
					for k, vals := range rec.Header() {
						for _, v := range vals {
							ctx.SetHeader(k, v)
						}
					}
					_, _ = ctx.BodyWriter().Write(rec.Body.Bytes())
				},
			}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/api/openapi",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/json")
				if s.humaAPI != nil {
					data, _ := stdjson.Marshal(s.humaAPI.OpenAPI())
					_, _ = ctx.BodyWriter().Write(data)
				} else {
					_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				}
			},
		}, nil
	})
}

type tabContextKey struct{}

// tabFromContext returns the tab resolved by tabHumaMiddleware.
func tabFromContext(ctx context.Context) *session.Tab {
	tab, _ := ctx.Value(tabContextKey{}).(*session.Tab)
	return tab
}

// tabFor resolves the tab named by the request's portal_tab cookie, issuing
// a new one when it is missing or invalid, and loads the remaining cookies
// into the tab's credential jar. The returned cookie is non-nil when a new
// tab cookie must be set on the response.
func (s *Server) tabFor(cookies []*http.Cookie) (*session.Tab, *http.Cookie, error) {
	var id string
	upstream := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != TabCookieName {
			upstream = append(upstream, c)
			continue
		}
		if id != "" {
			continue
		}
		parsed, err := s.cookies.Parse(c.Value)
		if err != nil {
			slog.Debug("ignoring tab cookie", "error", err)
			continue
		}
		id = parsed
	}

	var issued *http.Cookie
	if id == "" {
		var err error
		if id, issued, err = s.cookies.Issue(); err != nil {
			return nil, nil, err
		}
	}
	tab := s.tabs.Get(id)
	tab.Jar.Replace(upstream)
	return tab, issued, nil
}

// tabHumaMiddleware resolves the caller's tab and stores it on the context.
func (s *Server) tabHumaMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		var cookies []*http.Cookie
		if h := ctx.Header("Cookie"); h != "" {
			parsed, err := http.ParseCookie(h)
			if err != nil {
				slog.Debug("malformed Cookie header", "error", err)
			}
			cookies = parsed
		}

		tab, issued, err := s.tabFor(cookies)
		if err != nil {
			slog.Error("tab resolution failed", "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal error")
			return
		}
		if issued != nil {
			ctx.AppendHeader("Set-Cookie", issued.String())
		}
		next(huma.WithValue(ctx, tabContextKey{}, tab))
	}
}

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	httpRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

// auditHumaMiddleware logs structured audit entries for session mutations.
// It runs after tabHumaMiddleware, so the tab is always available.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	e := audit.Event{
		Actor:    "anonymous",
		Action:   ctx.Operation().OperationID,
		Status:   "ok",
		Resource: ctx.Operation().Path,
		IP:       ctx.RemoteAddr(),
		Extra:    []any{slog.Int("http_status", status)},
	}
	if tab := tabFromContext(ctx.Context()); tab != nil {
		e.Tab = tab.ID
		if id := tab.Store.Snapshot().Identity; id != nil {
			e.Actor = id.ID
		}
	}
	if status >= 400 {
		e.Status = "error"
		e.Warn("Audit Log: Session Change")
	} else {
		e.Info("Audit Log: Session Change")
	}
}

// newUpstreamProxy forwards requests to the portal backend. The tab cookie is
// gateway-private and never forwarded.
func newUpstreamProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			stripTabCookie(pr.Out)
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("upstream request failed", "path", r.URL.Path, "error", err) //nolint:gosec // structured logger, not format string
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

func stripTabCookie(r *http.Request) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != TabCookieName {
			r.AddCookie(c)
		}
	}
}

// requestLogger logs each HTTP request with method, path, status, and latency.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		slog.Info("request", //nolint:gosec // structured logger, not format string
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency", time.Since(start),
		)
	})
}

// realIP extracts the real client IP from X-Real-Ip or X-Forwarded-For headers.
func realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", r.URL.Path) //nolint:gosec // structured logger, not format string
				writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// gzipDecompressor transparently decompresses gzip request bodies.
func gzipDecompressor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid gzip body")
				return
			}
			r.Body = io.NopCloser(gz)
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}
		next.ServeHTTP(w, r)
	})
}
