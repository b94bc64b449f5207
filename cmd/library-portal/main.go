package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	stdjson "encoding/json"

	"github.com/hatemosphere/library-portal/internal/api"
	"github.com/hatemosphere/library-portal/internal/audit"
	"github.com/hatemosphere/library-portal/internal/config"
	"github.com/hatemosphere/library-portal/internal/guard"
	"github.com/hatemosphere/library-portal/internal/session"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func main() {
	cfg := config.Parse()

	// Configure logging format.
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	// Disable audit logging if configured.
	if !cfg.AuditLogs {
		audit.Enabled = false
	}

	// Guarded routes: built-in dashboards unless a table is configured.
	table := guard.DefaultTable()
	if cfg.RoutesConfigPath != "" {
		var err error
		table, err = guard.LoadTable(cfg.RoutesConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid routes config: %v\n", err)
			os.Exit(1)
		}
		slog.Info("guard routes loaded", "config", cfg.RoutesConfigPath, "routes", len(table.Routes))
	}

	// Initialize OpenTelemetry tracing if configured.
	var tp *sdktrace.TracerProvider
	if cfg.OTelServiceName != "" {
		var initErr error
		tp, initErr = initTracer(context.Background(), cfg.OTelServiceName)
		if initErr != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize OpenTelemetry: %v\n", initErr)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry tracing enabled", "service", cfg.OTelServiceName)
	}

	// Upstream calls (identity fetches and proxied views) carry trace context
	// when tracing is on.
	var transport http.RoundTripper = http.DefaultTransport
	if tp != nil {
		transport = otelhttp.NewTransport(transport)
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid upstream: %v\n", err)
		os.Exit(1)
	}
	identityURL, err := cfg.IdentityURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid identity endpoint: %v\n", err)
		os.Exit(1)
	}

	tabs, err := session.NewTabRegistry(cfg.TabCacheSize, session.HTTPTabFactory(identityURL, cfg.FetchTimeout, transport))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create tab registry: %v\n", err)
		os.Exit(1)
	}
	api.RegisterTabsGauge(func() float64 { return float64(tabs.Len()) })

	cookies, err := api.NewTabCookies(cfg.TabSecret, cfg.SecureCookies)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid tab cookie config: %v\n", err)
		os.Exit(1)
	}

	serverOpts := []api.ServerOption{
		api.WithTable(table),
		api.WithUpstream(upstream, transport),
		api.WithWaitTimeout(cfg.WaitTimeout),
	}
	// When management-addr is set, health/metrics move to a separate server.
	if cfg.ManagementAddr != "" {
		serverOpts = append(serverOpts, api.WithSkipManagementRoutes())
	}

	srv := api.NewServer(tabs, cookies, serverOpts...)

	handler := srv.Router()
	if tp != nil {
		handler = otelhttp.NewHandler(handler, "library-portal")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start separate management server for health probes and metrics.
	var mgmtServer *http.Server
	if cfg.ManagementAddr != "" {
		mgmtMux := http.NewServeMux()
		mgmtMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = stdjson.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		mgmtMux.Handle("GET /metrics", api.MetricsHandler())

		mgmtServer = &http.Server{
			Addr:              cfg.ManagementAddr,
			Handler:           mgmtMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("management server starting", "addr", cfg.ManagementAddr)
			if err := mgmtServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("management server error", "error", err)
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())

		// Guarded views wait at most WaitTimeout; allow that plus slack.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.WaitTimeout+10*time.Second)
		defer cancel()

		if mgmtServer != nil {
			if err := mgmtServer.Shutdown(ctx); err != nil {
				slog.Error("management server shutdown error", "error", err)
			}
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("library portal gateway starting", "addr", cfg.Addr, "upstream", cfg.UpstreamURL) //nolint:gosec // structured logger

	if cfg.TLS {
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	// Wait for shutdown to complete.
	<-done

	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("tracer provider shutdown error", "error", err)
		}
	}
	slog.Info("shutdown complete")
}

// initTracer sets up an OTLP gRPC trace exporter and returns the TracerProvider.
// Exporter endpoint is configured via standard OTEL_EXPORTER_OTLP_ENDPOINT env var
// (default: localhost:4317).
func initTracer(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
