package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	Addr           string // listen address, e.g. ":8080"
	ManagementAddr string // separate listener for /healthz and /metrics (empty = serve on Addr)
	TLS            bool
	CertFile       string
	KeyFile        string

	// Upstream portal and its current-user endpoint.
	UpstreamURL  string        // base URL of the portal backend views are proxied to
	IdentityPath string        // current-user endpoint, relative to UpstreamURL
	FetchTimeout time.Duration // per-request timeout of the identity fetch

	// Session handling.
	WaitTimeout   time.Duration // how long a guarded view waits for a decision before 503
	TabCacheSize  int           // max live tabs (LRU)
	TabSecret     string        // HMAC secret for the signed tab cookie
	SecureCookies bool          // mark the tab cookie Secure

	// Guard route/area table (empty = built-in table).
	RoutesConfigPath string

	// Tracing.
	OTelServiceName string // enables OTLP tracing when set

	// Logging.
	LogFormat string // "json" (default) or "text"
	AuditLogs bool   // enable audit logging (default true)
}

// Parse reads flags from the command line and environment, exiting on
// invalid configuration.
func Parse() *Config {
	c, err := parse(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if c.TabSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate tab secret: %v\n", err)
			os.Exit(1)
		}
		c.TabSecret = hex.EncodeToString(secret)
		fmt.Fprintf(os.Stderr, "WARNING: auto-generated tab secret (open tabs lose their session on restart unless you persist it):\n")
		fmt.Fprintf(os.Stderr, "  export LIBRARY_PORTAL_TAB_SECRET=%s\n\n", c.TabSecret)
	}
	return c
}

func parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	c := &Config{}
	fs.StringVar(&c.Addr, "addr", ":8080", "listen address")
	fs.StringVar(&c.ManagementAddr, "management-addr", "", "separate listen address for health and metrics (empty = main listener)")
	fs.BoolVar(&c.TLS, "tls", false, "enable TLS")
	fs.StringVar(&c.CertFile, "cert", "", "TLS certificate file")
	fs.StringVar(&c.KeyFile, "key", "", "TLS key file")

	fs.StringVar(&c.UpstreamURL, "upstream", "http://localhost:3000", "portal backend base URL")
	fs.StringVar(&c.IdentityPath, "identity-path", "/api/auth/me", "current-user endpoint path on the upstream")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 10*time.Second, "identity fetch timeout")

	fs.DurationVar(&c.WaitTimeout, "wait-timeout", 5*time.Second, "max time a guarded view waits for a decision")
	fs.IntVar(&c.TabCacheSize, "tab-cache-size", 10000, "max number of live tabs")
	fs.StringVar(&c.TabSecret, "tab-secret", "", "HMAC secret for the tab cookie (auto-generated if empty)")
	fs.BoolVar(&c.SecureCookies, "secure-cookies", false, "set the Secure attribute on the tab cookie")

	fs.StringVar(&c.RoutesConfigPath, "routes-config", "", "path to guard routes YAML (empty = built-in dashboards)")

	fs.StringVar(&c.OTelServiceName, "otel-service-name", "", "OpenTelemetry service name (empty = tracing disabled)")

	fs.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	fs.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured audit logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Allow env overrides.
	if v := getenv("LIBRARY_PORTAL_ADDR"); v != "" {
		c.Addr = v
	}
	if v := getenv("LIBRARY_PORTAL_MANAGEMENT_ADDR"); v != "" {
		c.ManagementAddr = v
	}
	if v := getenv("LIBRARY_PORTAL_UPSTREAM"); v != "" {
		c.UpstreamURL = v
	}
	if v := getenv("LIBRARY_PORTAL_IDENTITY_PATH"); v != "" {
		c.IdentityPath = v
	}
	if v := getenv("LIBRARY_PORTAL_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FetchTimeout = d
		}
	}
	if v := getenv("LIBRARY_PORTAL_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WaitTimeout = d
		}
	}
	if v := getenv("LIBRARY_PORTAL_TAB_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TabCacheSize = n
		}
	}
	if v := getenv("LIBRARY_PORTAL_TAB_SECRET"); v != "" {
		c.TabSecret = v
	}
	if v := getenv("LIBRARY_PORTAL_SECURE_COOKIES"); v == "true" {
		c.SecureCookies = true
	}
	if v := getenv("LIBRARY_PORTAL_ROUTES_CONFIG"); v != "" {
		c.RoutesConfigPath = v
	}
	if v := getenv("LIBRARY_PORTAL_OTEL_SERVICE_NAME"); v != "" {
		c.OTelServiceName = v
	}
	if v := getenv("LIBRARY_PORTAL_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := getenv("LIBRARY_PORTAL_AUDIT_LOGS"); v == "false" {
		c.AuditLogs = false
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream must be an absolute URL, got %q", c.UpstreamURL)
	}
	if c.TabCacheSize <= 0 {
		return fmt.Errorf("tab-cache-size must be positive, got %d", c.TabCacheSize)
	}
	if c.WaitTimeout <= 0 {
		return errors.New("wait-timeout must be positive")
	}
	if c.TLS && (c.CertFile == "" || c.KeyFile == "") {
		return errors.New("--cert and --key are required with --tls")
	}
	return nil
}

// IdentityURL returns the absolute current-user endpoint.
func (c *Config) IdentityURL() (string, error) {
	base, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream: %w", err)
	}
	ref, err := url.Parse(c.IdentityPath)
	if err != nil {
		return "", fmt.Errorf("parse identity path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
