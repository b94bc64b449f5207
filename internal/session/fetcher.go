package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hatemosphere/library-portal/internal/gziputil"
)

// Fetcher performs the one-shot "who am I" lookup. Implementations never
// return errors: every failure is reported as a nil identity.
type Fetcher interface {
	FetchIdentity(ctx context.Context) *Identity
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) *Identity

func (f FetcherFunc) FetchIdentity(ctx context.Context) *Identity { return f(ctx) }

// maxIdentityBody caps the decoded identity response.
const maxIdentityBody = 1 << 20

// Fetch outcome labels.
const (
	outcomeOK              = "ok"
	outcomeUnauthenticated = "unauthenticated"
	outcomeTransport       = "transport_error"
	outcomeStatus          = "bad_status"
	outcomeMalformed       = "malformed"
)

// HTTPFetcher fetches the current user from the upstream auth endpoint.
// Credentials travel implicitly through the client's cookie jar.
type HTTPFetcher struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

// NewHTTPFetcher creates a fetcher for endpoint (e.g. "https://app/api/auth/me").
// A zero timeout leaves the request bounded only by the client.
func NewHTTPFetcher(client *http.Client, endpoint string, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, endpoint: endpoint, timeout: timeout}
}

type identityEnvelope struct {
	User json.RawMessage `json:"user"`
}

// FetchIdentity issues GET endpoint and normalizes the {"user": ...} body.
func (f *HTTPFetcher) FetchIdentity(ctx context.Context) *Identity {
	start := time.Now()
	id, outcome, err := f.fetch(ctx)
	identityFetchDuration.Observe(time.Since(start).Seconds())
	identityFetchesTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		slog.Warn("identity fetch failed", "endpoint", f.endpoint, "outcome", outcome, "error", err)
		return nil
	}
	if id == nil {
		slog.Debug("identity fetch: no authenticated user", "endpoint", f.endpoint)
		return nil
	}
	slog.Debug("identity fetched", "user", id.ID, "role", id.Role)
	return id
}

func (f *HTTPFetcher) fetch(ctx context.Context) (*Identity, string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return nil, outcomeTransport, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	// Setting Accept-Encoding ourselves disables the transport's transparent
	// decompression, so gzip bodies are decoded below.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, outcomeTransport, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIdentityBody))
		return nil, outcomeUnauthenticated, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIdentityBody))
		return nil, outcomeStatus, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityBody+1))
	if err != nil {
		return nil, outcomeTransport, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxIdentityBody {
		return nil, outcomeMalformed, fmt.Errorf("body exceeds %d bytes", maxIdentityBody)
	}
	// Some deployments compress without labelling the response.
	if resp.Header.Get("Content-Encoding") == "gzip" || gziputil.IsGzipped(data) {
		if data, err = gziputil.Decompress(data, maxIdentityBody); err != nil {
			return nil, outcomeMalformed, err
		}
	}

	var env identityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, outcomeMalformed, fmt.Errorf("decode body: %w", err)
	}
	if IsNullRecord(env.User) {
		return nil, outcomeUnauthenticated, nil
	}
	id, err := ParseIdentity(env.User)
	if err != nil {
		return nil, outcomeMalformed, err
	}
	return id, outcomeOK, nil
}
