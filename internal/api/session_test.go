package api

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/library-portal/internal/audit"
	"github.com/hatemosphere/library-portal/internal/session"
)

func init() {
	audit.Enabled = false
}

// stubFetcher serves a configurable identity to every tab.
type stubFetcher struct {
	calls atomic.Int32
	gate  chan struct{}

	mu sync.Mutex
	id *session.Identity
}

func (f *stubFetcher) FetchIdentity(_ context.Context) *session.Identity {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func newTestServer(t *testing.T, f session.Fetcher, opts ...ServerOption) *Server {
	t.Helper()
	cookies, err := NewTabCookies("test-secret", false)
	require.NoError(t, err)
	tabs, err := session.NewTabRegistry(16, func(id string) *session.Tab {
		return &session.Tab{ID: id, Store: session.NewStore(f), Jar: session.NewCredentialJar(), CreatedAt: time.Now()}
	})
	require.NoError(t, err)
	return NewServer(tabs, cookies, opts...)
}

func newSessionAPI(t *testing.T, f session.Fetcher) humatest.TestAPI {
	t.Helper()
	srv := newTestServer(t, f)
	_, api := humatest.New(t)
	api.UseMiddleware(srv.tabHumaMiddleware(api))
	srv.registerSession(api)
	return api
}

func tabCookie(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range resp.Result().Cookies() {
		if c.Name == TabCookieName {
			return "Cookie: " + TabCookieName + "=" + c.Value
		}
	}
	t.Fatal("response did not set a tab cookie")
	return ""
}

func decodeView(t *testing.T, resp *httptest.ResponseRecorder) SessionView {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var v SessionView
	require.NoError(t, stdjson.Unmarshal(resp.Body.Bytes(), &v))
	return v
}

func TestSessionAPI_IssuesTabAndStartsUnresolved(t *testing.T) {
	f := &stubFetcher{}
	api := newSessionAPI(t, f)

	resp := api.Get("/api/session")
	v := decodeView(t, resp)
	tabCookie(t, resp)
	assert.NotEmpty(t, v.Tab)
	assert.False(t, v.Resolved)
	assert.Nil(t, v.Identity)
	assert.Zero(t, v.Version)
	assert.Equal(t, int32(0), f.calls.Load(), "reading the session never fetches")
}

func TestSessionAPI_RefreshAndFresh(t *testing.T) {
	f := &stubFetcher{id: &session.Identity{ID: "u-7", Role: session.RoleLibrarian}}
	api := newSessionAPI(t, f)

	cookie := tabCookie(t, api.Get("/api/session"))

	v := decodeView(t, api.Post("/api/session/refresh", cookie))
	assert.True(t, v.Resolved)
	require.NotNil(t, v.Identity)
	assert.Equal(t, "u-7", v.Identity.ID)
	assert.Equal(t, session.RoleLibrarian, v.Role)
	assert.Equal(t, "/dashboard/librarian", v.Home)
	assert.NotNil(t, v.FetchedAt)
	assert.Equal(t, int32(1), f.calls.Load())

	decodeView(t, api.Get("/api/session/fresh?maxAgeMs=60000", cookie))
	assert.Equal(t, int32(1), f.calls.Load(), "recent identity is served from cache")

	time.Sleep(5 * time.Millisecond)
	decodeView(t, api.Get("/api/session/fresh?maxAgeMs=1", cookie))
	assert.Equal(t, int32(2), f.calls.Load(), "stale identity is re-fetched")
}

func TestSessionAPI_SetIdentity(t *testing.T) {
	f := &stubFetcher{id: &session.Identity{ID: "u-9", Name: "Robin Reader", UserType: session.RoleFaculty}}
	api := newSessionAPI(t, f)
	cookie := tabCookie(t, api.Get("/api/session"))

	v := decodeView(t, api.Put("/api/session/identity", cookie, map[string]any{
		"user": map[string]any{"_id": "u-9", "fullName": "Robin Reader", "userType": "faculty"},
	}))
	assert.True(t, v.Resolved)
	require.NotNil(t, v.Identity)
	assert.Equal(t, "u-9", v.Identity.ID)
	assert.Equal(t, session.RoleFaculty, v.Role)
	assert.Equal(t, "/dashboard/faculty", v.Home)
	assert.Equal(t, int32(1), f.calls.Load(), "a written record is confirmed by a fetch")

	v = decodeView(t, api.Put("/api/session/identity", cookie, map[string]any{"user": nil}))
	assert.True(t, v.Resolved)
	assert.Nil(t, v.Identity)
	assert.Empty(t, v.Role)
	assert.Equal(t, int32(1), f.calls.Load(), "logging out never fetches")
}

func TestSessionAPI_SetIdentityDoesNotTrustClientRole(t *testing.T) {
	f := &stubFetcher{id: &session.Identity{ID: "u-3", Role: session.RoleStudent}}
	api := newSessionAPI(t, f)
	cookie := tabCookie(t, api.Get("/api/session"))

	v := decodeView(t, api.Put("/api/session/identity", cookie, map[string]any{
		"user": map[string]any{"id": "u-3", "role": "admin"},
	}))
	require.NotNil(t, v.Identity)
	assert.Equal(t, session.RoleStudent, v.Role)
	assert.Equal(t, "/dashboard/student", v.Home)
}

func TestSessionAPI_SetIdentityRejectsMalformed(t *testing.T) {
	api := newSessionAPI(t, &stubFetcher{})
	cookie := tabCookie(t, api.Get("/api/session"))

	resp := api.Put("/api/session/identity", cookie, map[string]any{"user": map[string]any{"email": "no-id@example.edu"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = api.Put("/api/session/identity", cookie, map[string]any{"user": []string{"not", "an", "object"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	v := decodeView(t, api.Get("/api/session", cookie))
	assert.False(t, v.Resolved, "rejected records leave the store untouched")
}

func TestSessionAPI_Logout(t *testing.T) {
	f := &stubFetcher{id: &session.Identity{ID: "u-1", Role: session.RoleStudent}}
	api := newSessionAPI(t, f)
	cookie := tabCookie(t, api.Get("/api/session"))

	decodeView(t, api.Post("/api/session/refresh", cookie))
	before := decodeView(t, api.Get("/api/session", cookie))

	v := decodeView(t, api.Post("/api/session/logout", cookie))
	assert.False(t, v.Resolved)
	assert.Nil(t, v.Identity)
	assert.Nil(t, v.FetchedAt)
	assert.Greater(t, v.Version, before.Version)

	again := decodeView(t, api.Post("/api/session/logout", cookie))
	assert.False(t, again.Resolved)
}

func TestSessionAPI_TabsAreIsolated(t *testing.T) {
	f := &stubFetcher{}
	api := newSessionAPI(t, f)
	first := tabCookie(t, api.Get("/api/session"))
	second := tabCookie(t, api.Get("/api/session"))
	require.NotEqual(t, first, second)

	decodeView(t, api.Put("/api/session/identity", first, map[string]any{"user": map[string]any{"id": "u-1"}}))

	assert.True(t, decodeView(t, api.Get("/api/session", first)).Resolved)
	assert.False(t, decodeView(t, api.Get("/api/session", second)).Resolved)
}

func TestSessionAPI_TamperedCookieGetsNewTab(t *testing.T) {
	api := newSessionAPI(t, &stubFetcher{})
	resp := api.Get("/api/session", "Cookie: "+TabCookieName+"=forged")
	v := decodeView(t, resp)
	tabCookie(t, resp)
	assert.NotEmpty(t, v.Tab)
}
