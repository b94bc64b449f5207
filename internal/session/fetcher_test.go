package session

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatemosphere/library-portal/internal/gziputil"
)

func newIdentityServer(t *testing.T, h http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPFetcher(srv.Client(), srv.URL+"/api/auth/me", time.Second)
}

func TestHTTPFetcher_Success(t *testing.T) {
	f := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/me", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":{"_id":"65a1","email":"lib@example.edu","fullName":"Lib Rarian","role":"Librarian","userType":"faculty","isVerified":true,"isApproved":true,"department":"CS"}}`))
	})

	id := f.FetchIdentity(context.Background())
	require.NotNil(t, id)
	assert.Equal(t, "65a1", id.ID)
	assert.Equal(t, "Lib Rarian", id.Name)
	assert.Equal(t, RoleLibrarian, id.Role)
	assert.Equal(t, RoleFaculty, id.UserType)
	assert.True(t, id.Verified)
	assert.True(t, id.Approved)
	assert.JSONEq(t, `"CS"`, string(id.Attributes["department"]))
}

func TestHTTPFetcher_Gzip(t *testing.T) {
	f := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		body, err := gziputil.Compress([]byte(`{"user":{"id":"u-7","role":"admin"}}`))
		require.NoError(t, err)
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(body)
	})

	id := f.FetchIdentity(context.Background())
	require.NotNil(t, id)
	assert.Equal(t, RoleAdmin, id.Role)
}

func TestHTTPFetcher_UnlabelledGzip(t *testing.T) {
	f := newIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := gziputil.Compress([]byte(`{"user":{"id":"u-8","role":"faculty"}}`))
		require.NoError(t, err)
		_, _ = w.Write(body)
	})

	id := f.FetchIdentity(context.Background())
	require.NotNil(t, id)
	assert.Equal(t, RoleFaculty, id.Role)
}

func TestHTTPFetcher_CarriesJarCookies(t *testing.T) {
	jar := NewCredentialJar()
	jar.Replace([]*http.Cookie{{Name: "connect.sid", Value: "abc"}})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("connect.sid")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"id":"u-1"}}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(&http.Client{Jar: jar}, srv.URL+"/api/auth/me", time.Second)
	id := f.FetchIdentity(context.Background())
	require.NotNil(t, id)
	assert.Equal(t, "u-1", id.ID)
}

func TestHTTPFetcher_FailuresBecomeAbsent(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"unauthorized", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}},
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"user":`))
		}},
		{"null user", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"user":null}`))
		}},
		{"missing id", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"user":{"email":"x@example.edu"}}`))
		}},
		{"wrong field type", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"user":{"id":"u-1","isApproved":"yes"}}`))
		}},
		{"oversized", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"user":{"id":"u-1","bio":"`))
			_, _ = w.Write(bytes.Repeat([]byte("x"), maxIdentityBody))
			_, _ = w.Write([]byte(`"}}`))
		}},
		{"bad gzip", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Encoding", "gzip")
			_, _ = w.Write([]byte("not gzip"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIdentityServer(t, tt.handler)
			assert.Nil(t, f.FetchIdentity(context.Background()))
		})
	}
}

func TestHTTPFetcher_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewHTTPFetcher(nil, url+"/api/auth/me", time.Second)
	assert.Nil(t, f.FetchIdentity(context.Background()))
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(srv.Client(), srv.URL, 20*time.Millisecond)
	assert.Nil(t, f.FetchIdentity(context.Background()))
}
