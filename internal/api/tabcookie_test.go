package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabCookies_RoundTrip(t *testing.T) {
	tc, err := NewTabCookies("test-secret", true)
	require.NoError(t, err)

	id, cookie, err := tc.Issue()
	require.NoError(t, err)
	assert.Equal(t, TabCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Zero(t, cookie.MaxAge, "tab cookie is session-scoped")

	got, err := tc.Parse(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	id2, _, err := tc.Issue()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestTabCookies_Rejects(t *testing.T) {
	tc, err := NewTabCookies("test-secret", false)
	require.NoError(t, err)
	other, err := NewTabCookies("other-secret", false)
	require.NoError(t, err)

	_, foreign, err := other.Issue()
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name  string
		value string
	}{
		{"garbage", "not-a-jwt"},
		{"wrong secret", foreign.Value},
		{"wrong algorithm", sign(jwt.SigningMethodHS512, []byte("test-secret"), jwt.RegisteredClaims{Issuer: tabCookieIssuer, Subject: "4f1c2a7e-4d43-4a0e-9a51-2f0c9c1d3b11"})},
		{"wrong issuer", sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.RegisteredClaims{Issuer: "someone-else", Subject: "4f1c2a7e-4d43-4a0e-9a51-2f0c9c1d3b11"})},
		{"non-uuid subject", sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.RegisteredClaims{Issuer: tabCookieIssuer, Subject: "tab-1"})},
		{"expired", sign(jwt.SigningMethodHS256, []byte("test-secret"), jwt.RegisteredClaims{
			Issuer:    tabCookieIssuer,
			Subject:   "4f1c2a7e-4d43-4a0e-9a51-2f0c9c1d3b11",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Parse(tt.value)
			assert.Error(t, err)
		})
	}
}

func TestNewTabCookies_RequiresSecret(t *testing.T) {
	_, err := NewTabCookies("", false)
	assert.Error(t, err)
}
