package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("library-portal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseDefaults(t *testing.T) {
	c, err := parse(newFlagSet(), nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, "/api/auth/me", c.IdentityPath)
	assert.Equal(t, 5*time.Second, c.WaitTimeout)
	assert.Equal(t, 10000, c.TabCacheSize)
	assert.True(t, c.AuditLogs)
	assert.Empty(t, c.TabSecret)

	u, err := c.IdentityURL()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/api/auth/me", u)
}

func TestParseFlagsAndEnv(t *testing.T) {
	c, err := parse(newFlagSet(),
		[]string{"-upstream", "https://portal.example.edu/app/", "-identity-path", "me", "-wait-timeout", "2s"},
		env(map[string]string{
			"LIBRARY_PORTAL_TAB_CACHE_SIZE": "64",
			"LIBRARY_PORTAL_FETCH_TIMEOUT":  "750ms",
			"LIBRARY_PORTAL_AUDIT_LOGS":     "false",
			"LIBRARY_PORTAL_SECURE_COOKIES": "true",
			"LIBRARY_PORTAL_TAB_SECRET":     "s3cret",
		}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.WaitTimeout)
	assert.Equal(t, 64, c.TabCacheSize)
	assert.Equal(t, 750*time.Millisecond, c.FetchTimeout)
	assert.False(t, c.AuditLogs)
	assert.True(t, c.SecureCookies)
	assert.Equal(t, "s3cret", c.TabSecret)

	u, err := c.IdentityURL()
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.edu/app/me", u)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"relative upstream", []string{"-upstream", "portal"}, nil},
		{"zero tabs", nil, map[string]string{"LIBRARY_PORTAL_TAB_CACHE_SIZE": "0"}},
		{"tls without cert", []string{"-tls"}, nil},
		{"zero wait", []string{"-wait-timeout", "0s"}, nil},
		{"unknown flag", []string{"-nope"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(newFlagSet(), tt.args, env(tt.env))
			assert.Error(t, err)
		})
	}
}
