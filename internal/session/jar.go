package session

import (
	"net/http"
	"net/url"
	"sync"
)

// CredentialJar is a per-tab cookie jar holding the browser's credentials
// for the upstream. The gateway replaces its contents on every request so
// the fetcher always carries the cookies the browser last presented.
type CredentialJar struct {
	mu      sync.Mutex
	cookies map[string]*http.Cookie
}

// NewCredentialJar creates an empty jar.
func NewCredentialJar() *CredentialJar {
	return &CredentialJar{cookies: make(map[string]*http.Cookie)}
}

// Replace swaps the jar's contents for the given request cookies. The last
// request of a tab wins: a fetch carries the cookies present when it starts,
// and every caller joining that fetch shares its answer.
func (j *CredentialJar) Replace(cookies []*http.Cookie) {
	m := make(map[string]*http.Cookie, len(cookies))
	for _, c := range cookies {
		m[c.Name] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	j.mu.Lock()
	j.cookies = m
	j.mu.Unlock()
}

// SetCookies implements http.CookieJar. Cookies set by upstream responses
// are merged by name; expired ones are removed.
func (j *CredentialJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c.MaxAge < 0 || c.Value == "" {
			delete(j.cookies, c.Name)
			continue
		}
		j.cookies[c.Name] = &http.Cookie{Name: c.Name, Value: c.Value}
	}
}

// Cookies implements http.CookieJar. The jar only ever talks to the
// upstream, so every stored cookie applies.
func (j *CredentialJar) Cookies(_ *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
