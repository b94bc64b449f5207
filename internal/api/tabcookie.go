package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TabCookieName is the cookie scoping a browser tab to its session store.
const TabCookieName = "portal_tab"

const tabCookieIssuer = "library-portal"

// TabCookies issues and verifies signed tab cookies. The cookie is an
// HS256 JWT whose subject is the tab id; it has no expiry and lives as long
// as the browser session.
type TabCookies struct {
	secret []byte
	secure bool
}

// NewTabCookies creates a signer. secure sets the cookie's Secure attribute.
func NewTabCookies(secret string, secure bool) (*TabCookies, error) {
	if secret == "" {
		return nil, errors.New("tab cookie secret is required")
	}
	return &TabCookies{secret: []byte(secret), secure: secure}, nil
}

// Issue creates a new tab id and the cookie carrying it.
func (c *TabCookies) Issue() (string, *http.Cookie, error) {
	id := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:   tabCookieIssuer,
		Subject:  id,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign tab cookie: %w", err)
	}
	return id, &http.Cookie{
		Name:     TabCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// Parse verifies a cookie value and returns the tab id it carries.
func (c *TabCookies) Parse(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tabCookieIssuer),
	)
	if err != nil {
		return "", fmt.Errorf("invalid tab cookie: %w", err)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("invalid tab id: %w", err)
	}
	return claims.Subject, nil
}
