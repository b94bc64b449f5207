package api

import (
	"time"

	"github.com/hatemosphere/library-portal/internal/session"
)

// HealthCheckOutput is the response for the health endpoint.
type HealthCheckOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// SessionView is what the browser sees of its tab's session.
type SessionView struct {
	Tab       string            `json:"tab" doc:"Tab id from the portal_tab cookie"`
	Resolved  bool              `json:"resolved" doc:"False until the first identity fetch settles"`
	Identity  *session.Identity `json:"identity" doc:"Current user, null when logged out or unresolved"`
	Role      session.Role      `json:"role,omitempty" doc:"Effective authorization role"`
	Home      string            `json:"home,omitempty" doc:"Home path of the effective role"`
	FetchedAt *time.Time        `json:"fetchedAt,omitempty" doc:"When the identity was last written"`
	Version   uint64            `json:"version" doc:"Monotonic snapshot version"`
}

// SessionOutput wraps a SessionView response.
type SessionOutput struct {
	Body SessionView
}

// FreshInput selects the maximum acceptable age of the cached identity.
type FreshInput struct {
	MaxAgeMs int64 `query:"maxAgeMs" minimum:"0" default:"0" doc:"Maximum age of the cached identity in milliseconds"`
}

// SetIdentityInput carries a raw user record as returned by the login or
// logout endpoints. A null user logs the tab out.
type SetIdentityInput struct {
	Body struct {
		User any `json:"user" doc:"Raw user record, or null"`
	}
}
