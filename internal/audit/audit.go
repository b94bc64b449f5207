package audit

import (
	"context"
	"log/slog"
)

// Enabled controls whether audit entries are emitted. Tests that do not
// exercise auditing may switch it off.
var Enabled = true

// Event is a structured audit entry for view access decisions and session
// mutations. Zero-valued fields are omitted from the output.
type Event struct {
	Actor    string // identity id, or "anonymous"
	Action   string // e.g. "view_access", "session_refresh", "session_logout"
	Status   string // "granted", "denied", "unauthenticated", "ok"
	Resource string // requested path+query or API route
	Reason   string // guard state or failure explanation
	Tab      string // tab id the event belongs to
	IP       string // client IP address
	Extra    []any  // additional slog attrs for one-off fields
}

// Info emits the event at INFO level.
func (e Event) Info(msg string) { e.emit(slog.LevelInfo, msg) }

// Warn emits the event at WARN level.
func (e Event) Warn(msg string) { e.emit(slog.LevelWarn, msg) }

func (e Event) emit(level slog.Level, msg string) {
	if !Enabled {
		return
	}
	slog.Log(context.Background(), level, msg, slog.Group("audit", e.attrs()...)) //nolint:gosec // structured logger safely escapes taint
}

func (e Event) attrs() []any {
	fields := []struct{ key, val string }{
		{"actor", e.Actor},
		{"action", e.Action},
		{"status", e.Status},
		{"resource", e.Resource},
		{"reason", e.Reason},
		{"tab", e.Tab},
		{"ip_address", e.IP},
	}
	attrs := make([]any, 0, len(fields)+len(e.Extra))
	for _, f := range fields {
		if f.val != "" {
			attrs = append(attrs, slog.String(f.key, f.val))
		}
	}
	return append(attrs, e.Extra...)
}
