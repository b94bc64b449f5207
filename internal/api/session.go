package api

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/library-portal/internal/session"
)

func (s *Server) registerSession(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Tags:        []string{"Session"},
		Summary:     "Current session of this tab",
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		tab, err := requireTab(ctx)
		if err != nil {
			return nil, err
		}
		return s.sessionOutput(tab), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refreshSession",
		Method:      http.MethodPost,
		Path:        "/api/session/refresh",
		Tags:        []string{"Session"},
		Summary:     "Re-fetch the current user",
		Description: "Fetches regardless of the cached state, sharing a fetch already in flight. Call after login.",
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		tab, err := requireTab(ctx)
		if err != nil {
			return nil, err
		}
		tab.Store.RefreshNow(ctx)
		return s.sessionOutput(tab), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "setSessionIdentity",
		Method:      http.MethodPut,
		Path:        "/api/session/identity",
		Tags:        []string{"Session"},
		Summary:     "Write the current user",
		Description: "A null user logs the tab out without a fetch. Any other record is validated and treated as a hint: the identity is re-fetched and the server's answer is stored.",
	}, func(ctx context.Context, input *SetIdentityInput) (*SessionOutput, error) {
		tab, err := requireTab(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := stdjson.Marshal(input.Body.User)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid user record", err)
		}
		if session.IsNullRecord(raw) {
			tab.Store.SetIdentity(nil)
			return s.sessionOutput(tab), nil
		}
		if _, err := session.ParseIdentity(raw); err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		// Views are authorized from this tab's cache, so a client-supplied
		// record never reaches it.
		tab.Store.RefreshNow(ctx)
		return s.sessionOutput(tab), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logoutSession",
		Method:      http.MethodPost,
		Path:        "/api/session/logout",
		Tags:        []string{"Session"},
		Summary:     "Forget the cached user",
		Description: "Resets the tab to unresolved; the next guarded view fetches again.",
	}, func(ctx context.Context, input *struct{}) (*SessionOutput, error) {
		tab, err := requireTab(ctx)
		if err != nil {
			return nil, err
		}
		tab.Store.Invalidate()
		return s.sessionOutput(tab), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getFreshSession",
		Method:      http.MethodGet,
		Path:        "/api/session/fresh",
		Tags:        []string{"Session"},
		Summary:     "Current user, re-fetched when older than maxAgeMs",
	}, func(ctx context.Context, input *FreshInput) (*SessionOutput, error) {
		tab, err := requireTab(ctx)
		if err != nil {
			return nil, err
		}
		tab.Store.EnsureFresh(ctx, time.Duration(input.MaxAgeMs)*time.Millisecond)
		return s.sessionOutput(tab), nil
	})
}

func requireTab(ctx context.Context) (*session.Tab, error) {
	tab := tabFromContext(ctx)
	if tab == nil {
		return nil, huma.Error500InternalServerError("no tab for request")
	}
	return tab, nil
}

func (s *Server) sessionOutput(tab *session.Tab) *SessionOutput {
	snap := tab.Store.Snapshot()
	view := SessionView{
		Tab:      tab.ID,
		Resolved: snap.Resolved,
		Identity: snap.Identity,
		Version:  snap.Version,
	}
	if role, ok := session.ResolveRole(snap.Identity); ok {
		view.Role = role
		view.Home = s.table.Areas.Home(role)
	}
	if t := tab.Store.LastFetch(); !t.IsZero() {
		view.FetchedAt = &t
	}
	return &SessionOutput{Body: view}
}
