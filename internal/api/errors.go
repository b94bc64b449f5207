package api

import (
	stdjson "encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// PortalError is the error body of every gateway response: {"code": int, "message": string}.
type PortalError struct {
	status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *PortalError) Error() string {
	return e.Message
}

func (e *PortalError) GetStatus() int {
	return e.status
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if len(errs) > 0 && msg == "" {
			msg = errs[0].Error()
		}
		return &PortalError{
			status:  status,
			Code:    status,
			Message: msg,
		}
	}
}

// writeError renders a PortalError outside of huma (plain handlers, middleware).
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = stdjson.NewEncoder(w).Encode(&PortalError{Code: status, Message: msg})
}
