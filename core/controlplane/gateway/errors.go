package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cordum/addonhub/core/addons"
	"github.com/cordum/addonhub/core/infra/logging"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

// statusForError maps an addons error kind onto an HTTP status.
func statusForError(err error) int {
	switch addons.KindOf(err) {
	case addons.KindValidation:
		switch {
		case errors.Is(err, addons.ErrTooLarge):
			return http.StatusRequestEntityTooLarge
		case errors.Is(err, addons.ErrUnsupportedType):
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case addons.KindExtraction, addons.KindDescriptor:
		return http.StatusUnprocessableEntity
	case addons.KindConflict:
		return http.StatusConflict
	case addons.KindNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	kind := addons.KindOf(err)
	resp := errorResponse{Error: err.Error(), Kind: string(kind)}
	var addonErr *addons.Error
	if errors.As(err, &addonErr) {
		resp.Field = addonErr.Field
	}
	if status >= http.StatusInternalServerError {
		logging.Error("api-gateway", "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if kind == addons.KindInternal {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
