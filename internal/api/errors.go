package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pulsestream/backend/internal/core"
)

// statusFor is the single place error kinds become HTTP statuses.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindInvalidEvent:
		return http.StatusBadRequest
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindStoreUnavailable, core.KindCacheUnavailable:
		return http.StatusServiceUnavailable
	default:
		// Conflict surfacing here means the insert recovery itself
		// failed, which is a server-side fault, so it joins internal.
		return http.StatusInternalServerError
	}
}

// errorBody is the fixed error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    core.Kind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Fields  []core.FieldError      `json:"fields,omitempty"`
}

// writeError renders any error through the taxonomy. Internal causes are
// logged, never echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	status := statusFor(kind)

	detail := errorDetail{Kind: kind, Message: "internal error"}
	var ce *core.Error
	if errors.As(err, &ce) {
		detail.Message = ce.Message
		detail.Details = ce.Details
		detail.Fields = ce.Fields
	}
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
		if kind == core.KindInternal {
			detail.Message = "internal error"
			detail.Details = nil
		}
	}

	if kind == core.KindRateLimited && ce != nil {
		if retry, ok := ce.Details["retry_after_seconds"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

// writeJSON renders a response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Error("response encode failed", "error", err)
		}
	}
}
