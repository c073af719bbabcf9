package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/burrowci/burrow/pkg/errdefs"
)

// errorBody is the canonical error envelope every failing endpoint returns.
type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindValidation:
		return http.StatusBadRequest
	case errdefs.KindAuthentication:
		return http.StatusUnauthorized
	case errdefs.KindAuthorization:
		return http.StatusForbidden
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict:
		return http.StatusConflict
	case errdefs.KindRateLimited:
		return http.StatusTooManyRequests
	case errdefs.KindDependencyUnavailable, errdefs.KindDependencyTimeout, errdefs.KindShutdown:
		return http.StatusServiceUnavailable
	case errdefs.KindResourceExhausted:
		return http.StatusTooManyRequests
	case errdefs.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err in the canonical envelope. Internal causes are not
// leaked: only the structured code and message reach the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	detail := errorDetail{
		Code:      errdefs.CodeOf(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
	}
	if kind == errdefs.KindInternal {
		detail.Message = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: detail})
}
