package response

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/credstack/credd/internal/apperr"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: buildMeta(r)})
}

// FromError renders a service error through the taxonomy. Unclassified
// errors come out as a bare 500 so internals never leak.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.AsError(err)
	if appErr == nil {
		Error(w, r, http.StatusInternalServerError, string(apperr.CodeInternal), "internal error", nil)
		return
	}
	if appErr.Code == apperr.CodeLocked || appErr.Code == apperr.CodeTransient {
		if secs := int(appErr.RetryAfter.Round(time.Second).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	msg := appErr.Message
	if appErr.Code == apperr.CodeInternal {
		msg = "internal error"
	}
	Error(w, r, statusFor(appErr.Code), string(appErr.Code), msg, nil)
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeDuplicate:
		return http.StatusConflict
	case apperr.CodeInvalidCredentials:
		return http.StatusUnauthorized
	case apperr.CodeLocked:
		return http.StatusForbidden
	case apperr.CodeInvalidSession, apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeExpired, apperr.CodeMismatch:
		return http.StatusUnprocessableEntity
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
