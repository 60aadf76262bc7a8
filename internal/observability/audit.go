package observability

import (
	"log/slog"
	"net"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Audit emits one structured record per security-relevant action. The
// record carries the request's identity trail (request id, remote host)
// so lockouts and resets can be traced back from the log stream alone.
func Audit(r *http.Request, action string, attrs ...any) {
	fields := []any{
		"action", action,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
		"remote", remoteHost(r),
	}
	fields = append(fields, attrs...)
	slog.InfoContext(r.Context(), "audit", fields...)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
