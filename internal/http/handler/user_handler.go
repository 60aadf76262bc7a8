package handler

import (
	"net"
	"net/http"

	"github.com/credstack/credd/internal/http/middleware"
	"github.com/credstack/credd/internal/http/response"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/service"
)

type UserHandler struct {
	sessions service.SessionLister
}

func NewUserHandler(sessions service.SessionLister) *UserHandler {
	return &UserHandler{sessions: sessions}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, identity)
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity", nil)
		return
	}
	views, err := h.sessions.ListActiveSessions(r.Context(), identity.ID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": views})
}

func (h *UserHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity", nil)
		return
	}
	n, err := h.sessions.LogoutEverywhere(r.Context(), identity.ID)
	if err != nil {
		response.FromError(w, r, err)
		return
	}
	observability.Audit(r, "auth.logout_everywhere", "user_id", identity.ID, "revoked", n)
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked": n})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
