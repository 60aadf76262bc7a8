package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/credstack/credd/internal/domain"
	"github.com/credstack/credd/internal/http/response"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/security"
)

type contextKey string

const (
	ClaimsContextKey   contextKey = "claims"
	IdentityContextKey contextKey = "identity"
)

// IdentityProvider resolves a token subject to a live account. The
// guard refuses tokens whose account has vanished or been deactivated,
// even while the signature is still valid.
type IdentityProvider interface {
	GetProfile(ctx context.Context, userID uint) (*domain.PublicUser, error)
	TouchAccess(ctx context.Context, userID uint, ip string)
}

func AuthMiddleware(jwtMgr *security.JWTManager, identities IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", "none")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing access token", nil)
				return
			}
			claims, err := jwtMgr.ParseAccessToken(raw)
			if err != nil {
				// The precise reason stays in the logs; the caller
				// only learns that the token did not pass.
				slog.DebugContext(r.Context(), "access token rejected", "reason", err.Error())
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid access token", nil)
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid access token", nil)
				return
			}
			identity, err := identities.GetProfile(r.Context(), userID)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "stale_subject", "bearer")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", "bearer")
			identities.TouchAccess(r.Context(), userID, clientIP(r))

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, IdentityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func IdentityFromContext(ctx context.Context) (*domain.PublicUser, bool) {
	u, ok := ctx.Value(IdentityContextKey).(*domain.PublicUser)
	return u, ok
}
