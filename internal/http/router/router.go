package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/credstack/credd/internal/health"
	"github.com/credstack/credd/internal/http/handler"
	"github.com/credstack/credd/internal/http/middleware"
	"github.com/credstack/credd/internal/http/response"
	"github.com/credstack/credd/internal/security"
)

type Dependencies struct {
	AuthHandler        *handler.AuthHandler
	UserHandler        *handler.UserHandler
	JWTManager         *security.JWTManager
	Identities         middleware.IdentityProvider
	CORSOrigins        []string
	APIRateLimitRPM    int
	AuthRateLimitRPM   int
	ForgotRateLimitRPM int
	GlobalRateLimiter  func(http.Handler) http.Handler
	AuthRateLimiter    func(http.Handler) http.Handler
	ForgotRateLimiter  func(http.Handler) http.Handler
	Readiness          *health.ProbeRunner
	EnableOTelHTTP     bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	if dep.GlobalRateLimiter != nil {
		r.Use(dep.GlobalRateLimiter)
	} else {
		r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).Middleware())
	}

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	}
	forgotLimiter := dep.ForgotRateLimiter
	if forgotLimiter == nil {
		forgotLimiter = middleware.NewRateLimiter(dep.ForgotRateLimitRPM, time.Minute).Middleware()
	}
	guard := middleware.AuthMiddleware(dep.JWTManager, dep.Identities)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
			r.With(authLimiter).Post("/logout", dep.AuthHandler.Logout)
			r.With(authLimiter).Get("/verify-email", dep.AuthHandler.VerifyEmail)
			r.With(forgotLimiter).Post("/forgot-password", dep.AuthHandler.ForgotPassword)
			r.With(authLimiter).Post("/reset-password", dep.AuthHandler.ResetPassword)
			r.With(forgotLimiter).Post("/otp/send", dep.AuthHandler.SendOTP)
			r.With(authLimiter).Post("/otp/verify", dep.AuthHandler.VerifyOTP)
		})

		r.Group(func(r chi.Router) {
			r.Use(guard)
			r.Get("/me", dep.UserHandler.Me)
			r.Get("/me/sessions", dep.UserHandler.Sessions)
			r.Post("/me/sessions/revoke-all", dep.UserHandler.RevokeAllSessions)
			r.With(authLimiter).Post("/me/password", dep.AuthHandler.ChangePassword)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
