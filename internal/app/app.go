package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/credstack/credd/internal/config"
	"github.com/credstack/credd/internal/health"
	"github.com/credstack/credd/internal/http/handler"
	appmiddleware "github.com/credstack/credd/internal/http/middleware"
	"github.com/credstack/credd/internal/http/router"
	"github.com/credstack/credd/internal/lockout"
	"github.com/credstack/credd/internal/notify"
	"github.com/credstack/credd/internal/observability"
	"github.com/credstack/credd/internal/repository"
	"github.com/credstack/credd/internal/security"
	"github.com/credstack/credd/internal/service"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime

	db       *gorm.DB
	redis    *redis.Client
	sessions repository.SessionRepository
	sweep    time.Duration
}

// Build wires the whole service from configuration: storage, the
// service layer, the HTTP surface and the observability runtime.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := observability.NewLogger(cfg)
	runtime, err := observability.InitRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	db, err := repository.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repository.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)

	hasher := security.NewPasswordHasher(cfg.BcryptCost)
	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)
	tokens := service.NewTokenService(jwtMgr, sessions, cfg.RefreshTokenPepper, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	var mailer notify.Mailer
	if cfg.MailerDriver == "smtp" {
		mailer = notify.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword)
	} else {
		mailer = notify.NewLogMailer(logger)
	}
	dispatcher := notify.NewDispatcher(mailer, cfg.NotifyTimeout, cfg.NotifyMaxRetry, logger)

	verifier := service.NewVerificationService(users, sessions, hasher, dispatcher,
		cfg.PublicBaseURL, cfg.OTPTTL, cfg.ResetTokenTTL, cfg.VerifyTokenTTL, logger)
	policy := lockout.Policy{MaxAttempts: cfg.MaxLoginAttempts, LockDuration: cfg.LockDuration}
	auth := service.NewAuthService(users, hasher, tokens, verifier, policy, logger)
	sessionSvc := service.NewSessionService(sessions)

	checks := []health.Check{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if redisClient != nil {
		checks = append(checks, health.Check{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}

	deps := router.Dependencies{
		AuthHandler:        handler.NewAuthHandler(auth, verifier),
		UserHandler:        handler.NewUserHandler(sessionSvc),
		JWTManager:         jwtMgr,
		Identities:         auth,
		CORSOrigins:        cfg.CORSOrigins,
		APIRateLimitRPM:    cfg.APIRateLimitRPM,
		AuthRateLimitRPM:   cfg.AuthRateLimitRPM,
		ForgotRateLimitRPM: cfg.ForgotRateLimitRPM,
		Readiness:          health.NewProbeRunner(2*time.Second, checks...),
		EnableOTelHTTP:     cfg.EnableOTelHTTP,
	}
	if redisClient != nil {
		// Replicas share one counter per key.
		limiter := appmiddleware.NewRedisWindowLimiter(redisClient, "credd:ratelimit")
		deps.GlobalRateLimiter = appmiddleware.NewDistributedRateLimiter(limiter, cfg.APIRateLimitRPM, time.Minute, appmiddleware.FailOpen, "api").Middleware()
		deps.AuthRateLimiter = appmiddleware.NewDistributedRateLimiter(limiter, cfg.AuthRateLimitRPM, time.Minute, appmiddleware.FailClosed, "auth").Middleware()
		deps.ForgotRateLimiter = appmiddleware.NewDistributedRateLimiter(limiter, cfg.ForgotRateLimitRPM, time.Minute, appmiddleware.FailClosed, "forgot").Middleware()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Server:        server,
		Observability: runtime,
		db:            db,
		redis:         redisClient,
		sessions:      sessions,
		sweep:         cfg.SweepInterval,
	}, nil
}

// Run serves until the context is cancelled or a signal arrives, then
// drains connections and shuts the observability pipeline down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("server listening", "addr", a.Server.Addr, "env", a.Config.Env)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.runSessionSweeper(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		a.Logger.Info("shutting down")
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("drain http server: %w", err)
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil {
			a.Logger.Warn("close redis", "error", cerr.Error())
		}
	}
	if sqlDB, derr := a.db.DB(); derr == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			a.Logger.Warn("close database", "error", cerr.Error())
		}
	}
	if oerr := a.Observability.Shutdown(closeCtx); oerr != nil {
		a.Logger.Warn("observability shutdown", "error", oerr.Error())
	}
	return err
}

// runSessionSweeper periodically deletes expired session rows. Logical
// validity is enforced on every lookup; the sweeper only reclaims
// storage.
func (a *App) runSessionSweeper(ctx context.Context) {
	if a.sweep <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			removed, err := a.sessions.CleanupExpired(ctx)
			if err != nil {
				a.Logger.Warn("session sweep failed", "error", err.Error())
				continue
			}
			observability.RecordSessionSweep(removed, time.Since(start))
			if removed > 0 {
				a.Logger.Info("session sweep", "removed", removed)
			}
		}
	}
}
