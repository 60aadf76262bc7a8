package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide immutable configuration, established at
// startup and never mutated thereafter.
type Config struct {
	Env  string
	Addr string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string

	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	RefreshTokenPepper string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	BcryptCost       int
	MaxLoginAttempts int
	LockDuration     time.Duration

	OTPTTL         time.Duration
	ResetTokenTTL  time.Duration
	VerifyTokenTTL time.Duration

	MailerDriver   string // "smtp" or "log"
	SMTPAddr       string
	SMTPFrom       string
	SMTPUsername   string
	SMTPPassword   string
	PublicBaseURL  string
	NotifyTimeout  time.Duration
	NotifyMaxRetry uint64

	APIRateLimitRPM    int
	AuthRateLimitRPM   int
	ForgotRateLimitRPM int
	CORSOrigins        []string

	SweepInterval   time.Duration
	ShutdownTimeout time.Duration

	LogJSON  bool
	LogLevel slog.Level

	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELMetricsExportInterval time.Duration
	EnableOTelHTTP            bool
}

// Load reads configuration from the environment, applying an optional
// .env file first (existing variables win).
func Load(ctx context.Context) (*Config, error) {
	if err := LoadEnvFile(getEnv("CREDD_ENV_FILE", ".env")); err != nil {
		recordConfigValidationEvent(ctx, getEnv("CREDD_ENV", "dev"), "error", classifyConfigLoadError(err))
		return nil, err
	}

	cfg := &Config{
		Env:  getEnv("CREDD_ENV", "dev"),
		Addr: getEnv("CREDD_ADDR", ":8080"),

		DatabaseDSN: getEnv("CREDD_DATABASE_DSN", "file:credd.db?_pragma=busy_timeout(5000)"),

		RedisAddr:     getEnv("CREDD_REDIS_ADDR", ""),
		RedisPassword: getEnv("CREDD_REDIS_PASSWORD", ""),

		JWTSecret:          getEnv("CREDD_JWT_SECRET", ""),
		JWTIssuer:          getEnv("CREDD_JWT_ISSUER", "credd"),
		JWTAudience:        getEnv("CREDD_JWT_AUDIENCE", "credd-api"),
		RefreshTokenPepper: getEnv("CREDD_REFRESH_TOKEN_PEPPER", ""),

		AccessTokenTTL:  getEnvDuration("CREDD_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getEnvDuration("CREDD_REFRESH_TOKEN_TTL", 30*24*time.Hour),

		BcryptCost:       getEnvInt("CREDD_BCRYPT_COST", 10),
		MaxLoginAttempts: getEnvInt("CREDD_MAX_LOGIN_ATTEMPTS", 5),
		LockDuration:     getEnvDuration("CREDD_LOCK_DURATION", 2*time.Hour),

		OTPTTL:         getEnvDuration("CREDD_OTP_TTL", 10*time.Minute),
		ResetTokenTTL:  getEnvDuration("CREDD_RESET_TOKEN_TTL", 2*time.Hour),
		VerifyTokenTTL: getEnvDuration("CREDD_VERIFY_TOKEN_TTL", 24*time.Hour),

		MailerDriver:   getEnv("CREDD_MAILER_DRIVER", "log"),
		SMTPAddr:       getEnv("CREDD_SMTP_ADDR", "localhost:25"),
		SMTPFrom:       getEnv("CREDD_SMTP_FROM", "no-reply@credd.local"),
		SMTPUsername:   getEnv("CREDD_SMTP_USERNAME", ""),
		SMTPPassword:   getEnv("CREDD_SMTP_PASSWORD", ""),
		PublicBaseURL:  getEnv("CREDD_PUBLIC_BASE_URL", "http://localhost:8080"),
		NotifyTimeout:  getEnvDuration("CREDD_NOTIFY_TIMEOUT", 10*time.Second),
		NotifyMaxRetry: envRetryBudget("CREDD_NOTIFY_MAX_RETRY", 3),

		APIRateLimitRPM:    getEnvInt("CREDD_API_RATE_LIMIT_RPM", 300),
		AuthRateLimitRPM:   getEnvInt("CREDD_AUTH_RATE_LIMIT_RPM", 30),
		ForgotRateLimitRPM: getEnvInt("CREDD_FORGOT_RATE_LIMIT_RPM", 5),
		CORSOrigins:        getEnvList("CREDD_CORS_ORIGINS", nil),

		SweepInterval:   getEnvDuration("CREDD_SWEEP_INTERVAL", time.Hour),
		ShutdownTimeout: getEnvDuration("CREDD_SHUTDOWN_TIMEOUT", 15*time.Second),

		LogJSON:  getEnvBool("CREDD_LOG_JSON", false),
		LogLevel: parseLogLevel(getEnv("CREDD_LOG_LEVEL", "info")),

		OTELMetricsEnabled:        getEnvBool("CREDD_OTEL_METRICS_ENABLED", false),
		OTELTracesEnabled:         getEnvBool("CREDD_OTEL_TRACES_ENABLED", false),
		OTELLogsEnabled:           getEnvBool("CREDD_OTEL_LOGS_ENABLED", false),
		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "credd"),
		OTELEnvironment:           getEnv("OTEL_ENVIRONMENT", "dev"),
		OTELMetricsExportInterval: getEnvDuration("CREDD_OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second),
		EnableOTelHTTP:            getEnvBool("CREDD_OTEL_HTTP_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(ctx, cfg.Env, "error", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(ctx, cfg.Env, "success", "none")
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if len(c.JWTSecret) < 32 {
		problems = append(problems, "CREDD_JWT_SECRET must be at least 32 bytes")
	}
	if len(c.RefreshTokenPepper) < 16 {
		problems = append(problems, "CREDD_REFRESH_TOKEN_PEPPER must be at least 16 bytes")
	}
	if c.MaxLoginAttempts < 1 {
		problems = append(problems, "CREDD_MAX_LOGIN_ATTEMPTS must be positive")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		problems = append(problems, "token TTLs must be positive")
	}
	if c.AccessTokenTTL >= c.RefreshTokenTTL {
		problems = append(problems, "access token TTL must be shorter than refresh token TTL")
	}
	if c.OTPTTL <= 0 || c.ResetTokenTTL <= 0 || c.VerifyTokenTTL <= 0 {
		problems = append(problems, "artifact TTLs must be positive")
	}
	if c.MailerDriver != "smtp" && c.MailerDriver != "log" {
		problems = append(problems, "CREDD_MAILER_DRIVER must be smtp or log")
	}
	if len(problems) > 0 {
		return fmt.Errorf("validate config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// envRetryBudget floors negative values at zero so the unsigned retry
// count cannot wrap into an effectively unbounded budget.
func envRetryBudget(key string, fallback int) uint64 {
	n := getEnvInt(key, fallback)
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
