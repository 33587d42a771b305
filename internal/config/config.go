// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the database, the generation provider,
// credit pricing, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-credits-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the database driver and connection string.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	DSN    string // DB_DSN (falls back to DB_PATH for sqlite)
}

// ProviderConfig configures the generation provider adapter.
type ProviderConfig struct {
	Mode          string        // PROVIDER_MODE: http|mock (mock when no base URL)
	BaseURL       string        // PROVIDER_BASE_URL
	APIKey        string        // PROVIDER_API_KEY
	CallbackURL   string        // PROVIDER_CALLBACK_URL (public webhook URL)
	CallbackToken string        // PROVIDER_CALLBACK_TOKEN, required on webhook deliveries when set
	SubmitTimeout time.Duration // PROVIDER_SUBMIT_TIMEOUT
	QueryTimeout  time.Duration // PROVIDER_QUERY_TIMEOUT
}

// CreditsConfig holds pricing and grant settings.
type CreditsConfig struct {
	PricingFile         string        // PRICING_FILE (YAML), optional
	DefaultTaskCredits  int64         // DEFAULT_TASK_CREDITS
	GuestFreeCredits    int64         // GUEST_FREE_CREDITS
	SignupBonusCredits  int64         // SIGNUP_BONUS_CREDITS
	CommitRetryAttempts int           // COMMIT_RETRY_ATTEMPTS
	ExpiringWindow      time.Duration // CREDITS_EXPIRING_WINDOW
}

// AssetConfig configures durable storage for generation results.
type AssetConfig struct {
	Dir           string   // ASSET_DIR; empty disables relocation
	PublicBaseURL string   // ASSET_PUBLIC_BASE_URL
	RoutePrefix   string   // ASSET_ROUTE_PREFIX, where Dir is served
	AllowedHosts  []string // ASSET_ALLOWED_HOSTS (CSV); empty allows any public host
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DB       DBConfig
	Provider ProviderConfig
	Credits  CreditsConfig
	Assets   AssetConfig

	// AdminToken guards grant and reversal endpoints (X-Admin-Token).
	// Empty disables those endpoints.
	AdminToken string

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	providerBase := getenv("PROVIDER_BASE_URL", "")
	providerMode := "mock"
	if providerBase != "" {
		providerMode = "http"
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", getenv("DB_PATH", "app.db")),
		},
		Provider: ProviderConfig{
			Mode:          strings.ToLower(getenv("PROVIDER_MODE", providerMode)),
			BaseURL:       providerBase,
			APIKey:        getenv("PROVIDER_API_KEY", ""),
			CallbackURL:   getenv("PROVIDER_CALLBACK_URL", ""),
			CallbackToken: getenv("PROVIDER_CALLBACK_TOKEN", ""),
			SubmitTimeout: getdur("PROVIDER_SUBMIT_TIMEOUT", 30*time.Second),
			QueryTimeout:  getdur("PROVIDER_QUERY_TIMEOUT", 10*time.Second),
		},
		Credits: CreditsConfig{
			PricingFile:         getenv("PRICING_FILE", ""),
			DefaultTaskCredits:  int64(getint("DEFAULT_TASK_CREDITS", 10)),
			GuestFreeCredits:    int64(getint("GUEST_FREE_CREDITS", 3)),
			SignupBonusCredits:  int64(getint("SIGNUP_BONUS_CREDITS", 0)),
			CommitRetryAttempts: getint("COMMIT_RETRY_ATTEMPTS", 3),
			ExpiringWindow:      getdur("CREDITS_EXPIRING_WINDOW", 7*24*time.Hour),
		},
		Assets: AssetConfig{
			Dir:           getenv("ASSET_DIR", ""),
			PublicBaseURL: getenv("ASSET_PUBLIC_BASE_URL", "/assets"),
			RoutePrefix:   normalizeBasePath(getenv("ASSET_ROUTE_PREFIX", "/assets")),
			AllowedHosts:  splitCSV(getenv("ASSET_ALLOWED_HOSTS", "")),
		},
		AdminToken: getenv("ADMIN_TOKEN", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-credits-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	switch cfg.Provider.Mode {
	case "http":
		if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
			return cfg, errors.New("PROVIDER_BASE_URL is required when PROVIDER_MODE=http")
		}
	case "mock":
	default:
		return cfg, errors.New("PROVIDER_MODE must be one of: http, mock")
	}
	if cfg.Provider.SubmitTimeout <= 0 || cfg.Provider.QueryTimeout <= 0 {
		return cfg, errors.New("provider timeouts must be positive durations")
	}
	if cfg.Credits.DefaultTaskCredits < 0 || cfg.Credits.GuestFreeCredits < 0 || cfg.Credits.SignupBonusCredits < 0 {
		return cfg, errors.New("credit amounts must be >= 0")
	}
	if cfg.Credits.CommitRetryAttempts < 1 {
		return cfg, errors.New("COMMIT_RETRY_ATTEMPTS must be >= 1")
	}
	if cfg.Credits.ExpiringWindow <= 0 {
		return cfg, errors.New("CREDITS_EXPIRING_WINDOW must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- env helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
