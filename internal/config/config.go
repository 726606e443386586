// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database and object storage, the change
// feed, authentication, chat limits, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/sysutil"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "parcel-forwarding-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the relational store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite path
	URL    string // postgres DSN
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Backend       string // local|minio
	LocalDir      string
	SigningSecret string // HMAC key for local signed URLs
	PublicBaseURL string // prefix for local signed URLs, e.g. https://api.example.com

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	ChatBucket   string
	OrdersBucket string
}

// RealtimeConfig selects the change feed broker.
type RealtimeConfig struct {
	Backend  string // memory|redis
	RedisURL string
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	AccessKey      string
	RefreshKey     string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	ServiceRoleKey string        // grants POST /auth/token
	RoleCacheTTL   time.Duration // admin-role cache lifetime
}

// ChatConfig holds message limits and signed URL lifetimes.
type ChatConfig struct {
	MaxMessageRunes   int           // text cap when a message has no files
	MaxFileBytes      int64         // per-file cap
	ChatURLTTL        time.Duration // chat attachment signed URLs
	OrderURLTTL       time.Duration // order file signed URLs
	IntentGrace       time.Duration // age after which a pending send is compensated
	ReconcileInterval time.Duration
}

// OrdersConfig holds commission settings used by the quote procedure.
type OrdersConfig struct {
	CommissionPct      float64 // percentage of quote, e.g. 10 for 10%
	CommissionMinCents int64
}

// MailConfig configures staff notifications. Disabled when Host is empty.
// StaffEmail is mailed in addition to every admin_users address.
type MailConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	From       string
	StaffEmail string
}

// Enabled reports whether SMTP delivery is configured.
func (m MailConfig) Enabled() bool {
	return m.Host != ""
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
	MaxBodyBytes      int64         // request body cap (multipart uploads included)
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB       DBConfig
	Storage  StorageConfig
	Realtime RealtimeConfig
	Auth     AuthConfig
	Chat     ChatConfig
	Orders   OrdersConfig
	Mail     MailConfig

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
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      getint64("MAX_BODY_BYTES", 512<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "app.db"),
			URL:    getenv("DATABASE_URL", ""),
		},
		Storage: StorageConfig{
			Backend:        strings.ToLower(getenv("STORAGE_BACKEND", "local")),
			LocalDir:       getenv("STORAGE_LOCAL_DIR", "data/objects"),
			SigningSecret:  getenv("STORAGE_SIGNING_SECRET", ""),
			PublicBaseURL:  strings.TrimRight(getenv("PUBLIC_BASE_URL", ""), "/"),
			MinioEndpoint:  getenv("MINIO_ENDPOINT", "localhost:9000"),
			MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
			MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
			MinioUseSSL:    getbool("MINIO_USE_SSL", false),
			ChatBucket:     getenv("CHAT_BUCKET", "chat-attachments"),
			OrdersBucket:   getenv("ORDERS_BUCKET", "order-files"),
		},
		Realtime: RealtimeConfig{
			Backend:  strings.ToLower(getenv("REALTIME_BACKEND", "memory")),
			RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			AccessKey:      getenv("JWT_ACCESS_KEY", ""),
			RefreshKey:     getenv("JWT_REFRESH_KEY", ""),
			AccessTTL:      getdur("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:     getdur("JWT_REFRESH_TTL", 30*24*time.Hour),
			ServiceRoleKey: getenv("SERVICE_ROLE_KEY", ""),
			RoleCacheTTL:   getdur("ROLE_CACHE_TTL", 5*time.Minute),
		},
		Chat: ChatConfig{
			MaxMessageRunes:   getint("MAX_MESSAGE_RUNES", 4000),
			MaxFileBytes:      getint64("MAX_FILE_BYTES", 100<<20),
			ChatURLTTL:        getdur("CHAT_URL_TTL", 15*time.Minute),
			OrderURLTTL:       getdur("ORDER_URL_TTL", time.Hour),
			IntentGrace:       getdur("INTENT_GRACE", 10*time.Minute),
			ReconcileInterval: getdur("RECONCILE_INTERVAL", time.Minute),
		},
		Orders: OrdersConfig{
			CommissionPct:      getfloat("COMMISSION_PCT", 10),
			CommissionMinCents: getint64("COMMISSION_MIN_CENTS", 500),
		},
		Mail: MailConfig{
			Host:       getenv("SMTP_HOST", ""),
			Port:       getint("SMTP_PORT", 587),
			User:       getenv("SMTP_USER", ""),
			Password:   getenv("SMTP_PASSWORD", ""),
			From:       getenv("MAIL_FROM", "no-reply@localhost"),
			StaffEmail: getenv("STAFF_EMAIL", ""),
		},

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
			ServiceName: getenv("OTEL_SERVICE_NAME", "parcel-forwarding-backend"),
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
	if cfg.DB.Driver == "postgresql" {
		cfg.DB.Driver = "postgres"
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
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	switch cfg.Storage.Backend {
	case "local":
		if strings.TrimSpace(cfg.Storage.LocalDir) == "" {
			return cfg, errors.New("STORAGE_LOCAL_DIR must not be empty")
		}
		if cfg.Storage.SigningSecret == "" {
			return cfg, errors.New("STORAGE_SIGNING_SECRET must be set when STORAGE_BACKEND=local")
		}
	case "minio":
		if cfg.Storage.MinioAccessKey == "" || cfg.Storage.MinioSecretKey == "" {
			return cfg, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY must be set when STORAGE_BACKEND=minio")
		}
	default:
		return cfg, errors.New("STORAGE_BACKEND must be one of: local, minio")
	}
	if cfg.Storage.ChatBucket == "" || cfg.Storage.OrdersBucket == "" {
		return cfg, errors.New("CHAT_BUCKET and ORDERS_BUCKET must not be empty")
	}
	switch cfg.Realtime.Backend {
	case "memory", "redis":
	default:
		return cfg, errors.New("REALTIME_BACKEND must be one of: memory, redis")
	}
	if cfg.Auth.AccessKey == "" || cfg.Auth.RefreshKey == "" {
		return cfg, errors.New("JWT_ACCESS_KEY and JWT_REFRESH_KEY must be set")
	}
	if cfg.Auth.AccessTTL <= 0 || cfg.Auth.RefreshTTL <= 0 {
		return cfg, errors.New("JWT_ACCESS_TTL and JWT_REFRESH_TTL must be > 0")
	}
	if cfg.Auth.RoleCacheTTL <= 0 {
		return cfg, errors.New("ROLE_CACHE_TTL must be > 0")
	}
	if cfg.Chat.MaxMessageRunes < 1 {
		return cfg, errors.New("MAX_MESSAGE_RUNES must be >= 1")
	}
	if cfg.Chat.MaxFileBytes < 1 {
		return cfg, errors.New("MAX_FILE_BYTES must be >= 1")
	}
	if cfg.Chat.ChatURLTTL <= 0 || cfg.Chat.OrderURLTTL <= 0 {
		return cfg, errors.New("CHAT_URL_TTL and ORDER_URL_TTL must be > 0")
	}
	if cfg.Chat.IntentGrace <= 0 || cfg.Chat.ReconcileInterval <= 0 {
		return cfg, errors.New("INTENT_GRACE and RECONCILE_INTERVAL must be > 0")
	}
	if cfg.Orders.CommissionPct < 0 || cfg.Orders.CommissionPct > 100 {
		return cfg, errors.New("COMMISSION_PCT must be between 0 and 100")
	}
	if cfg.Orders.CommissionMinCents < 0 {
		return cfg, errors.New("COMMISSION_MIN_CENTS must be >= 0")
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

// ---- helpers (no external deps) ----

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

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, ok := sysutil.ParseBool(v); ok {
			return b
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
