// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/auth"
	"github.com/tbourn/parcel-forwarding-backend/internal/config"
	"github.com/tbourn/parcel-forwarding-backend/internal/docs"
	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/http/handlers"
	"github.com/tbourn/parcel-forwarding-backend/internal/http/middleware"
	"github.com/tbourn/parcel-forwarding-backend/internal/realtime"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/rpc"
	"github.com/tbourn/parcel-forwarding-backend/internal/services"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

// chatRepoShim adapts the repository free functions to the services.ChatRepo
// interface expected by the ChatService. This keeps services decoupled from
// the concrete repo package while reusing existing functions.
type chatRepoShim struct{}

// CreateChat proxies repo.CreateChat.
func (chatRepoShim) CreateChat(ctx context.Context, db *gorm.DB, userID string, contactEmail *string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, contactEmail)
}

// GetChatByUser proxies repo.GetChatByUser.
func (chatRepoShim) GetChatByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Chat, error) {
	return repo.GetChatByUser(ctx, db, userID)
}

// GetChatByID proxies repo.GetChatByID.
func (chatRepoShim) GetChatByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	return repo.GetChatByID(ctx, db, id)
}

// CountChats proxies repo.CountChats (pagination support).
func (chatRepoShim) CountChats(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountChats(ctx, db)
}

// ListChatsPage proxies repo.ListChatsPage (pagination support).
func (chatRepoShim) ListChatsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, offset, limit)
}

// Deps carries the long-lived components the routes are built on.
type Deps struct {
	DB       *gorm.DB
	Store    storage.ObjectStore
	Broker   realtime.Broker
	Issuer   *auth.Issuer
	Roles    *auth.RoleCache
	Enforcer middleware.PolicyEnforcer
}

// Rate limiter shape: an upload spends uploadCost tokens, staff buckets
// hold staffBurst times the configured burst.
const (
	uploadCost = 4
	staffBurst = 3
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, health, metrics and docs endpoints, and then mounts the versioned
// API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: request-scoped logger on the context
//  4. RedactingLogger: access log with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. CORS, security headers and gzip
//
// and, on authenticated routes only:
//  9. Authenticate: bearer token → user id, email, staff flag
//  10. Idempotency validator (before rate limiter to allow bypass on replay)
//  11. Rate limiter (per caller, uploads cost more, bypass on replay)
//  12. RBAC on /admin
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2-3) Correlate requests and logs
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())

	// 4) Structured access log with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{handlers.ServiceRoleHeader},
	}))

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Global body size limit; uploads share it
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	r.Use(limitBody(maxBody))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := originSet(cfg.CORS.AllowedOrigins)
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{joinPath(cfg.APIBasePath, "/auth/"), joinPath(cfg.APIBasePath, "/rpc/")},
		SandboxPrefixes: []string{"/files/"},
	}))

	// WebSocket upgrades and file downloads must reach the raw writer.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`/stream$`, `^/files/`, `^/metrics$`}),
	))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/store/broker
	db := d.DB
	chatSvc := services.NewChatService(db, chatRepoShim{})
	msgSvc := &services.MessageService{
		DB:           db,
		Chats:        chatSvc,
		Store:        d.Store,
		Broker:       d.Broker,
		Bucket:       cfg.Storage.ChatBucket,
		URLTTL:       cfg.Chat.ChatURLTTL,
		MaxRunes:     cfg.Chat.MaxMessageRunes,
		MaxFileBytes: cfg.Chat.MaxFileBytes,
	}
	fileSvc := &services.OrderFileService{
		DB:           db,
		Store:        d.Store,
		Bucket:       cfg.Storage.OrdersBucket,
		URLTTL:       cfg.Chat.OrderURLTTL,
		MaxFileBytes: cfg.Chat.MaxFileBytes,
	}
	procs := (&rpc.Procedures{
		DB:           db,
		Orders:       cfg.Orders,
		Store:        d.Store,
		OrdersBucket: cfg.Storage.OrdersBucket,
	}).NewRegistry()

	h := handlers.New(chatSvc, msgSvc, fileSvc, procs)
	h.SetIdempotencyTTL(cfg.IdempotencyTTL)

	streamer := realtime.NewStreamer(&realtime.Subscriber{
		Broker: d.Broker,
		DB:     db,
		Signer: d.Store,
		Bucket: cfg.Storage.ChatBucket,
		URLTTL: cfg.Chat.ChatURLTTL,
	}, checkOrigin(cfg.CORS.AllowedOrigins))

	// Keep nil caches out of the interfaces.
	var roles middleware.AdminLookup
	authH := &handlers.AuthHandlers{Issuer: d.Issuer, ServiceRoleKey: cfg.Auth.ServiceRoleKey}
	if d.Roles != nil {
		roles = d.Roles
		authH.Roles = d.Roles
	}

	// Signed downloads for the local backend
	if fs, ok := d.Store.(handlers.SignedFileStore); ok {
		r.GET("/files/*path", handlers.ServeFile(fs))
	}

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Sessions
		api.POST("/auth/token", authH.IssueToken)
		api.POST("/auth/refresh", authH.RefreshToken)
		api.POST("/auth/signout", authH.SignOut)
	}

	rl := middleware.NewRateLimiter(middleware.RateOptions{
		RPS:        cfg.RateRPS,
		Burst:      cfg.RateBurst,
		UploadCost: uploadCost,
		StaffBurst: staffBurst,
	})
	// Only message sends replay; keys elsewhere get no rate bypass.
	sendRoutes := []string{joinPath(apiBase, "/me/messages"), joinPath(apiBase, "/chats/:id/messages")}
	authed := api.Group("",
		middleware.Authenticate(d.Issuer, roles),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: 200, ReplayRoutes: sendRoutes},
			func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
				_, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
				if errors.Is(err, repo.ErrNotFound) {
					return false, nil
				}
				return err == nil, err
			},
		),
		rl.Handler(),
	)
	{
		// The caller's own chat
		authed.GET("/me/chat", h.GetMyChat)
		authed.POST("/me/chat", h.EnsureMyChat)
		authed.GET("/me/messages", h.ListMyMessages)
		authed.POST("/me/messages", h.PostMyMessage)

		// Any chat the caller owns or staffs
		authed.GET("/chats/:id/messages", h.ListMessages)
		authed.POST("/chats/:id/messages", h.PostMessage)
		authed.GET("/chats/:id/stream", h.StreamChat(streamer))

		// Procedures
		authed.POST("/rpc/:name", h.CallProcedure)

		// Order files
		authed.POST("/orders/:key/files", h.UploadOrderFile)
		authed.GET("/orders/:key/files", h.ListOrderFiles)
		authed.DELETE("/orders/:key/files/:fileId", h.DeleteOrderFile)

		// Staff
		admin := authed.Group("/admin", middleware.RequireRBAC(d.Enforcer))
		admin.GET("/chats", h.ListChats)
		admin.DELETE("/messages/:id", h.DeleteMessage)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

// joinPath prefixes p with the API base, treating "/" as empty.
func joinPath(base, p string) string {
	return strings.TrimRight(base, "/") + p
}

func originSet(origins []string) map[string]struct{} {
	m := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		m[o] = struct{}{}
	}
	return m
}

// checkOrigin applies the CORS allowlist to WebSocket handshakes. Nil
// accepts any origin.
func checkOrigin(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := originSet(origins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
