// Command server runs the parcel-forwarding HTTP API.
//
//	@title						Parcel Forwarding API
//	@version					1.0
//	@description				Customer support chat, read-state sync, order procedures and order files for a parcel-forwarding dashboard.
//	@BasePath					/api/v1
//	@schemes					http https
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				"Bearer <access token>"
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/parcel-forwarding-backend/internal/auth"
	"github.com/tbourn/parcel-forwarding-backend/internal/config"
	httpapi "github.com/tbourn/parcel-forwarding-backend/internal/http"
	"github.com/tbourn/parcel-forwarding-backend/internal/lease"
	"github.com/tbourn/parcel-forwarding-backend/internal/notify"
	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
	"github.com/tbourn/parcel-forwarding-backend/internal/realtime"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
	"github.com/tbourn/parcel-forwarding-backend/internal/services"
	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
	"github.com/tbourn/parcel-forwarding-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	redisChannel    = "parcel:changes"
	revokedPrefix   = "parcel:revoked:"
	notifyPrefix    = "parcel:notify:"
	notifyCooldown  = 5 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Version: sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version),
	})
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB, cfg.OTEL.Enabled)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	broker, rdb, err := newBroker(ctx, cfg.Realtime)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := realtime.Capture(db, broker); err != nil {
		return err
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	enforcer, err := auth.NewEnforcer(db, cfg.APIBasePath)
	if err != nil {
		return err
	}
	issuer := auth.NewIssuer(cfg.Auth.AccessKey, cfg.Auth.RefreshKey, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	if rdb != nil {
		issuer.Revoked = lease.NewRedis(rdb, revokedPrefix)
	}
	roles := auth.NewRoleCache(auth.RepoLookup(db), cfg.Auth.RoleCacheTTL)

	// Background workers stop with ctx.
	reconciler := &services.Reconciler{
		DB:       db,
		Store:    store,
		Broker:   broker,
		Bucket:   cfg.Storage.ChatBucket,
		Grace:    cfg.Chat.IntentGrace,
		Interval: cfg.Chat.ReconcileInterval,
	}
	go reconciler.Run(ctx)

	if cfg.Mail.Enabled() {
		n := &notify.Notifier{
			Broker:     broker,
			Mailer:     notify.NewSMTPMailer(cfg.Mail),
			DB:         db,
			StaffEmail: cfg.Mail.StaffEmail,
			Cooldown:   notifyCooldown,
		}
		if rdb != nil {
			n.Leases = lease.NewRedis(rdb, notifyPrefix)
		}
		go func() {
			if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("notifier stopped")
			}
		}()
	} else {
		log.Info().Msg("SMTP_HOST not set; staff notifications disabled")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:       db,
		Store:    store,
		Broker:   broker,
		Issuer:   issuer,
		Roles:    roles,
		Enforcer: enforcer,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("db", cfg.DB.Driver).
			Str("storage", cfg.Storage.Backend).
			Str("realtime", cfg.Realtime.Backend).
			Bool("swagger", cfg.SwaggerEnabled).
			Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

// newBroker builds the change feed named by cfg.Backend. The Redis client,
// when there is one, also backs token revocation and notify cooldowns; the
// broker closes it.
func newBroker(ctx context.Context, cfg config.RealtimeConfig) (realtime.Broker, *redis.Client, error) {
	if cfg.Backend != "redis" {
		return realtime.NewMemoryBroker(), nil, nil
	}
	rdb, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return realtime.NewRedisBroker(rdb, redisChannel), rdb, nil
}
