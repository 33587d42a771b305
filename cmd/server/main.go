// Command server runs the credits backend HTTP API.
//
// @title          Credits Backend API
// @version        1.0
// @description    Prepaid credit ledger and asynchronous generation tasks.
// @BasePath       /api/v1
// @schemes        http https
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-credits-backend/docs"
	"github.com/tbourn/go-credits-backend/internal/config"
	httpapi "github.com/tbourn/go-credits-backend/internal/http"
	"github.com/tbourn/go-credits-backend/internal/observability"
	"github.com/tbourn/go-credits-backend/internal/provider"
	"github.com/tbourn/go-credits-backend/internal/provider/mock"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/services"
	"github.com/tbourn/go-credits-backend/internal/storage"
	"github.com/tbourn/go-credits-backend/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	sysutil.InitLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
		Version: ver,
	})

	if err := run(cfg, ver); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, ver string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
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

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		docs.SwaggerInfo.Version = ver
	}
	httpapi.RegisterRoutes(r, db, deps, cfg)

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
			Str("db_driver", cfg.DB.Driver).
			Str("provider", cfg.Provider.Mode).
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
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// buildDeps selects the provider adapter, the optional asset relocator and
// the price catalog.
func buildDeps(cfg config.Config) (httpapi.Deps, error) {
	var deps httpapi.Deps

	switch cfg.Provider.Mode {
	case "http":
		deps.Provider = provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey)
	default:
		log.Warn().Msg("PROVIDER_BASE_URL not set; using the in-process mock provider")
		deps.Provider = mock.New()
	}

	if cfg.Assets.Dir != "" {
		rel, err := storage.NewDiskRelocator(cfg.Assets.Dir, cfg.Assets.PublicBaseURL)
		if err != nil {
			return deps, err
		}
		rel.AllowedHosts = cfg.Assets.AllowedHosts
		deps.Relocator = rel
	}

	if cfg.Credits.PricingFile != "" {
		prices, err := services.LoadPriceCatalog(cfg.Credits.PricingFile, cfg.Credits.DefaultTaskCredits)
		if err != nil {
			return deps, err
		}
		deps.Prices = prices
	} else {
		deps.Prices = services.NewPriceCatalog(cfg.Credits.DefaultTaskCredits, nil)
	}
	return deps, nil
}
