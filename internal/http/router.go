// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Middleware order:
//   - Observability first (OTel + Prometheus)
//   - RequestID → logging → recovery
//   - Idempotency lookup before the rate limiter, so replays are not throttled
package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/config"
	"github.com/tbourn/go-credits-backend/internal/http/handlers"
	"github.com/tbourn/go-credits-backend/internal/http/middleware"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/services"
)

// Deps carries the adapters the services are built on. Relocator may be nil.
type Deps struct {
	Provider  services.Provider
	Relocator services.Relocator
	Prices    *services.PriceCatalog
}

// guest claims are cheap to abuse from one address; keep them well below the
// global budget.
const (
	guestRPS   = 0.2
	guestBurst = 2
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine, builds the services from db and deps, and mounts the versioned API
// under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
		SkipPaths:   []string{"/health", "/metrics"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics("/metrics"))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// A key counts as stored only once the task it guards was committed;
	// in-flight reservations are left to the service to report as conflicts.
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 200},
		func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
			if err != nil || rec == nil {
				return false, err
			}
			return rec.ResourceID != "", nil
		},
	))

	apiBase := cfg.APIBasePath // e.g. "/api/v1"

	// Provider callbacks arrive from a few shared addresses and must always
	// be acknowledged and logged.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).
		Skip(joinPath(apiBase, "/webhooks/provider"))
	r.Use(rl.Handler())

	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"X-User-ID", handlers.HeaderAdminToken, middleware.HeaderIdempotencyKey,
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
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
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
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

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:      cfg.Security.EnableHSTS,
		HSTSMaxAge:      cfg.Security.HSTSMaxAge,
		NoStorePrefixes: []string{joinPath(apiBase, "/credits"), joinPath(apiBase, "/guest"), joinPath(apiBase, "/admin")},
		EnablePolicy:    true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if cfg.Assets.Dir != "" && cfg.Assets.RoutePrefix != "" && cfg.Assets.RoutePrefix != "/" {
		r.Static(cfg.Assets.RoutePrefix, cfg.Assets.Dir)
	}

	// Dependency injection: services ← repo/db/adapters
	ledgerSvc := services.NewLedgerService(db)
	if cfg.Credits.ExpiringWindow > 0 {
		ledgerSvc.ExpiringWindow = cfg.Credits.ExpiringWindow
	}

	prices := deps.Prices
	if prices == nil {
		prices = services.NewPriceCatalog(cfg.Credits.DefaultTaskCredits, nil)
	}
	taskSvc := services.NewTaskService(db, ledgerSvc, deps.Provider, deps.Relocator, prices)
	taskSvc.CallbackURL = callbackURL(cfg.Provider.CallbackURL, cfg.Provider.CallbackToken)
	if cfg.Provider.SubmitTimeout > 0 {
		taskSvc.SubmitTimeout = cfg.Provider.SubmitTimeout
	}
	if cfg.Provider.QueryTimeout > 0 {
		taskSvc.QueryTimeout = cfg.Provider.QueryTimeout
	}
	if cfg.Credits.CommitRetryAttempts > 0 {
		taskSvc.CommitAttempts = cfg.Credits.CommitRetryAttempts
	}
	taskSvc.IdempotencyTTL = cfg.IdempotencyTTL

	guestSvc := services.NewGuestService(db, ledgerSvc, cfg.Credits.GuestFreeCredits)
	guestSvc.SignupCredits = cfg.Credits.SignupBonusCredits

	h := handlers.New(taskSvc, ledgerSvc, guestSvc, cfg.AdminToken)
	h.CallbackToken = cfg.Provider.CallbackToken
	guestRL := middleware.NewRateLimiter(guestRPS, guestBurst, middleware.KeyByIP())

	api := groupWithPrefix(r, apiBase)
	{
		// Tasks
		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:task_no", h.GetTask)
		api.POST("/tasks/:task_no/start", h.StartTask)
		api.GET("/tasks/:task_no/charges", h.GetTaskCharges)

		// Provider callback
		api.POST("/webhooks/provider", h.ProviderWebhook)

		// Credits
		api.GET("/credits/balance", h.GetBalance)
		api.GET("/credits/lots", h.ListLots)
		api.GET("/credits/consumptions", h.ListConsumptions)
		api.POST("/credits/signup-bonus", h.ClaimSignupBonus)
		api.POST("/credits/grants", h.GrantCredits)
		api.POST("/credits/lots/:id/reverse", h.ReverseLot)

		// Promotions
		api.POST("/guest/credits", guestRL.Handler(), h.ClaimGuestCredits)

		// Operators
		api.GET("/admin/orphaned-jobs", h.ListOrphanedJobs)
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

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}

// callbackURL adds the callback secret to the webhook URL handed to the
// provider, which echoes it back on every delivery.
func callbackURL(raw, token string) string {
	if raw == "" || token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
