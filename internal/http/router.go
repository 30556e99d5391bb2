// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
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
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/campview/chatsync/internal/chat"
	"github.com/campview/chatsync/internal/config"
	"github.com/campview/chatsync/internal/domain"
	"github.com/campview/chatsync/internal/feed"
	"github.com/campview/chatsync/internal/http/handlers"
	"github.com/campview/chatsync/internal/http/middleware"
	"github.com/campview/chatsync/internal/repo"
	"github.com/campview/chatsync/internal/services"
)

// gormReceipts adapts the repository free functions to the
// handlers.ReceiptStore interface. This keeps handlers decoupled from the
// concrete repo package while reusing existing functions.
type gormReceipts struct{ db *gorm.DB }

// Lookup proxies repo.GetSendReceipt, flattening ErrNotFound to (nil, nil).
func (g gormReceipts) Lookup(ctx context.Context, userID, channelID, key string, now time.Time) (*domain.SendReceipt, error) {
	rec, err := repo.GetSendReceipt(ctx, g.db, userID, channelID, key, now)
	if err != nil {
		return nil, nil
	}
	return rec, nil
}

// Record proxies repo.CreateSendReceipt. Duplicates are not an error here:
// a concurrent retry already stored the same receipt.
func (g gormReceipts) Record(ctx context.Context, userID, channelID, key, messageID string, status int, ttl time.Duration) error {
	_, err := repo.CreateSendReceipt(ctx, g.db, userID, channelID, key, messageID, status, ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// Message proxies repo.GetMessage.
func (g gormReceipts) Message(ctx context.Context, messageID string) (*domain.Message, error) {
	return repo.GetMessage(ctx, g.db, messageID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// The returned SessionService owns every live session wired through the API;
// callers must CloseAll it on shutdown.
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
func RegisterRoutes(r *gin.Engine, db *gorm.DB, bus *feed.Bus, cfg config.Config) *services.SessionService {
	r.HandleMethodNotAllowed = true

	// Dependency injection: core collaborators ← db/bus
	store := feed.NewStore(db, bus)
	channels := feed.NewChannels(db)
	resolver := chat.NewChannelResolver(channels, cfg.Chat.MaxChannelName, log.Logger)
	sessionCfg := chat.SessionConfig{
		Subscription: chat.SubscriptionConfig{
			Backoff: chat.BackoffPolicy{
				Base:   cfg.Reconnect.BaseDelay,
				Max:    cfg.Reconnect.MaxDelay,
				Jitter: cfg.Reconnect.Jitter,
			},
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Sync: chat.SynchronizerConfig{
			HistoryLimit:    cfg.Chat.HistoryLimit,
			MaxContentLen:   cfg.Chat.MaxContentLen,
			SendTimeout:     cfg.Chat.SendTimeout,
			ReconcileWindow: cfg.Chat.ReconcileWindow,
		},
	}

	sessions := services.NewSessionService(func() *chat.Session {
		return chat.NewSession(resolver, store, bus, sessionCfg, log.Logger)
	}, log.Logger)
	sessions.MaxSessions = cfg.Chat.MaxSessions

	channelSvc := services.NewChannelService(db)
	h := handlers.New(sessions, channelSvc, gormReceipts{db: db})
	h.ReceiptTTL = cfg.IdempotencyTTL

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key", // project-specific sensitive header example
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Response compression. The stream endpoint is excluded: a hijacked
	// WebSocket connection must not go through a wrapped writer.
	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`.*/stream$`, `^/metrics$`})))

	// 7) Idempotency validation (before rate limiting). The route's :id is a
	// session handle; resolve it to the channel receipts are keyed by.
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, scopeID, key string, now time.Time) (bool, error) {
			entry, err := sessions.Get(scopeID, userID)
			if err != nil {
				return false, nil
			}
			rec, err := repo.GetSendReceipt(ctx, db, userID, entry.Session.ChannelID(), key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
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
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Channels
		api.GET("/channels", h.ListChannels)
		api.GET("/channels/:id", h.GetChannel)

		// Sessions
		api.POST("/sessions", h.OpenSession)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.CloseSession)
		api.GET("/sessions/:id/stream", h.StreamSession)

		// Messages
		api.GET("/sessions/:id/messages", h.ListMessages)
		api.POST("/sessions/:id/messages", h.SendMessage)
		api.DELETE("/sessions/:id/messages/:messageID", h.DeleteMessage)
	}

	return sessions
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
