package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/db"
	"github.com/finpulse/recurrence-engine/internal/discovery"
	"github.com/finpulse/recurrence-engine/internal/matcher"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Config carries the router's deployment knobs.
type Config struct {
	AllowedOrigins string // comma-separated; empty or "*" allows all
	AuthToken      string // empty disables the bearer check (dev mode)
	RatePerMinute  int    // discovery rate limit per caller
	RateBurst      int
}

// Store is the slice of persistence the handlers read and write.
// *db.PostgresStore satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	InsertTransaction(ctx context.Context, t models.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	ListPatterns(ctx context.Context, userID uuid.UUID, status *models.PatternStatus) ([]models.Pattern, error)
	GetPattern(ctx context.Context, id uuid.UUID) (models.Pattern, error)
	GetStreak(ctx context.Context, patternID uuid.UUID) (models.PatternStreak, error)
	UpdatePatternStatus(ctx context.Context, patternID, userID uuid.UUID, status models.PatternStatus) (models.Pattern, error)
	DeletePattern(ctx context.Context, patternID, userID uuid.UUID) error
	ListObligations(ctx context.Context, patternID uuid.UUID, q db.ObligationQuery) ([]models.Obligation, error)
	ListUpcoming(ctx context.Context, userID uuid.UUID, days int) ([]models.Obligation, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

type APIHandler struct {
	store      Store
	runner     *discovery.Runner
	dispatcher *matcher.Dispatcher
	hub        *Hub
	logger     *zap.Logger
}

func SetupRouter(store Store, runner *discovery.Runner, dispatcher *matcher.Dispatcher,
	hub *Hub, cfg Config, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	handler := &APIHandler{
		store:      store,
		runner:     runner,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
	}

	// Public surface: liveness and the event stream.
	r.GET("/api/v1/health", handler.handleHealth)
	r.GET("/api/v1/events/ws", hub.Subscribe)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(cfg.AuthToken, logger))
	api.Use(RequireUser())
	{
		discover := api.Group("/patterns/discover")
		discover.POST("", NewRateLimiter(cfg.RatePerMinute, cfg.RateBurst).Middleware(), handler.handleDiscover)
		discover.GET("/status", handler.handleDiscoverStatus)

		api.GET("/patterns", handler.handleListPatterns)
		api.GET("/patterns/:id", handler.handleGetPattern)
		api.PATCH("/patterns/:id", handler.handleUpdatePattern)
		api.DELETE("/patterns/:id", handler.handleDeletePattern)
		api.GET("/patterns/:id/obligations", handler.handleListObligations)

		api.GET("/obligations/upcoming", handler.handleUpcoming)

		api.POST("/transactions", handler.handleIngestTransaction)
		api.POST("/transactions/:id/process", handler.handleProcessTransaction)

		api.GET("/deadletters", handler.handleDeadLetters)
	}

	return r
}

// corsMiddleware mirrors the gateway's origin policy. Empty or "*" allows
// everything, which is the local development posture.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-User-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
