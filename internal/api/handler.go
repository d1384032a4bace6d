// Package api exposes the webhook receiver and the JWT-protected admin
// surface over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/monitor"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logging"
)

// Ingester admits webhook deliveries into the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, body []byte, signature, webhookID string) (engine.Receipt, error)
}

// AdapterPool is the subset of the adapter pool the admin routes touch.
type AdapterPool interface {
	Invalidate(accountID string)
	Stats() gateway.PoolStats
}

// Config wires the server. Pool, Bus and Metrics are optional.
type Config struct {
	Engine  Ingester
	Store   db.Store
	Vault   crypto.Vault
	Pool    AdapterPool
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	Log     logrus.FieldLogger

	JWTSecret string
	// AdminPasswordHash is a bcrypt hash; empty disables password login.
	AdminPasswordHash string
	Version           string
}

// Server wires HTTP endpoints around the pipeline.
type Server struct {
	Router *gin.Engine
	cfg    Config
	log    logrus.FieldLogger
	ips    *ipLimiter
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewSystemMetrics()
	}
	log := logging.OrStandard(cfg.Log).WithField("component", "api")

	r := gin.New()
	// Middleware stack (order matters!)
	r.Use(Recovery(log))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, cfg.Metrics))
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		cfg:    cfg,
		log:    log,
		ips:    newIPLimiter(20, 50),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	// Webhooks are throttled per webhook by the pipeline, not per IP.
	s.Router.POST("/webhook/:id", s.receiveWebhook)

	api := s.Router.Group("/api")
	api.Use(RateLimitMiddleware(s.ips))
	{
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		protected.Use(TimeoutMiddleware(30 * time.Second))
		{
			protected.POST("/accounts", s.createAccount)
			protected.GET("/accounts", s.listAccounts)
			protected.DELETE("/accounts/:id", s.deleteAccount)
			protected.POST("/webhooks", s.createWebhook)

			protected.GET("/strategies", s.listStrategies)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.PUT("/strategies/:id", s.putStrategy)

			protected.GET("/orders", s.getOrders)
			protected.GET("/positions", s.getPositions)
			protected.GET("/audit", s.getAudit)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/metrics/prom", s.getPromMetrics)
		}

		// Browsers cannot set headers on websocket upgrades; the token may
		// also come as a query parameter.
		api.GET("/ws", AuthMiddleware(s.cfg.JWTSecret), s.websocket)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.cfg.Version})
}

// StartJanitor drops idle per-IP limiters until ctx is done.
func (s *Server) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ips.sweep(interval)
			}
		}
	}()
}
