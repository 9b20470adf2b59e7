package api

import (
	"net/http"
	"time"

	"trading-core/internal/gateway"
	"trading-core/internal/monitor"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires the REST surface around the database and gateway
// pool; the Event Hub is mounted separately as its own WebSocket handler.
type Server struct {
	Router *gin.Engine
	DB     *db.Database

	Gateways *gateway.Manager
	KeyMgr   *crypto.KeyManager
	Metrics  *monitor.SystemMetrics

	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the dashboard.
type SystemMeta struct {
	Venue   string
	Testnet bool
	Version string
}

// NewServer creates the API server.
func NewServer(
	database *db.Database,
	gateways *gateway.Manager,
	keyMgr *crypto.KeyManager,
	metrics *monitor.SystemMetrics,
	meta SystemMeta,
	jwtSecret string,
) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		DB:        database,
		Gateways:  gateways,
		KeyMgr:    keyMgr,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/exchange-accounts", s.listExchangeAccounts)
			protected.POST("/exchange-accounts", s.createExchangeAccount)
			protected.DELETE("/exchange-accounts/:id", s.deactivateExchangeAccount)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
