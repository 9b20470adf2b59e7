package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"trading-core/internal/monitor"
	"trading-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createExchangeAccountRequest struct {
	Exchange  string `json:"exchange"`
	Label     string `json:"label" binding:"required,min=1"`
	APIKey    string `json:"api_key" binding:"required,min=1"`
	APISecret string `json:"api_secret" binding:"required,min=1"`
	Testnet   bool   `json:"testnet"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// listExchangeAccounts returns the authenticated user's active exchange
// accounts, with credentials omitted.
func (s *Server) listExchangeAccounts(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	accounts, err := s.DB.Queries().GetExchangeAccountsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":         a.ID,
			"exchange":   a.Exchange,
			"label":      a.Label,
			"testnet":    a.Testnet,
			"is_active":  a.IsActive,
			"created_at": a.CreatedAt,
			"updated_at": a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// createExchangeAccount stores a new exchange account for the authenticated
// user; credentials are always encrypted before they reach the database.
func (s *Server) createExchangeAccount(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req createExchangeAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if req.Exchange == "" {
		req.Exchange = "binance_spot"
	}

	if s.KeyMgr == nil {
		respondError(c, http.StatusInternalServerError, "CONFIG_ERROR", "encryption key manager not configured")
		return
	}

	encKey, err := s.KeyMgr.Encrypt(req.APIKey, "api_key")
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_key")
		return
	}
	encSecret, err := s.KeyMgr.Encrypt(req.APISecret, "api_secret")
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ENCRYPTION_ERROR", "failed to encrypt api_secret")
		return
	}

	account := db.ExchangeAccount{
		ID:         uuid.NewString(),
		UserID:     userID,
		Exchange:   req.Exchange,
		Label:      req.Label,
		APIKey:     encKey,
		APISecret:  encSecret,
		KeyVersion: s.KeyMgr.CurrentVersion(),
		Testnet:    req.Testnet,
	}
	if err := s.DB.Queries().CreateExchangeAccountEncrypted(c.Request.Context(), account); err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":          account.ID,
		"exchange":    account.Exchange,
		"label":       account.Label,
		"testnet":     account.Testnet,
		"key_version": account.KeyVersion,
	})
}

// deactivateExchangeAccount soft-deletes an exchange account and evicts any
// cached gateway for it, so a revoked credential stops being used
// immediately rather than at its next idle-cleanup pass.
func (s *Server) deactivateExchangeAccount(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	id := c.Param("id")
	if id == "" {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "missing exchange account id")
		return
	}

	if err := s.DB.Queries().DeactivateExchangeAccount(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "exchange account does not belong to current user")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if s.Gateways != nil {
		s.Gateways.Remove(id)
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

// getSystemStatus exposes runtime venue/version for the dashboard.
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venue":       s.Meta.Venue,
		"testnet":     s.Meta.Testnet,
		"version":     s.Meta.Version,
		"server_time": time.Now().UTC(),
	})
}

// getMetrics returns system performance metrics.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "trading_core_api_requests_total %d\n", snapshot.APIRequests)
	fmt.Fprintf(&b, "trading_core_api_errors_total %d\n", snapshot.APIErrors)
	fmt.Fprintf(&b, "trading_core_orders_processed_total %d\n", snapshot.OrdersProcessed)
	fmt.Fprintf(&b, "trading_core_ticks_processed_total %d\n", snapshot.TicksProcessed)
	fmt.Fprintf(&b, "trading_core_rungs_triggered_total %d\n", snapshot.RungsTriggered)
	fmt.Fprintf(&b, "trading_core_errors_total %d\n", snapshot.ErrorsCount)

	writeLatency := func(prefix string, ls monitor.LatencyStats) {
		if ls.Count == 0 {
			return
		}
		fmt.Fprintf(&b, "trading_core_%s_latency_ms_avg %f\n", prefix, ls.Avg)
		fmt.Fprintf(&b, "trading_core_%s_latency_ms_p50 %f\n", prefix, ls.P50)
		fmt.Fprintf(&b, "trading_core_%s_latency_ms_p95 %f\n", prefix, ls.P95)
		fmt.Fprintf(&b, "trading_core_%s_latency_ms_p99 %f\n", prefix, ls.P99)
	}
	writeLatency("api", snapshot.APILatency)
	writeLatency("order", snapshot.OrderLatency)
	writeLatency("cycle", snapshot.CycleLatency)
	writeLatency("db", snapshot.DBLatency)

	fmt.Fprintf(&b, "trading_core_gateway_total %d\n", snapshot.GatewayPool.TotalGateways)
	fmt.Fprintf(&b, "trading_core_gateway_max %d\n", snapshot.GatewayPool.MaxSize)
	fmt.Fprintf(&b, "trading_core_gateway_unhealthy %d\n", snapshot.GatewayPool.UnhealthyCount)
	for ex, count := range snapshot.GatewayPool.ByExchange {
		fmt.Fprintf(&b, "trading_core_gateway_by_exchange{exchange=\"%s\"} %d\n", ex, count)
	}
	fmt.Fprintf(&b, "trading_core_active_bots %d\n", snapshot.ActiveBotCount)
	fmt.Fprintf(&b, "trading_core_goroutines %d\n", snapshot.GoroutineCount)
	fmt.Fprintf(&b, "trading_core_heap_alloc_bytes %d\n", snapshot.HeapAlloc)
	fmt.Fprintf(&b, "trading_core_heap_sys_bytes %d\n", snapshot.HeapSys)

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
