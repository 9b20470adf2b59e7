package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"trading-core/internal/botsup"
	"trading-core/internal/cycle"
)

// createBotRequest is the wire shape of POST /bots; decimal fields arrive as
// strings so clients never lose precision to JSON's float64 decoding.
type createBotRequest struct {
	ExchangeAccountID         string `json:"exchange_account_id" binding:"required"`
	Symbol                    string `json:"symbol" binding:"required"`
	Direction                 string `json:"direction"`
	TriggerType               string `json:"trigger_type"`
	BaseOrderAmount           string `json:"base_order_amount" binding:"required"`
	SafetyOrderAmount         string `json:"safety_order_amount" binding:"required"`
	MaxSafetyOrders           int    `json:"max_safety_orders" binding:"required"`
	ActiveSafetyOrders        int    `json:"active_safety_orders"`
	PriceDeviationPct         string `json:"price_deviation_pct" binding:"required"`
	PriceDeviationMultiplier  string `json:"price_deviation_multiplier"`
	SafetyOrderSizeMultiplier string `json:"safety_order_size_multiplier"`
	TakeProfitPct             string `json:"take_profit_pct" binding:"required"`
	TakeProfitMode            string `json:"take_profit_mode"`
	TrailingPct               string `json:"trailing_pct"`
	CooldownSeconds           int    `json:"cooldown_seconds"`
	LowerPriceLimit           string `json:"lower_price_limit"`
	UpperPriceLimit           string `json:"upper_price_limit"`
}

func (r createBotRequest) toParams() (cycle.Params, error) {
	p := cycle.Params{
		Symbol:             r.Symbol,
		Direction:          cycle.DirectionLong,
		TriggerType:        cycle.TriggerMarket,
		MaxSafetyOrders:    r.MaxSafetyOrders,
		ActiveSafetyOrders: r.ActiveSafetyOrders,
		TakeProfitMode:     cycle.TakeProfitFixed,
		CooldownSeconds:    r.CooldownSeconds,
	}
	if r.Direction == string(cycle.DirectionShort) {
		p.Direction = cycle.DirectionShort
	}
	if r.TriggerType == string(cycle.TriggerLimit) {
		p.TriggerType = cycle.TriggerLimit
	}
	if r.TakeProfitMode == string(cycle.TakeProfitTrailing) {
		p.TakeProfitMode = cycle.TakeProfitTrailing
	}

	var err error
	if p.BaseOrderAmount, err = decimalOrZero(r.BaseOrderAmount); err != nil {
		return p, err
	}
	if p.SafetyOrderAmount, err = decimalOrZero(r.SafetyOrderAmount); err != nil {
		return p, err
	}
	if p.PriceDeviationPct, err = decimalOrZero(r.PriceDeviationPct); err != nil {
		return p, err
	}
	if p.PriceDeviationMultiplier, err = decimalOrDefault(r.PriceDeviationMultiplier, "1"); err != nil {
		return p, err
	}
	if p.SafetyOrderSizeMultiplier, err = decimalOrDefault(r.SafetyOrderSizeMultiplier, "1"); err != nil {
		return p, err
	}
	if p.TakeProfitPct, err = decimalOrZero(r.TakeProfitPct); err != nil {
		return p, err
	}
	if p.TrailingPct, err = decimalOrDefault(r.TrailingPct, "0"); err != nil {
		return p, err
	}
	if p.LowerPriceLimit, err = decimalOrDefault(r.LowerPriceLimit, "0"); err != nil {
		return p, err
	}
	if p.UpperPriceLimit, err = decimalOrDefault(r.UpperPriceLimit, "0"); err != nil {
		return p, err
	}
	return p, nil
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func decimalOrDefault(s, def string) (decimal.Decimal, error) {
	if s == "" {
		s = def
	}
	return decimal.NewFromString(s)
}

// RegisterBotRoutes mounts the DCA bot lifecycle endpoints from spec §6's
// core RPC surface onto an existing router, protected by the same JWT
// middleware as the rest of the protected API.
func RegisterBotRoutes(r *gin.Engine, jwtSecret string, sup *botsup.Supervisor) {
	bots := r.Group("/bots")
	bots.Use(AuthMiddleware(jwtSecret))
	{
		bots.POST("", createBotHandler(sup))
		bots.POST("/:id/start", startBotHandler(sup))
		bots.POST("/:id/stop", stopBotHandler(sup))
		bots.DELETE("/:id", deleteBotHandler(sup))
	}
}

func createBotHandler(sup *botsup.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := CurrentUserID(c)
		if userID == "" {
			respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
			return
		}
		var req createBotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		params, err := req.toParams()
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
			return
		}

		id, err := sup.CreateBot(c.Request.Context(), userID, req.ExchangeAccountID, params)
		if err != nil {
			respondError(c, http.StatusBadRequest, "CREATE_BOT_FAILED", err.Error())
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "status": string(botsup.BotPending)})
	}
}

func startBotHandler(sup *botsup.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		botID := c.Param("id")
		var req createBotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		params, err := req.toParams()
		if err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_PARAMETERS", err.Error())
			return
		}
		if err := sup.StartBot(c.Request.Context(), botID, req.ExchangeAccountID, params); err != nil {
			respondError(c, http.StatusBadRequest, "START_BOT_FAILED", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": botID, "status": string(botsup.BotActive)})
	}
}

func stopBotHandler(sup *botsup.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		botID := c.Param("id")
		if err := sup.StopBot(c.Request.Context(), botID); err != nil {
			respondError(c, http.StatusInternalServerError, "STOP_BOT_FAILED", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": botID, "status": string(botsup.BotInactive)})
	}
}

func deleteBotHandler(sup *botsup.Supervisor) gin.HandlerFunc {
	return func(c *gin.Context) {
		botID := c.Param("id")
		if err := sup.DeleteBot(c.Request.Context(), botID); err != nil {
			respondError(c, http.StatusInternalServerError, "DELETE_BOT_FAILED", err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	}
}
