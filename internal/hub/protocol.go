package hub

import (
	"trading-core/internal/cycle"
	"trading-core/internal/orderrepo"
)

// clientMessage is the envelope for every frame a client sends; only the
// fields relevant to Type are populated.
type clientMessage struct {
	Type     string   `json:"type"`
	UserID   string   `json:"user_id"`
	Token    string   `json:"token"`
	Symbols  []string `json:"symbols"`
	DataType string   `json:"dataType"`
	Interval string   `json:"interval"`
	Symbol   string   `json:"symbol"`
	Exchange string   `json:"exchange_id"`
	Asset    string   `json:"asset"`
}

// serverMessage is the envelope for every frame the hub sends.
type serverMessage struct {
	Type       string `json:"type"`
	Data       any    `json:"data,omitempty"`
	ExchangeID string `json:"exchange_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func cycleView(s cycle.CycleSnapshot) map[string]any {
	return map[string]any{
		"id":                 s.ID,
		"botId":              s.BotID,
		"cycleNumber":        s.CycleNumber,
		"state":              s.State,
		"averageEntryPrice":  s.AverageEntryPrice.String(),
		"totalBaseQuantity":  s.TotalBaseQuantity.String(),
		"totalQuoteInvested": s.TotalQuoteInvested.String(),
		"realizedProfit":     s.RealizedProfit.String(),
	}
}

func orderView(o orderrepo.Order) map[string]any {
	return map[string]any{
		"clientOrderId":   o.ClientOrderID,
		"cycleId":         o.CycleID,
		"botId":           o.BotID,
		"role":            o.Role,
		"rung":            o.Rung,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"type":            o.OrderType,
		"price":           o.Price.String(),
		"qty":             o.Qty.String(),
		"executedQty":     o.ExecutedQty.String(),
		"cumulativeQuote": o.CumulativeQuote.String(),
		"status":          o.Status,
		"exchangeOrderId": o.ExchangeOrderID,
	}
}
