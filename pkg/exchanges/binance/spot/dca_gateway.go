package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trading-core/pkg/exchanges/common"
)

// PlaceOrder implements common.DCAGateway. Price/Qty must already be
// quantized by the caller (the Cycle Manager quantizes ladder and
// take-profit orders with common.QuantizePrice/QuantizeQty); the gateway
// sends them as given and does not re-check them against the symbol filter.
func (c *Client) PlaceOrder(ctx context.Context, req common.DCAOrderRequest) (common.OrderAck, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.OrderAck{}, errors.New("binance: API key/secret required")
	}

	params := c.newSignedParams()
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))

	ordType := strings.ToUpper(string(req.Type))
	if ordType == "" {
		ordType = string(common.OrderTypeLimit)
	}
	params.Set("type", ordType)

	if !req.QuoteQty.IsZero() {
		params.Set("quoteOrderQty", req.QuoteQty.String())
	} else {
		params.Set("quantity", req.Qty.String())
	}

	if req.Type == common.OrderTypeLimit || req.Type == common.OrderTypeLimitMaker {
		params.Set("price", req.Price.String())
	}
	if req.Type == common.OrderTypeLimit {
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "FULL")

	endpoint := c.baseURL + "/api/v3/order"
	body, err := c.doSigned(ctx, http.MethodPost, endpoint, params)
	if err != nil {
		return common.OrderAck{}, translatePlacementError(err)
	}

	var resp dcaOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}

	fills := make([]common.DCAFill, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		fills = append(fills, common.DCAFill{Price: parseDecimal(f.Price), Qty: parseDecimal(f.Qty)})
	}

	return common.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		Fills:           fills,
	}, nil
}

// CancelOrder already matches common.DCAGateway's signature; no adapter needed.

func (c *Client) newSignedParams() url.Values {
	params := url.Values{}
	timestamp := time.Now().UnixMilli()
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		timestamp = c.timeSync.Now()
	}
	params.Set("timestamp", strconv.FormatInt(timestamp, 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

// GetBalances implements common.DCAGateway, returning every non-dust asset.
func (c *Client) GetBalances(ctx context.Context) ([]common.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, common.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

type dcaOrderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Fills         []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

// translatePlacementError maps a raw transport/HTTP error into the
// common error-kind taxonomy the Cycle Manager branches on.
func translatePlacementError(err error) error {
	if msg := err.Error(); strings.Contains(msg, "status") {
		if code, text, ok := parseBinanceErrorBody(msg); ok {
			return &common.RejectedByExchange{Code: code, Msg: text}
		}
	}
	return &common.NetworkError{Op: "placeOrder", Err: err}
}

// parseBinanceErrorBody extracts {"code":-2010,"msg":"..."} from a doSigned
// error string of the form "binance POST <url> status 400: {...}".
func parseBinanceErrorBody(s string) (int, string, bool) {
	idx := strings.Index(s, "{")
	if idx == -1 {
		return 0, "", false
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(s[idx:]), &body); err != nil {
		return 0, "", false
	}
	return body.Code, body.Msg, true
}
