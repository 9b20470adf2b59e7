package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/shopspring/decimal"

	"trading-core/pkg/exchanges/common"
)

// filterCache is copy-on-read: Get hands back an immutable snapshot so
// callers never observe a partially-updated SymbolFilters value.
type filterCache struct {
	mu sync.RWMutex
	m  map[string]common.SymbolFilters
}

func newFilterCache() *filterCache {
	return &filterCache{m: make(map[string]common.SymbolFilters)}
}

func (c *filterCache) get(symbol string) (common.SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.m[symbol]
	return f, ok
}

func (c *filterCache) set(symbol string, f common.SymbolFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = f
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetSymbolFilters returns the cached filters for symbol, fetching and
// caching them on first use. Callers that hit FILTER_FAILURE from the
// exchange should call RefreshSymbolFilters to force a re-fetch.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	if f, ok := c.filters.get(symbol); ok {
		return f, nil
	}
	return c.RefreshSymbolFilters(ctx, symbol)
}

// RefreshSymbolFilters bypasses the cache and re-fetches exchangeInfo for symbol.
func (c *Client) RefreshSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	endpoint := c.baseURL + "/api/v3/exchangeInfo?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return common.SymbolFilters{}, &common.NetworkError{Op: "exchangeInfo", Err: err}
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return common.SymbolFilters{}, fmt.Errorf("exchangeInfo status %d: %s", res.StatusCode, string(body))
	}

	var parsed exchangeInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return common.SymbolFilters{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	if len(parsed.Symbols) == 0 {
		return common.SymbolFilters{}, fmt.Errorf("exchangeInfo: symbol %s not found", symbol)
	}

	out := common.SymbolFilters{Symbol: symbol}
	for _, f := range parsed.Symbols[0].Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			out.TickSize = parseDecimal(f.TickSize)
			out.PriceDecimals = decimalPlaces(f.TickSize)
		case "LOT_SIZE":
			out.StepSize = parseDecimal(f.StepSize)
			out.MinQty = parseDecimal(f.MinQty)
			out.QtyDecimals = decimalPlaces(f.StepSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			out.MinNotional = parseDecimal(f.MinNotional)
		}
	}

	c.filters.set(symbol, out)
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimalPlaces counts the fractional digits up to the last significant one
// in a tick/step string like "0.00100000" -> 3.
func decimalPlaces(s string) int32 {
	dot := -1
	for i, r := range s {
		if r == '.' {
			dot = i
			break
		}
	}
	if dot == -1 {
		return 0
	}
	frac := s[dot+1:]
	last := -1
	for i, r := range frac {
		if r != '0' {
			last = i
		}
	}
	if last == -1 {
		return 0
	}
	return int32(last + 1)
}
