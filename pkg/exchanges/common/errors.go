package common

import "fmt"

// NetworkError wraps a transient transport-level failure. The gateway
// returns it without retrying; the Cycle Manager retries safety and
// take-profit placements at a fixed interval and does not retry the base
// order.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedByExchange carries an exchange-declared rejection code/message.
// Permanent codes (insufficient balance, timestamp/signature errors, invalid
// key) are never retried. Recoverable marks the filter-code family, but no
// caller requantizes on it; such rejections are retried like any other
// non-permanent error.
type RejectedByExchange struct {
	Code int
	Msg  string
}

func (e *RejectedByExchange) Error() string {
	return fmt.Sprintf("rejected by exchange: code=%d msg=%s", e.Code, e.Msg)
}

// Permanent reports whether this rejection should never be retried.
func (e *RejectedByExchange) Permanent() bool {
	switch e.Code {
	case -2010, -1021, -1022, -2015: // insufficient balance, timestamp/signature errors, invalid key
		return true
	}
	return false
}

// Recoverable reports whether a single requantize+retry pass is worthwhile.
func (e *RejectedByExchange) Recoverable() bool {
	switch e.Code {
	case -1013: // LOT_SIZE / PRICE_FILTER / MIN_NOTIONAL family
		return true
	}
	return false
}

// FilterViolation signals a quantized order still fails a symbol filter.
type FilterViolation struct {
	Filter string // LOT_SIZE, PRICE_FILTER, MIN_NOTIONAL
	Detail string
}

func (e *FilterViolation) Error() string {
	return fmt.Sprintf("filter violation %s: %s", e.Filter, e.Detail)
}

// InsufficientBalance signals the account cannot afford the order.
type InsufficientBalance struct {
	Asset     string
	Required  string
	Available string
}

func (e *InsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: need %s %s, have %s", e.Required, e.Asset, e.Available)
}

// RateLimited signals the gateway backed off due to persistent 429s after its
// own rate-limit-aware pacing was exhausted.
type RateLimited struct {
	RetryAfterSec int
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.RetryAfterSec)
}
