package gateway

import (
	"fmt"

	"trading-core/pkg/db"
	exspot "trading-core/pkg/exchanges/binance/spot"
	exchange "trading-core/pkg/exchanges/common"
)

// DefaultFactory creates a DCAGateway for an exchange account against the
// live venue, or against the testnet when the account's own testnet flag is
// set.
func DefaultFactory(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.DCAGateway, error) {
	return newSpotGateway(account, apiKey, apiSecret, false)
}

// TestnetFactory creates a DCAGateway for an exchange account against the
// exchange's testnet, overriding the account's own testnet flag.
func TestnetFactory(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.DCAGateway, error) {
	return newSpotGateway(account, apiKey, apiSecret, true)
}

func newSpotGateway(account db.ExchangeAccount, apiKey, apiSecret string, forceTestnet bool) (exchange.DCAGateway, error) {
	switch account.Exchange {
	case "binance_spot", "":
		return exspot.New(exspot.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			Testnet:   forceTestnet || account.Testnet,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", account.Exchange)
	}
}
