// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rates

import (
	"context"
	"fmt"
	"time"

	"dtrex.org/xchbridge/dtx"
	"dtrex.org/xchbridge/dtx/dtxnet"
)

const requestTimeout = 5 * time.Second

// Package vars so tests can point the fetchers at a local server.
var (
	coinpaprikaURL = "https://api.coinpaprika.com/v1/tickers/xch-chia"
	messariURL     = "https://data.messari.io/api/v1/assets/chia/metrics/market-data"
)

func defaultSources() []*Source {
	return []*Source{
		{Name: "Coinpaprika", Fetch: fetchCoinpaprikaRate},
		{Name: "Messari", Fetch: fetchMessariRate},
	}
}

// fetchCoinpaprikaRate retrieves and parses the XCH ticker from the
// Coinpaprika API. See https://api.coinpaprika.com/#operation/getTickersById
// for sample request and response information.
func fetchCoinpaprikaRate(ctx context.Context, log dtx.Logger) (float64, error) {
	res := new(struct {
		Quotes struct {
			Currency struct {
				Price float64 `json:"price"`
			} `json:"USD"`
		} `json:"quotes"`
	})

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := dtxnet.Get(ctx, coinpaprikaURL, res); err != nil {
		return 0, err
	}
	price := res.Quotes.Currency.Price
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %f from coinpaprika", price)
	}
	return price, nil
}

// fetchMessariRate retrieves and parses the XCH market data from the Messari
// API.
func fetchMessariRate(ctx context.Context, log dtx.Logger) (float64, error) {
	res := new(struct {
		Data struct {
			MarketData struct {
				Price float64 `json:"price_usd"`
			} `json:"market_data"`
		} `json:"data"`
	})

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := dtxnet.Get(ctx, messariURL, res); err != nil {
		return 0, err
	}
	price := res.Data.MarketData.Price
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %f from messari", price)
	}
	return price, nil
}
