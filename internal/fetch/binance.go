package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourorg/remesa-rates/internal/model"
)

// binanceTopAds is how many of the best-ranked ads are averaged
const binanceTopAds = 5

type binanceSearchRequest struct {
	Page          int      `json:"page"`
	Rows          int      `json:"rows"`
	PayTypes      []string `json:"payTypes"`
	Countries     []string `json:"countries"`
	PublisherType *string  `json:"publisherType"`
	Asset         string   `json:"asset"`
	Fiat          string   `json:"fiat"`
	TradeType     string   `json:"tradeType"`
}

type binanceSearchResponse struct {
	Code    string `json:"code"`
	Success bool   `json:"success"`
	Data    []struct {
		Adv struct {
			Price *Number `json:"price"`
		} `json:"adv"`
	} `json:"data"`
}

// NewBinanceP2PAdapter averages the top USDT/VES sell ads from the Binance P2P search
func NewBinanceP2PAdapter(c *Client, name, baseURL string, timeout time.Duration) Adapter {
	endpoint := baseURL + "/bapi/c2c/v2/friendly/c2c/adv/search"
	return &rateAdapter{
		name:       name,
		source:     "Binance P2P",
		confidence: model.ConfidenceHigh,
		timeout:    timeout,
		value: func(ctx context.Context) (float64, error) {
			req := binanceSearchRequest{
				Page:      1,
				Rows:      10,
				PayTypes:  []string{},
				Countries: []string{},
				Asset:     "USDT",
				Fiat:      "VES",
				TradeType: "SELL",
			}
			var resp binanceSearchResponse
			if err := c.PostJSON(ctx, endpoint, req, &resp); err != nil {
				return 0, err
			}
			if len(resp.Data) == 0 {
				return 0, fmt.Errorf("%w: no P2P ads", ErrMissingRate)
			}

			ads := resp.Data
			if len(ads) > binanceTopAds {
				ads = ads[:binanceTopAds]
			}
			sum := decimal.Zero
			for i, ad := range ads {
				price, err := ad.Adv.Price.Float(fmt.Sprintf("data[%d].adv.price", i))
				if err != nil {
					return 0, err
				}
				if !model.IsPositiveFinite(price) {
					return 0, fmt.Errorf("%w: ad price %v", ErrMalformedPayload, price)
				}
				sum = sum.Add(decimal.NewFromFloat(price))
			}
			avg := sum.Div(decimal.NewFromInt(int64(len(ads)))).Round(2)
			return avg.InexactFloat64(), nil
		},
	}
}
