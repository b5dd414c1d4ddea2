package fetch

import (
	"context"
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
)

// NewExchangeMonitorAdapter reads the BCV rate from ExchangeMonitor
func NewExchangeMonitorAdapter(c *Client, name, baseURL string, timeout time.Duration) Adapter {
	endpoint := baseURL + "/v1/rates/bcv"
	return &rateAdapter{
		name:       name,
		source:     "ExchangeMonitor",
		confidence: model.ConfidenceMedium,
		timeout:    timeout,
		value: func(ctx context.Context) (float64, error) {
			var resp struct {
				Rate *Number `json:"rate"`
			}
			if err := c.GetJSON(ctx, endpoint, &resp); err != nil {
				return 0, err
			}
			return resp.Rate.Float("rate")
		},
	}
}
