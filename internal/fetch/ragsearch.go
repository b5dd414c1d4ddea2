package fetch

import (
	"context"
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
)

// ragSearchRates is the multi-source validated payload of the RAGSearch BCV service
type ragSearchRates struct {
	BCVOficial *Number `json:"bcv_oficial"`
	Paralelo   *Number `json:"paralelo"`
	BinanceP2P *Number `json:"binance_p2p"`
}

// NewRAGSearchAdapter reads one field of the RAGSearch BCV endpoint.
// field is one of "bcv_oficial", "paralelo", "binance_p2p".
func NewRAGSearchAdapter(c *Client, name, baseURL, field string, timeout time.Duration) Adapter {
	endpoint := baseURL + "/api/v1/bcv/rates"
	return &rateAdapter{
		name:       name,
		source:     "RAGSearch",
		confidence: model.ConfidenceMedium,
		timeout:    timeout,
		value: func(ctx context.Context) (float64, error) {
			var resp ragSearchRates
			if err := c.GetJSON(ctx, endpoint, &resp); err != nil {
				return 0, err
			}
			switch field {
			case "paralelo":
				return resp.Paralelo.Float(field)
			case "binance_p2p":
				return resp.BinanceP2P.Float(field)
			default:
				return resp.BCVOficial.Float(field)
			}
		},
	}
}
