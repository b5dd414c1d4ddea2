package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
)

// pyDolarResponse is the pydolarvenezuela /api/v1/dollar payload
type pyDolarResponse struct {
	Datetime map[string]string         `json:"datetime"`
	Monitors map[string]pyDolarMonitor `json:"monitors"`
}

type pyDolarMonitor struct {
	Title      string  `json:"title"`
	Price      *Number `json:"price"`
	LastUpdate string  `json:"last_update"`
}

// NewPyDolarAdapter reads the first present monitor among keys from a pydolarvenezuela endpoint.
// page selects a provider-specific page (e.g. "bcv"); empty uses the aggregate listing.
func NewPyDolarAdapter(c *Client, name, baseURL, page, source string, confidence model.Confidence, timeout time.Duration, keys ...string) Adapter {
	endpoint := baseURL + "/api/v1/dollar"
	if page != "" {
		endpoint += "?page=" + page
	}
	return &rateAdapter{
		name:       name,
		source:     source,
		confidence: confidence,
		timeout:    timeout,
		value: func(ctx context.Context) (float64, error) {
			var resp pyDolarResponse
			if err := c.GetJSON(ctx, endpoint, &resp); err != nil {
				return 0, err
			}
			for _, key := range keys {
				m, ok := resp.Monitors[key]
				if !ok || m.Price == nil {
					continue
				}
				return m.Price.Float(key + ".price")
			}
			return 0, fmt.Errorf("%w: monitors %s", ErrMissingRate, strings.Join(keys, "|"))
		},
	}
}
