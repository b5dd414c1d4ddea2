package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
)

// dolarAPIQuote is one element of the ve.dolarapi.com /v1/dolares array
type dolarAPIQuote struct {
	Fuente             string  `json:"fuente"`
	Nombre             string  `json:"nombre"`
	Promedio           *Number `json:"promedio"`
	FechaActualizacion string  `json:"fechaActualizacion"`
}

// Values of the fuente field
const (
	dolarAPIOficial  = "oficial"
	dolarAPIParalelo = "paralelo"
)

// NewDolarAPIAdapter reads the entry whose fuente matches from DolarAPI Venezuela.
// Official and parallel adapters share the same payload; the client coalesces the GET.
func NewDolarAPIAdapter(c *Client, name, baseURL, fuente, source string, timeout time.Duration) Adapter {
	endpoint := baseURL + "/v1/dolares"
	return &rateAdapter{
		name:       name,
		source:     source,
		confidence: model.ConfidenceHigh,
		timeout:    timeout,
		value: func(ctx context.Context) (float64, error) {
			var quotes []dolarAPIQuote
			if err := c.GetJSON(ctx, endpoint, &quotes); err != nil {
				return 0, err
			}
			for _, q := range quotes {
				if strings.EqualFold(q.Fuente, fuente) {
					return q.Promedio.Float("promedio")
				}
			}
			return 0, fmt.Errorf("%w: fuente %q", ErrMissingRate, fuente)
		},
	}
}
