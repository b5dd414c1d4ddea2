// Package fallback holds the hand-maintained last-resort rate table.
// Nothing here performs I/O.
package fallback

import (
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/validation"
)

const (
	// Source marks every rate taken from the table
	Source = "fallback"

	// Alert is reported on every static snapshot
	Alert = "Using fallback rates - APIs unavailable"
)

// Venezuelan rates, VES per USD. Last reviewed January 2025.
var venezuela = map[model.Category]float64{
	model.CategoryOfficial: 195.00,
	model.CategoryParallel: 294.00,
	model.CategoryP2P:      270.00,
}

// Units per USD
var generic = map[string]float64{
	"MXN": 17.5,
	"GTQ": 7.8,
	"HNL": 24.5,
	"NIO": 36.5,
	"CRC": 520,
	"PAB": 1,
	"COP": 4200,
	"VES": 294,
	"PEN": 3.7,
	"BOB": 6.9,
	"CLP": 950,
	"ARS": 1050,
	"UYU": 39,
	"PYG": 7300,
	"BRL": 5.2,
	"DOP": 58,
	"CUP": 25,
	"HTG": 150,
	"EUR": 0.92,
	"GBP": 0.79,
	"JPY": 149,
	"CNY": 7.2,
	"USD": 1,
}

// Rate returns the static selection for c, always LOW confidence
func Rate(c model.Category) (model.SelectedRate, bool) {
	v, ok := venezuela[c]
	if !ok {
		return model.SelectedRate{}, false
	}
	return model.SelectedRate{
		Category:   c,
		Value:      v,
		Source:     Source,
		Confidence: model.ConfidenceLow,
	}, true
}

// Rates returns a copy of the generic table
func Rates() map[string]float64 {
	out := make(map[string]float64, len(generic))
	for k, v := range generic {
		out[k] = v
	}
	return out
}

// Snapshot builds a complete static snapshot stamped with now
func Snapshot(now time.Time) *model.RateSnapshot {
	s := &model.RateSnapshot{
		GenericRates: Rates(),
		Timestamp:    model.NowMillis(now),
		IsFallback:   true,
	}
	for _, c := range model.Categories {
		r, _ := Rate(c)
		s = s.WithRate(r)
	}
	s.Validation = validation.Validate(s.Official, s.Parallel, s.P2P)
	s.Validation.Alert = Alert
	return s
}
