// Package aggregate selects one rate per category and assembles rate snapshots.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/fetch"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/validation"
)

// ErrNoData signals that every adapter of a category returned nothing
var ErrNoData = errors.New("no data for category")

// Selector picks the first usable quote in priority order.
// Priority is the adapter list order; confidence is never used to reorder.
type Selector struct {
	opts validation.QuoteOptions
}

// NewSelector creates a selector applying opts to every quote
func NewSelector(opts validation.QuoteOptions) *Selector {
	return &Selector{opts: opts}
}

// Pick returns the first valid quote of quotes, which must be in priority order
func (s *Selector) Pick(category model.Category, quotes []*model.RateQuote) (model.SelectedRate, error) {
	valid := validation.FilterQuotes(quotes, s.opts)
	if len(valid) == 0 {
		return model.SelectedRate{}, fmt.Errorf("%w: %s", ErrNoData, category)
	}
	return selected(category, valid[0]), nil
}

// Select calls adapters one at a time and stops at the first usable quote.
// Later adapters are not called once one succeeds.
func (s *Selector) Select(ctx context.Context, category model.Category, adapters []fetch.Adapter) (model.SelectedRate, error) {
	for _, a := range adapters {
		if err := ctx.Err(); err != nil {
			return model.SelectedRate{}, fmt.Errorf("%w: %s: %v", ErrNoData, category, err)
		}

		q := a.Fetch(ctx)
		if q == nil {
			continue
		}
		if err := validation.CheckQuote(q, s.opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"adapter":  a.Name(),
				"category": category,
				"error":    err,
			}).Debug("Quote rejected")
			continue
		}

		r := selected(category, q)
		logrus.WithFields(logrus.Fields{
			"adapter":    a.Name(),
			"category":   category,
			"value":      r.Value,
			"confidence": r.Confidence,
		}).Debug("Category selected")
		return r, nil
	}
	return model.SelectedRate{}, fmt.Errorf("%w: %s", ErrNoData, category)
}

// selected converts the winning quote. A derived quote is capped at MEDIUM
// since it is not an independent measurement.
func selected(category model.Category, q *model.RateQuote) model.SelectedRate {
	confidence := q.Confidence
	if q.Derived {
		confidence = confidence.Cap(model.ConfidenceMedium)
	}
	return model.SelectedRate{
		Category:   category,
		Value:      q.Value,
		Source:     q.SourceName,
		Confidence: confidence,
	}
}
