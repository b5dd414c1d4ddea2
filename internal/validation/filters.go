// Package validation checks individual quotes for sanity and compares the
// selected official, parallel and P2P rates against each other.
package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/model"
)

// ErrInvalidQuote wraps every reason a quote is rejected
var ErrInvalidQuote = errors.New("invalid quote")

// QuoteOptions holds the sanity bounds applied to every adapter quote
type QuoteOptions struct {
	// MaxAge defines how recent quotes must be to be considered valid
	MaxAge time.Duration

	// MinValue and MaxValue bound a plausible VES per USD rate
	MinValue float64
	MaxValue float64
}

// DefaultQuoteOptions returns sensible defaults for VES quotes
func DefaultQuoteOptions() QuoteOptions {
	return QuoteOptions{
		MaxAge:   time.Hour,
		MinValue: 1,
		MaxValue: 1e7,
	}
}

// CheckQuote returns nil when q passes all criteria
func CheckQuote(q *model.RateQuote, opts QuoteOptions) error {
	if q == nil {
		return fmt.Errorf("%w: missing", ErrInvalidQuote)
	}
	if math.IsNaN(q.Value) || math.IsInf(q.Value, 0) || q.Value <= 0 {
		return fmt.Errorf("%w: value %v is not a positive number", ErrInvalidQuote, q.Value)
	}
	if q.SourceName == "" {
		return fmt.Errorf("%w: empty source name", ErrInvalidQuote)
	}
	if opts.MinValue > 0 && q.Value < opts.MinValue {
		return fmt.Errorf("%w: value %v below %v", ErrInvalidQuote, q.Value, opts.MinValue)
	}
	if opts.MaxValue > 0 && q.Value > opts.MaxValue {
		return fmt.Errorf("%w: value %v above %v", ErrInvalidQuote, q.Value, opts.MaxValue)
	}
	if opts.MaxAge > 0 && !q.FetchedAt.IsZero() && time.Since(q.FetchedAt) > opts.MaxAge {
		return fmt.Errorf("%w: fetched %s ago", ErrInvalidQuote, time.Since(q.FetchedAt).Round(time.Second))
	}
	return nil
}

// FilterQuotes drops nil and invalid quotes, preserving order
func FilterQuotes(quotes []*model.RateQuote, opts QuoteOptions) []*model.RateQuote {
	valid := make([]*model.RateQuote, 0, len(quotes))
	for _, q := range quotes {
		if q == nil {
			continue
		}
		if err := CheckQuote(q, opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"source": q.SourceName,
				"value":  q.Value,
				"error":  err,
			}).Debug("Filtered invalid quote")
			continue
		}
		valid = append(valid, q)
	}
	return valid
}
