package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/model"
)

// Adapter reads one rate from one upstream endpoint.
// Fetch returns nil for any failure: network error, timeout or malformed payload.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) *model.RateQuote
}

// GenericAdapter returns a whole currency-code to rate map from one upstream call.
// A nil map means no data.
type GenericAdapter interface {
	Name() string
	FetchRates(ctx context.Context) map[string]float64
}

type throttleKey struct{}

// withThrottleMark returns a context whose flag is set when a request made under it
// was refused by the client's own outbound limiter rather than by the upstream
func withThrottleMark(ctx context.Context) (context.Context, *atomic.Bool) {
	flag := new(atomic.Bool)
	return context.WithValue(ctx, throttleKey{}, flag), flag
}

func markThrottled(ctx context.Context, err error) {
	if !errors.Is(err, ErrRateLimited) {
		return
	}
	if flag, ok := ctx.Value(throttleKey{}).(*atomic.Bool); ok {
		flag.Store(true)
	}
}

// valueFunc performs the upstream call and extracts a single rate
type valueFunc func(ctx context.Context) (float64, error)

// rateAdapter bounds a valueFunc with a timeout and turns every failure into nil
type rateAdapter struct {
	name       string
	source     string
	confidence model.Confidence
	timeout    time.Duration
	derived    bool
	value      valueFunc
}

func (a *rateAdapter) Name() string { return a.name }

// Fetch implements Adapter
func (a *rateAdapter) Fetch(ctx context.Context) (quote *model.RateQuote) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{"adapter": a.name, "panic": r}).Error("Adapter panicked")
			quote = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	v, err := a.value(ctx)
	if err == nil && !model.IsPositiveFinite(v) {
		err = fmt.Errorf("%w: non-positive value %v", ErrMissingRate, v)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"adapter": a.name,
			"error":   err,
		}).Debug("Adapter returned no data")
		return nil
	}

	q := model.NewRateQuote(a.source, v, a.confidence)
	q.Derived = a.derived
	return q
}

// Number decodes a JSON number or a numeric string. Anything else is a decode error.
type Number float64

// UnmarshalJSON implements json.Unmarshaler
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: null number", ErrMalformedPayload)
	}
	raw := string(b)
	if b[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		raw = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %q is not numeric", ErrMalformedPayload, raw)
	}
	*n = Number(v)
	return nil
}

// Float returns the value, or an error when the field was absent
func (n *Number) Float(field string) (float64, error) {
	if n == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingRate, field)
	}
	return float64(*n), nil
}
