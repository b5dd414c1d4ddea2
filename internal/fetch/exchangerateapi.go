package fetch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/types"
)

// officialEstimateFactor approximates the BCV rate from the market VES quote
const officialEstimateFactor = 0.93

// exchangeRateAPIResponse is the open /v4/latest/{base} payload
type exchangeRateAPIResponse struct {
	Base  string            `json:"base"`
	Date  string            `json:"date"`
	Rates map[string]Number `json:"rates"`
}

func fetchExchangeRateAPI(ctx context.Context, c *Client, baseURL string) (map[string]float64, error) {
	var resp exchangeRateAPIResponse
	if err := c.GetJSON(ctx, baseURL+"/v4/latest/USD", &resp); err != nil {
		return nil, err
	}
	if len(resp.Rates) == 0 {
		return nil, ErrMissingRate
	}
	rates := make(map[string]float64, len(resp.Rates))
	for code, v := range resp.Rates {
		rates[code] = float64(v)
	}
	return rates, nil
}

// NewExchangeRateAPIVESAdapter reads rates.VES scaled by factor.
// A factor other than 1 marks the quote as derived.
func NewExchangeRateAPIVESAdapter(c *Client, name, baseURL, source string, confidence model.Confidence, factor float64, timeout time.Duration) Adapter {
	return &rateAdapter{
		name:       name,
		source:     source,
		confidence: confidence,
		timeout:    timeout,
		derived:    factor != 1,
		value: func(ctx context.Context) (float64, error) {
			rates, err := fetchExchangeRateAPI(ctx, c, baseURL)
			if err != nil {
				return 0, err
			}
			ves, ok := rates[string(types.CurrencyVES)]
			if !ok {
				return 0, ErrMissingRate
			}
			return model.Round(ves*factor, 2), nil
		},
	}
}

// MultiCurrencyAdapter returns the supported currency map from ExchangeRate-API,
// completing a missing EUR rate from Frankfurter.
type MultiCurrencyAdapter struct {
	name           string
	client         *Client
	baseURL        string
	frankfurterURL string
	timeout        time.Duration
}

// NewMultiCurrencyAdapter creates the generic multi-currency adapter
func NewMultiCurrencyAdapter(c *Client, name, baseURL, frankfurterURL string, timeout time.Duration) *MultiCurrencyAdapter {
	return &MultiCurrencyAdapter{
		name:           name,
		client:         c,
		baseURL:        baseURL,
		frankfurterURL: frankfurterURL,
		timeout:        timeout,
	}
}

// Name implements GenericAdapter
func (a *MultiCurrencyAdapter) Name() string { return a.name }

// FetchRates implements GenericAdapter
func (a *MultiCurrencyAdapter) FetchRates(ctx context.Context) (out map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{"adapter": a.name, "panic": r}).Error("Adapter panicked")
			out = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := fetchExchangeRateAPI(ctx, a.client, a.baseURL)
	if err != nil {
		logrus.WithFields(logrus.Fields{"adapter": a.name, "error": err}).Debug("Adapter returned no data")
		raw = map[string]float64{}
	}

	rates := types.FilterSupported(raw)
	for code, v := range rates {
		if !model.IsPositiveFinite(v) {
			delete(rates, code)
		}
	}

	if _, ok := rates[string(types.CurrencyEUR)]; !ok && a.frankfurterURL != "" {
		if eur, err := a.fetchFrankfurterEUR(ctx); err == nil {
			rates[string(types.CurrencyEUR)] = eur
		} else {
			logrus.WithFields(logrus.Fields{"adapter": a.name, "error": err}).Debug("Frankfurter EUR lookup failed")
		}
	}

	if len(rates) == 0 {
		return nil
	}
	rates[string(types.CurrencyUSD)] = 1
	return rates
}

// fetchFrankfurterEUR returns EUR per USD
func (a *MultiCurrencyAdapter) fetchFrankfurterEUR(ctx context.Context) (float64, error) {
	var resp struct {
		Base  string             `json:"base"`
		Rates map[string]*Number `json:"rates"`
	}
	if err := a.client.GetJSON(ctx, a.frankfurterURL+"/latest?from=USD&to=EUR", &resp); err != nil {
		return 0, err
	}
	v, err := resp.Rates["EUR"].Float("rates.EUR")
	if err != nil {
		return 0, err
	}
	if !model.IsPositiveFinite(v) {
		return 0, ErrMissingRate
	}
	return v, nil
}
