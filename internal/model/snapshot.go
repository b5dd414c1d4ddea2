package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedCurrency is returned when a snapshot holds no rate for a currency.
var ErrUnsupportedCurrency = errors.New("unsupported currency")

// RateSnapshot is one immutable, fully-assembled set of rates.
// A nil category pointer means no value was obtained for that category.
type RateSnapshot struct {
	Official *SelectedRate `json:"official,omitempty"`
	Parallel *SelectedRate `json:"parallel,omitempty"`
	P2P      *SelectedRate `json:"p2p,omitempty"`

	// GenericRates maps ISO currency codes to units per USD
	GenericRates map[string]float64 `json:"genericRates"`

	Validation ValidationResult `json:"validation"`

	// Timestamp is epoch milliseconds at assembly time
	Timestamp int64 `json:"timestamp"`

	// IsFallback is true only for snapshots built from the static table
	IsFallback bool `json:"isFallback"`
}

// Rate returns the selected rate for a category, or nil.
func (s *RateSnapshot) Rate(c Category) *SelectedRate {
	switch c {
	case CategoryOfficial:
		return s.Official
	case CategoryParallel:
		return s.Parallel
	case CategoryP2P:
		return s.P2P
	}
	return nil
}

// Value returns the category value or zero when the category is missing.
func (s *RateSnapshot) Value(c Category) float64 {
	if r := s.Rate(c); r != nil {
		return r.Value
	}
	return 0
}

// Missing lists the categories that hold no value.
func (s *RateSnapshot) Missing() []Category {
	var missing []Category
	for _, c := range Categories {
		if s.Rate(c) == nil {
			missing = append(missing, c)
		}
	}
	return missing
}

// Time returns the snapshot timestamp as a time.Time.
func (s *RateSnapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Clone returns a deep copy so callers can derive a new snapshot without mutating s.
func (s *RateSnapshot) Clone() *RateSnapshot {
	c := *s
	c.Official = cloneRate(s.Official)
	c.Parallel = cloneRate(s.Parallel)
	c.P2P = cloneRate(s.P2P)
	c.GenericRates = make(map[string]float64, len(s.GenericRates))
	for k, v := range s.GenericRates {
		c.GenericRates[k] = v
	}
	return &c
}

// WithRate returns a copy of s with the category replaced.
func (s *RateSnapshot) WithRate(r SelectedRate) *RateSnapshot {
	c := s.Clone()
	switch r.Category {
	case CategoryOfficial:
		c.Official = &r
	case CategoryParallel:
		c.Parallel = &r
	case CategoryP2P:
		c.P2P = &r
	}
	return c
}

// EuroRate returns USD per EUR derived from the generic EUR-per-USD rate.
func (s *RateSnapshot) EuroRate() float64 {
	eur, ok := s.GenericRates["EUR"]
	if !ok || !IsPositiveFinite(eur) {
		return 0
	}
	return Round(1/eur, 4)
}

// PerUSD returns the units of code per USD. VES resolves to the official rate
// when present since that is the reference rate for remittance quotes.
func (s *RateSnapshot) PerUSD(code string) (float64, error) {
	code = strings.ToUpper(code)
	if code == "USD" {
		return 1, nil
	}
	if code == "VES" && s.Official != nil {
		return s.Official.Value, nil
	}
	if v, ok := s.GenericRates[code]; ok && IsPositiveFinite(v) {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, code)
}

// Convert converts amount between two currencies through USD.
func (s *RateSnapshot) Convert(amount float64, from, to string) (float64, error) {
	fromRate, err := s.PerUSD(from)
	if err != nil {
		return 0, err
	}
	toRate, err := s.PerUSD(to)
	if err != nil {
		return 0, err
	}
	return Round(amount/fromRate*toRate, 2), nil
}

func cloneRate(r *SelectedRate) *SelectedRate {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
