// Package model defines the core data structures for remesa-rates.
package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Confidence is a static trust tier assigned to a data source.
type Confidence string

// Confidence tiers, highest first
const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Rank orders confidence tiers so they can be compared (HIGH=3 ... LOW=1, unknown=0).
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// Cap returns the lower of c and max.
func (c Confidence) Cap(max Confidence) Confidence {
	if c.Rank() > max.Rank() {
		return max
	}
	return c
}

// Category identifies one logical rate of the Venezuelan triple.
type Category string

// Rate categories
const (
	CategoryOfficial Category = "OFFICIAL"
	CategoryParallel Category = "PARALLEL"
	CategoryP2P      Category = "P2P"
)

// Categories lists every category in snapshot order.
var Categories = []Category{CategoryOfficial, CategoryParallel, CategoryP2P}

// RateQuote is the atomic unit returned by a source adapter.
// A missing quote is represented by a nil *RateQuote, never by a zero value.
type RateQuote struct {
	// Value is the exchange rate in local currency per USD
	Value float64 `json:"value"`

	// SourceName is the human-readable provenance of the value
	SourceName string `json:"source"`

	// Confidence is a static property of the adapter that produced the quote
	Confidence Confidence `json:"confidence"`

	// FetchedAt is when the adapter produced the quote
	FetchedAt time.Time `json:"fetchedAt"`

	// Derived marks values computed from another measurement
	Derived bool `json:"derived,omitempty"`
}

// NewRateQuote creates a quote stamped with the current time.
func NewRateQuote(source string, value float64, confidence Confidence) *RateQuote {
	return &RateQuote{
		Value:      value,
		SourceName: source,
		Confidence: confidence,
		FetchedAt:  time.Now(),
	}
}

// IsValid performs basic validation on this quote
func (q RateQuote) IsValid() bool {
	return IsPositiveFinite(q.Value) && q.SourceName != ""
}

// SelectedRate is the winning value for one category.
type SelectedRate struct {
	Category   Category   `json:"category"`
	Value      float64    `json:"value"`
	Source     string     `json:"source"`
	Confidence Confidence `json:"confidence"`
}

// ValidationResult holds the cross-source deltas of one snapshot.
// Alert is empty when both deltas are within their thresholds.
type ValidationResult struct {
	OfficialParallelDeltaPct float64 `json:"officialParallelDeltaPct"`
	P2PParallelDeltaPct      float64 `json:"p2pParallelDeltaPct"`
	Alert                    string  `json:"alert,omitempty"`
}

// HasAlert reports whether a validation alert was raised.
func (v ValidationResult) HasAlert() bool {
	return v.Alert != ""
}

// IsPositiveFinite reports whether v is a usable rate.
func IsPositiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Round rounds v half away from zero to the given number of decimal places.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// NowMillis returns t as epoch milliseconds.
func NowMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
