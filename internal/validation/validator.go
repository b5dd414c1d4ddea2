package validation

import (
	"fmt"
	"math"

	"github.com/yourorg/remesa-rates/internal/model"
)

// Thresholds are the absolute deviations, in percent, above which an alert is raised
type Thresholds struct {
	// OfficialParallelPct bounds |parallel - official| / official
	OfficialParallelPct float64 `json:"officialParallelPct"`

	// P2PParallelPct bounds |p2p - parallel| / parallel
	P2PParallelPct float64 `json:"p2pParallelPct"`
}

// DefaultThresholds returns 20% for official/parallel and 5% for P2P/parallel
func DefaultThresholds() Thresholds {
	return Thresholds{
		OfficialParallelPct: 20,
		P2PParallelPct:      5,
	}
}

// Validator computes cross-source deltas. It performs no I/O.
type Validator struct {
	thresholds Thresholds
}

// NewValidator creates a validator with the given thresholds
func NewValidator(t Thresholds) *Validator {
	return &Validator{thresholds: t}
}

// Thresholds returns the configured thresholds
func (v *Validator) Thresholds() Thresholds {
	return v.thresholds
}

// Validate compares the selected rates. A delta whose inputs are missing is zero.
// Only one alert is reported; official/parallel takes precedence.
func (v *Validator) Validate(official, parallel, p2p *model.SelectedRate) model.ValidationResult {
	var res model.ValidationResult

	offPar, hasOffPar := deltaPct(official, parallel)
	p2pPar, hasP2PPar := deltaPct(parallel, p2p)
	res.OfficialParallelDeltaPct = model.Round(offPar, 2)
	res.P2PParallelDeltaPct = model.Round(p2pPar, 2)

	switch {
	case hasOffPar && math.Abs(offPar) > v.thresholds.OfficialParallelPct:
		res.Alert = fmt.Sprintf("BCV-Paralelo difference is %.2f%% (threshold %g%%)", res.OfficialParallelDeltaPct, v.thresholds.OfficialParallelPct)
	case hasP2PPar && math.Abs(p2pPar) > v.thresholds.P2PParallelPct:
		res.Alert = fmt.Sprintf("Binance-Paralelo difference is %.2f%% (threshold %g%%)", res.P2PParallelDeltaPct, v.thresholds.P2PParallelPct)
	}
	return res
}

// Validate uses the default thresholds
func Validate(official, parallel, p2p *model.SelectedRate) model.ValidationResult {
	return NewValidator(DefaultThresholds()).Validate(official, parallel, p2p)
}

// deltaPct returns the unrounded (to - from) / from in percent.
// Thresholds compare against this value; only the reported delta is rounded.
func deltaPct(from, to *model.SelectedRate) (float64, bool) {
	if from == nil || to == nil || !model.IsPositiveFinite(from.Value) || !model.IsPositiveFinite(to.Value) {
		return 0, false
	}
	return (to.Value - from.Value) * 100 / from.Value, true
}
