package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Adapter names understood by the fetch registry
const (
	SourceDolarAPIOficial     = "dolarapi_oficial"
	SourcePyDolarBCVPage      = "pydolar_bcv_page"
	SourcePyDolarBCV          = "pydolar_bcv"
	SourceExchangeMonitorBCV  = "exchangemonitor_bcv"
	SourceRAGSearchBCV        = "ragsearch_bcv"
	SourceRAGSearchParalelo   = "ragsearch_paralelo"
	SourceRAGSearchBinance    = "ragsearch_binance"
	SourceExchangeRateEstBCV  = "exchangerate_api_estimate"
	SourceDolarAPIParalelo    = "dolarapi_paralelo"
	SourcePyDolarParalelo     = "pydolar_paralelo"
	SourceExchangeRateVES     = "exchangerate_api_ves"
	SourcePyDolarBinance      = "pydolar_binance"
	SourceBinanceP2P          = "binance_p2p"
	SourceDerivedFromParallel = "derived_parallel"
	SourceExchangeRateLatest  = "exchangerate_api_latest"
)

// Sources is the declarative, priority-ordered adapter list per category.
// Reordering a provider is a change to this structure only.
type Sources struct {
	Official []string `json:"official"`
	Parallel []string `json:"parallel"`
	P2P      []string `json:"p2p"`
	Generic  string   `json:"generic"`
}

// DefaultSources returns the built-in priority order
func DefaultSources() Sources {
	return Sources{
		Official: []string{
			SourceDolarAPIOficial,
			SourcePyDolarBCVPage,
			SourcePyDolarBCV,
			SourceExchangeMonitorBCV,
			SourceRAGSearchBCV,
			SourceExchangeRateEstBCV,
		},
		Parallel: []string{
			SourceDolarAPIParalelo,
			SourcePyDolarParalelo,
			SourceRAGSearchParalelo,
			SourceExchangeRateVES,
		},
		P2P: []string{
			SourcePyDolarBinance,
			SourceBinanceP2P,
			SourceRAGSearchBinance,
			SourceDerivedFromParallel,
		},
		Generic: SourceExchangeRateLatest,
	}
}

// LoadSources loads the adapter lists from a JSON file and applies env overrides.
// An empty path yields the defaults plus env overrides.
func LoadSources(path string) (Sources, error) {
	sources := DefaultSources()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Sources{}, fmt.Errorf("failed to read sources file: %w", err)
		}
		var fromFile Sources
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return Sources{}, fmt.Errorf("failed to parse sources file: %w", err)
		}
		sources = mergeSources(sources, fromFile)
		logrus.Infof("Loaded source configuration from %s", path)
	}

	sources = applySourceEnvOverrides(sources)

	if err := sources.Validate(); err != nil {
		return Sources{}, err
	}
	return sources, nil
}

// Validate checks that every category has at least one adapter and no duplicates
func (s Sources) Validate() error {
	lists := map[string][]string{
		"official": s.Official,
		"parallel": s.Parallel,
		"p2p":      s.P2P,
	}
	for name, list := range lists {
		if len(list) == 0 {
			return fmt.Errorf("no adapters configured for %s", name)
		}
		seen := make(map[string]bool, len(list))
		for _, a := range list {
			if seen[a] {
				return fmt.Errorf("adapter %q listed twice for %s", a, name)
			}
			seen[a] = true
		}
	}
	if s.Generic == "" {
		return fmt.Errorf("no generic adapter configured")
	}
	return nil
}

func mergeSources(base, override Sources) Sources {
	if len(override.Official) > 0 {
		base.Official = override.Official
	}
	if len(override.Parallel) > 0 {
		base.Parallel = override.Parallel
	}
	if len(override.P2P) > 0 {
		base.P2P = override.P2P
	}
	if override.Generic != "" {
		base.Generic = override.Generic
	}
	return base
}

func applySourceEnvOverrides(s Sources) Sources {
	if v, ok := GetEnv("OFFICIAL_SOURCES"); ok {
		s.Official = splitList(v)
	}
	if v, ok := GetEnv("PARALLEL_SOURCES"); ok {
		s.Parallel = splitList(v)
	}
	if v, ok := GetEnv("P2P_SOURCES"); ok {
		s.P2P = splitList(v)
	}
	if v, ok := GetEnv("GENERIC_SOURCE"); ok && v != "" {
		s.Generic = strings.TrimSpace(v)
	}
	return s
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
