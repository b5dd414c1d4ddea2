package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/alerts"
	"github.com/yourorg/remesa-rates/internal/cache"
	"github.com/yourorg/remesa-rates/internal/circuitbreaker"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/security"
	"github.com/yourorg/remesa-rates/internal/types"
	"golang.org/x/time/rate"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// ServerConfig holds the configuration of the HTTP surface
type ServerConfig struct {
	// HTTP port to listen on
	Port string

	// Advertised in Cache-Control as s-maxage
	FreshTTL time.Duration

	// Background refresh period, zero disables it
	RefreshInterval time.Duration

	// Inbound request limit; RateLimitRPS <= 0 disables it
	RateLimitRPS   float64
	RateLimitBurst int

	ShutdownTimeout time.Duration
}

// RateCache is the snapshot source behind the handlers
type RateCache interface {
	GetRates(ctx context.Context, forceRefresh bool) (cache.Result, error)
	Status() cache.Status
	Invalidate()
	Run(ctx context.Context, interval time.Duration)
}

// BreakerSet exposes the adapter circuit breakers
type BreakerSet interface {
	Breakers() []circuitbreaker.Snapshot
	ResetBreakers()
}

// Dependencies are the components a Server serves from. Only Cache is required.
type Dependencies struct {
	Cache     RateCache
	Breakers  BreakerSet
	Exporter  *alerts.Exporter
	Integrity *security.Integrity
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// Server represents the rate service HTTP server
type Server struct {
	config    ServerConfig
	cache     RateCache
	breakers  BreakerSet
	exporter  *alerts.Exporter
	integrity *security.Integrity
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	limiter   *rate.Limiter
	server    *http.Server
}

// NewServer creates a new server instance
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	if deps.Cache == nil {
		logrus.Fatal("No rate cache configured")
	}
	if cfg.FreshTTL <= 0 {
		cfg.FreshTTL = cache.DefaultFreshTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if deps.Integrity == nil {
		deps.Integrity = &security.Integrity{}
	}

	s := &Server{
		config:    cfg,
		cache:     deps.Cache,
		breakers:  deps.Breakers,
		exporter:  deps.Exporter,
		integrity: deps.Integrity,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	logrus.WithFields(logrus.Fields{
		"port":             cfg.Port,
		"fresh_ttl":        cfg.FreshTTL,
		"refresh_interval": cfg.RefreshInterval,
		"rate_limit_rps":   cfg.RateLimitRPS,
		"signing":          s.integrity.Signing(),
		"alert_export":     s.exporter.Enabled(),
	}).Info("Server initialized")
	return s
}

// Handler returns the routed and instrumented HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/rates", s.instrument("/rates", s.limit(http.HandlerFunc(s.handleRates))))
	mux.Handle("/rates/venezuela", s.instrument("/rates/venezuela", s.limit(http.HandlerFunc(s.handleVenezuela))))
	mux.Handle("/convert", s.instrument("/convert", s.limit(http.HandlerFunc(s.handleConvert))))
	mux.Handle("/countries", s.instrument("/countries", http.HandlerFunc(s.handleCountries)))
	mux.Handle("/health", s.instrument("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/status", s.instrument("/status", http.HandlerFunc(s.handleStatus)))
	mux.Handle("/cache", s.instrument("/cache", http.HandlerFunc(s.handleCache)))
	mux.Handle("/metrics", s.metricsHandler())

	return s.withRequestID(mux)
}

// Start begins the HTTP server and background workers, and blocks until
// SIGINT or SIGTERM triggers a graceful shutdown
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.config.RefreshInterval > 0 {
		go s.cache.Run(ctx, s.config.RefreshInterval)
		logrus.Infof("Background refresh every %s", s.config.RefreshInterval)
	}
	s.exporter.Start(ctx)

	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer done()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	if err := s.exporter.Stop(shutdownCtx); err != nil {
		logrus.Warnf("Final alert export failed: %v", err)
	}
	logrus.Info("Server stopped")
}

type venezuelaRates struct {
	BCV        float64 `json:"bcv"`
	Paralelo   float64 `json:"paralelo"`
	BinanceP2P float64 `json:"binanceP2P"`
}

type sourceInfo struct {
	Source     string           `json:"source"`
	Confidence model.Confidence `json:"confidence"`
}

type ratesData struct {
	Venezuela  venezuelaRates         `json:"venezuela"`
	Euro       float64                `json:"euro"`
	Countries  map[string]float64     `json:"countries"`
	Timestamp  int64                  `json:"timestamp"`
	IsFallback bool                   `json:"isFallback"`
	Validation model.ValidationResult `json:"validation"`
	Sources    map[string]sourceInfo  `json:"sources"`
}

type ratesResponse struct {
	Success bool      `json:"success"`
	Data    ratesData `json:"data"`
	Cached  bool      `json:"cached"`
}

func newRatesData(snap *model.RateSnapshot) ratesData {
	countries := snap.GenericRates
	if countries == nil {
		countries = map[string]float64{}
	}
	sources := make(map[string]sourceInfo, len(model.Categories))
	for _, c := range model.Categories {
		if r := snap.Rate(c); r != nil {
			sources[sourceKey(c)] = sourceInfo{Source: r.Source, Confidence: r.Confidence}
		}
	}
	return ratesData{
		Venezuela: venezuelaRates{
			BCV:        snap.Value(model.CategoryOfficial),
			Paralelo:   snap.Value(model.CategoryParallel),
			BinanceP2P: snap.Value(model.CategoryP2P),
		},
		Euro:       snap.EuroRate(),
		Countries:  countries,
		Timestamp:  snap.Timestamp,
		IsFallback: snap.IsFallback,
		Validation: snap.Validation,
		Sources:    sources,
	}
}

func sourceKey(c model.Category) string {
	switch c {
	case model.CategoryOfficial:
		return "bcv"
	case model.CategoryParallel:
		return "paralelo"
	case model.CategoryP2P:
		return "binanceP2P"
	}
	return strings.ToLower(string(c))
}

// handleRates serves the full snapshot
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	res, err := s.cache.GetRates(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to fetch exchange rates", err)
		return
	}

	data := newRatesData(res.Snapshot)
	dataBytes, err := json.Marshal(data)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to encode exchange rates", err)
		return
	}
	body, err := json.Marshal(ratesResponse{Success: true, Data: data, Cached: res.Cached()})
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to encode exchange rates", err)
		return
	}

	etag := s.integrity.ETag(dataBytes)
	h := w.Header()
	h.Set("Cache-Control", s.cacheControl())
	h.Set("ETag", etag)
	h.Set("X-Cache", string(res.Tier))
	if s.integrity.Signing() {
		sig, err := s.integrity.Sign(body)
		if err != nil {
			logrus.WithError(err).Warn("Failed to sign rates payload")
		} else {
			h.Set("X-Rates-Signature", sig)
		}
	}

	if s.integrity.Matches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeRawJSON(w, http.StatusOK, body)
}

// handleVenezuela serves the three VES rates with their provenance
func (s *Server) handleVenezuela(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	res, err := s.cache.GetRates(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to fetch exchange rates", err)
		return
	}

	snap := res.Snapshot
	w.Header().Set("Cache-Control", s.cacheControl())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"official":   snap.Official,
			"parallel":   snap.Parallel,
			"p2p":        snap.P2P,
			"validation": snap.Validation,
			"isFallback": snap.IsFallback,
			"timestamp":  snap.Timestamp,
		},
		"cached": res.Cached(),
	})
}

// handleConvert converts an amount between two currencies through USD
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	amount := 100.0
	if raw := q.Get("amount"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || !model.IsPositiveFinite(v) {
			s.errorResponse(w, r, http.StatusBadRequest, "Invalid amount", fmt.Errorf("amount %q must be a positive number", raw))
			return
		}
		amount = v
	}
	from := strings.ToUpper(queryOrDefault(r, "from", "USD"))
	to := strings.ToUpper(queryOrDefault(r, "to", "MXN"))

	res, err := s.cache.GetRates(r.Context(), false)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Conversion failed", err)
		return
	}

	converted, err := res.Snapshot.Convert(amount, from, to)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrUnsupportedCurrency) {
			status = http.StatusBadRequest
		}
		s.errorResponse(w, r, status, "Conversion failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"from":       map[string]interface{}{"amount": amount, "currency": from},
			"to":         map[string]interface{}{"amount": converted, "currency": to},
			"rate":       model.Round(converted/amount, 6),
			"timestamp":  res.Snapshot.Timestamp,
			"isFallback": res.Snapshot.IsFallback,
		},
	})
}

// handleCountries lists the currency catalogue, optionally filtered by ?region=
func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	countries := types.InRegion(strings.TrimSpace(r.URL.Query().Get("region")))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(countries),
		"data":    countries,
		"meta": map[string]string{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version,
		},
	})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": version,
		"cache":   s.cache.Status(),
		"alerts":  s.exporter.Status(),
		"signing": s.integrity.Signing(),
	}
	if s.breakers != nil {
		status["breakers"] = s.breakers.Breakers()
	}
	if s.integrity.Signing() {
		status["signer"] = s.integrity.Address().Hex()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCache allows viewing and controlling the cache and the adapter breakers
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	response := map[string]interface{}{}
	if r.Method == http.MethodPost {
		switch action := r.URL.Query().Get("action"); action {
		case "invalidate":
			s.cache.Invalidate()
			response["message"] = "Cache invalidated"
		case "reset-breakers":
			if s.breakers != nil {
				s.breakers.ResetBreakers()
			}
			response["message"] = "Circuit breakers reset"
		default:
			s.errorResponse(w, r, http.StatusBadRequest, "Unknown cache action", fmt.Errorf("action %q", action))
			return
		}
	}

	response["cache"] = s.cache.Status()
	if s.breakers != nil {
		response["breakers"] = s.breakers.Breakers()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) metricsHandler() http.Handler {
	if s.gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

func (s *Server) cacheControl() string {
	return fmt.Sprintf("public, s-maxage=%d, stale-while-revalidate=60", int(s.config.FreshTTL.Seconds()))
}

// errorResponse writes the error body and logs the cause with the request ID
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string, cause error) {
	entry := logrus.WithFields(logrus.Fields{
		"request_id": requestIDFrom(r.Context()),
		"path":       r.URL.Path,
		"status":     statusCode,
	})
	if statusCode >= http.StatusInternalServerError {
		entry.WithError(cause).Error(message)
	} else {
		entry.WithError(cause).Warn(message)
	}
	writeError(w, statusCode, message, cause)
}
