// Package main runs the remittance rate service: it aggregates VES and regional
// exchange rates from several providers and serves them over HTTP.
package main

import (
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/aggregate"
	"github.com/yourorg/remesa-rates/internal/alerts"
	"github.com/yourorg/remesa-rates/internal/cache"
	"github.com/yourorg/remesa-rates/internal/config"
	"github.com/yourorg/remesa-rates/internal/fetch"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/otel"
	"github.com/yourorg/remesa-rates/internal/security"
	"github.com/yourorg/remesa-rates/internal/validation"
)

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		logrus.Fatalf("Invalid source configuration: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	layer, registry, err := newPipeline(cfg, sources, m)
	if err != nil {
		logrus.Fatalf("Failed to build source adapters: %v", err)
	}

	exporter := alerts.NewExporter(alerts.ExporterConfig{
		WebhookURL:    cfg.AlertWebhookURL,
		WebhookAPIKey: cfg.AlertWebhookAPIKey,
		Interval:      cfg.AlertExportInterval,
		RetryMax:      2,
	})
	layer.OnSnapshot(exporter.Observe)

	integrity, err := security.NewIntegrity(cfg.SigningKey)
	if err != nil {
		logrus.Fatalf("Failed to initialize response signing: %v", err)
	}

	server := NewServer(loadServerConfig(cfg), Dependencies{
		Cache:     layer,
		Breakers:  registry,
		Exporter:  exporter,
		Integrity: integrity,
		Metrics:   m,
		Gatherer:  reg,
	})
	server.Start()
}

// newPipeline wires the source adapters, the aggregator and the cache layer.
// The registry is returned for breaker status and resets.
func newPipeline(cfg config.Config, sources config.Sources, m *metrics.Metrics) (*cache.Layer, *fetch.Registry, error) {
	opts := fetch.DefaultClientOptions()
	opts.RPS = cfg.UpstreamRPS
	opts.Burst = cfg.UpstreamBurst
	registry := fetch.NewRegistry(cfg, fetch.NewClient(opts), m)

	plan, err := registry.Build(sources)
	if err != nil {
		return nil, nil, err
	}

	builder := aggregate.NewBuilder(
		plan,
		aggregate.NewSelector(validation.DefaultQuoteOptions()),
		validation.NewValidator(validation.Thresholds{
			OfficialParallelPct: cfg.OfficialParallelAlertPct,
			P2PParallelPct:      cfg.P2PParallelAlertPct,
		}),
		m,
	).WithDeadline(cfg.AggregateTimeout)

	return cache.New(builder, cfg.FreshTTL, cfg.StaleTTL, m), registry, nil
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// loadServerConfig reads the HTTP-surface settings
func loadServerConfig(cfg config.Config) ServerConfig {
	return ServerConfig{
		Port:            cfg.Port,
		FreshTTL:        cfg.FreshTTL,
		RefreshInterval: cfg.RefreshInterval,
		RateLimitRPS:    config.GetEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:  config.GetEnvAsInt("RATE_LIMIT_BURST", 40),
		ShutdownTimeout: config.GetEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}
