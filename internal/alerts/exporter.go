// Package alerts batches validation alerts and delivers them to a webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/remesa-rates/internal/model"
)

// ErrWebhookStatus is returned when the webhook answers with an error status
var ErrWebhookStatus = errors.New("webhook returned error status")

// Alert is one validation alert together with the rates that raised it
type Alert struct {
	Message                  string  `json:"message"`
	OfficialParallelDeltaPct float64 `json:"officialParallelDeltaPct"`
	P2PParallelDeltaPct      float64 `json:"p2pParallelDeltaPct"`
	Official                 float64 `json:"official"`
	Parallel                 float64 `json:"parallel"`
	P2P                      float64 `json:"p2p"`
	Timestamp                int64   `json:"timestamp"`
}

// ExporterConfig holds configuration for alert exporting
type ExporterConfig struct {
	WebhookURL    string
	WebhookAPIKey string
	BatchSize     int

	// MaxPending bounds the queue while the webhook is failing; the oldest alerts are dropped
	MaxPending int

	Interval     time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Exporter collects alerts and posts them in batches.
// A zero WebhookURL yields a disabled exporter whose methods are no-ops.
type Exporter struct {
	cfg    ExporterConfig
	client *retryablehttp.Client

	mutex      sync.Mutex
	batch      []Alert
	lastAlert  string
	lastExport time.Time
	exported   int
	failures   int
	dropped    int

	flushing   sync.Mutex
	asyncFlush atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewExporter creates an exporter. Call Start to enable periodic flushing.
func NewExporter(cfg ExporterConfig) *Exporter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 5 * cfg.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = 5 * cfg.RetryWaitMin
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Exporter{
		cfg:    cfg,
		client: client,
		batch:  make([]Alert, 0, cfg.BatchSize),
	}
}

// Enabled reports whether a webhook is configured
func (e *Exporter) Enabled() bool {
	return e != nil && e.cfg.WebhookURL != ""
}

// Observe queues the snapshot's alert, if any. Repeats of the previous alert
// text are dropped until a snapshot without alert clears it.
func (e *Exporter) Observe(s *model.RateSnapshot) {
	if !e.Enabled() || s == nil || s.IsFallback {
		return
	}

	e.mutex.Lock()
	if !s.Validation.HasAlert() {
		e.lastAlert = ""
		e.mutex.Unlock()
		return
	}
	if s.Validation.Alert == e.lastAlert {
		e.mutex.Unlock()
		return
	}
	e.lastAlert = s.Validation.Alert
	e.batch = append(e.batch, Alert{
		Message:                  s.Validation.Alert,
		OfficialParallelDeltaPct: s.Validation.OfficialParallelDeltaPct,
		P2PParallelDeltaPct:      s.Validation.P2PParallelDeltaPct,
		Official:                 s.Value(model.CategoryOfficial),
		Parallel:                 s.Value(model.CategoryParallel),
		P2P:                      s.Value(model.CategoryP2P),
		Timestamp:                s.Timestamp,
	})
	e.trimLocked()
	full := len(e.batch) >= e.cfg.BatchSize
	e.mutex.Unlock()

	// at most one size-triggered flush in flight
	if full && e.asyncFlush.CompareAndSwap(false, true) {
		go func() {
			defer e.asyncFlush.Store(false)
			if err := e.Flush(context.Background()); err != nil {
				logrus.Errorf("Failed to export alerts: %v", err)
			}
		}()
	}
}

// trimLocked drops the oldest alerts beyond MaxPending. mutex must be held.
func (e *Exporter) trimLocked() {
	over := len(e.batch) - e.cfg.MaxPending
	if over <= 0 {
		return
	}
	e.batch = append([]Alert(nil), e.batch[over:]...)
	e.dropped += over
	logrus.WithFields(logrus.Fields{"dropped": over, "pending": len(e.batch)}).Warn("Alert queue full, oldest alerts dropped")
}

// Start flushes the batch every interval until Stop is called
func (e *Exporter) Start(ctx context.Context) {
	if !e.Enabled() {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.Flush(ctx); err != nil {
					logrus.Errorf("Failed to export alerts: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	logrus.WithField("interval", e.cfg.Interval).Info("Alert exporter started")
}

// Stop ends periodic flushing and delivers what is left
func (e *Exporter) Stop(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.Flush(ctx)
}

// Flush posts the current batch. Alerts are put back when delivery fails,
// bounded by MaxPending.
func (e *Exporter) Flush(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	e.flushing.Lock()
	defer e.flushing.Unlock()

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	alerts := e.batch
	e.batch = make([]Alert, 0, e.cfg.BatchSize)
	e.mutex.Unlock()

	err := e.post(ctx, alerts)

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if err != nil {
		e.failures++
		e.batch = append(alerts, e.batch...)
		e.trimLocked()
		return err
	}
	e.exported += len(alerts)
	e.lastExport = time.Now()
	logrus.Infof("Exported %d validation alerts", len(alerts))
	return nil
}

func (e *Exporter) post(ctx context.Context, alerts []Alert) error {
	payload := struct {
		Alerts     []Alert `json:"alerts"`
		ExportTime string  `json:"export_time"`
		Count      int     `json:"count"`
	}{
		Alerts:     alerts,
		ExportTime: time.Now().UTC().Format(time.RFC3339),
		Count:      len(alerts),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.WebhookAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return nil
}

// Status returns the current state of the exporter
func (e *Exporter) Status() map[string]interface{} {
	status := map[string]interface{}{"enabled": e.Enabled()}
	if !e.Enabled() {
		return status
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	status["batch_size"] = e.cfg.BatchSize
	status["export_interval"] = e.cfg.Interval.String()
	status["pending"] = len(e.batch)
	status["exported"] = e.exported
	status["failures"] = e.failures
	status["dropped"] = e.dropped
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.Format(time.RFC3339)
	}
	return status
}
