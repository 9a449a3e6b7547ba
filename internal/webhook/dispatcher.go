// Package webhook delivers terminal-state callbacks for runs that asked for
// one. Delivery is fire-and-forget from the scheduler's point of view;
// retries and timeouts stay inside the dispatcher.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/runtime/models"
)

const defaultRetries = 3

// Dispatcher posts run records to webhook URLs.
type Dispatcher struct {
	client    *http.Client
	retries   int
	baseDelay time.Duration
	logger    *logger.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher from config.
func NewDispatcher(cfg config.WebhookConfig, log *logger.Logger) *Dispatcher {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &Dispatcher{
		client:    &http.Client{Timeout: cfg.TimeoutDuration()},
		retries:   retries,
		baseDelay: 500 * time.Millisecond,
		logger:    log.WithFields(zap.String("component", "webhook-dispatcher")),
	}
}

// Notify posts the run's terminal record to url without blocking the
// caller. Failed deliveries are retried with backoff and then dropped; a
// webhook is best-effort, never load-bearing.
func (d *Dispatcher) Notify(url string, run *models.Run) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(url, run)
	}()
}

// Close waits for in-flight deliveries to finish.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(url string, run *models.Run) {
	body, err := json.Marshal(run)
	if err != nil {
		d.logger.Error("failed to encode webhook payload",
			zap.String("run_id", run.RunID), zap.Error(err))
		return
	}

	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			time.Sleep(d.baseDelay * time.Duration(1<<(attempt-2)))
		}
		if d.post(url, body) {
			d.logger.Info("webhook delivered",
				zap.String("run_id", run.RunID),
				zap.String("url", url),
				zap.Int("attempt", attempt))
			return
		}
	}
	d.logger.Warn("webhook delivery gave up",
		zap.String("run_id", run.RunID),
		zap.String("url", url),
		zap.Int("attempts", d.retries))
}

func (d *Dispatcher) post(url string, body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build webhook request",
			zap.String("url", url), zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("webhook attempt failed",
			zap.String("url", url), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Debug("webhook endpoint rejected delivery",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}
