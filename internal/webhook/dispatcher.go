// Package webhook delivers tenant event notifications over HTTP.
// Deliveries are fire-and-forget: outcomes are logged and counted but
// never surfaced to the operation that triggered them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/security"
)

const (
	headerEvent     = "X-MiniRAG-Event"
	headerSignature = "X-MiniRAG-Signature"

	defaultTimeout = 10 * time.Second
)

// TestResult reports the outcome of a synchronous test ping.
// StatusCode is nil when the endpoint could not be reached at all.
type TestResult struct {
	Success    bool `json:"success"`
	StatusCode *int `json:"status_code"`
}

// Dispatcher selects subscribed webhooks and posts signed event
// payloads to them.
type Dispatcher struct {
	webhooks *repository.WebhookRepository
	client   *http.Client
	limiter  *resilience.RateLimiter
	metrics  *metrics.Metrics
	logger   observability.Logger
}

// NewDispatcher creates a dispatcher. A non-positive timeout falls back
// to 10 seconds. limiter and m may be nil.
func NewDispatcher(webhooks *repository.WebhookRepository, timeout time.Duration, limiter *resilience.RateLimiter, m *metrics.Metrics, logger observability.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		webhooks: webhooks,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		metrics:  m,
		logger:   logger.WithPrefix("webhook"),
	}
}

// Dispatch fires the event to every active subscribed webhook of the
// tenant in a detached goroutine. It never blocks the caller and never
// reports delivery failures upward.
func (d *Dispatcher) Dispatch(tenantID uuid.UUID, event models.WebhookEvent, payload map[string]interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*d.client.Timeout)
		defer cancel()

		hooks, err := d.webhooks.ListActive(ctx, tenantID)
		if err != nil {
			d.logger.Error("Failed to load webhooks for dispatch", map[string]interface{}{
				"tenant_id": tenantID.String(),
				"event":     string(event),
				"error":     err.Error(),
			})
			return
		}

		for _, hook := range hooks {
			if !hook.SubscribedTo(event) {
				continue
			}
			d.deliver(ctx, hook, event, payload)
		}
	}()
}

// SendTest posts a test.ping to the webhook synchronously and reports
// whether the endpoint answered with a 2xx.
func (d *Dispatcher) SendTest(ctx context.Context, hook *models.Webhook) TestResult {
	payload := map[string]interface{}{
		"event":      string(models.EventTestPing),
		"webhook_id": hook.ID.String(),
	}
	status, err := d.post(ctx, hook, models.EventTestPing, payload)
	if err != nil {
		return TestResult{Success: false, StatusCode: nil}
	}
	return TestResult{
		Success:    status >= 200 && status < 300,
		StatusCode: &status,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, hook *models.Webhook, event models.WebhookEvent, payload map[string]interface{}) {
	start := time.Now()
	status, err := d.post(ctx, hook, event, payload)
	success := err == nil && status >= 200 && status < 300

	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery(string(event), success, time.Since(start))
	}
	if success {
		d.logger.Debug("Webhook delivered", map[string]interface{}{
			"webhook_id": hook.ID.String(),
			"event":      string(event),
			"status":     status,
		})
		return
	}

	fields := map[string]interface{}{
		"webhook_id": hook.ID.String(),
		"event":      string(event),
		"url":        hook.URL,
	}
	if err != nil {
		fields["error"] = err.Error()
	} else {
		fields["status"] = status
	}
	d.logger.Warn("Webhook delivery failed", fields)
}

// post signs and sends one payload. The signature is a hex HMAC-SHA256
// of the exact body bytes under the webhook secret.
func (d *Dispatcher) post(ctx context.Context, hook *models.Webhook, event models.WebhookEvent, payload map[string]interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, resilience.DestWebhook); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(event))
	req.Header.Set(headerSignature, security.SignHMAC(hook.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
