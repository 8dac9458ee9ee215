package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"flowcrm/internal/config"

	"go.uber.org/zap"
)

// Dispatcher performs single signed delivery attempts and keeps the log and
// subscription bookkeeping consistent with the outcome.
type Dispatcher struct {
	webhookRepo WebhookRepository
	logRepo     WebhookLogRepository
	client      *http.Client
	logger      *zap.Logger

	defaultTimeoutMs  int
	defaultMaxRetries int
}

func NewDispatcher(webhookRepo WebhookRepository, logRepo WebhookLogRepository, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		webhookRepo: webhookRepo,
		logRepo:     logRepo,
		// Per-attempt deadline comes from the subscription, not a global
		// client timeout
		client:            &http.Client{},
		logger:            logger,
		defaultTimeoutMs:  cfg.WebhookTimeoutMs,
		defaultMaxRetries: cfg.WebhookMaxRetries,
	}
}

// Deliver runs one attempt for the given log entry and persists the result.
// A timeout or network error counts as a failure exactly like a non-2xx
// response. It returns the delivery error so manual retries can report it.
func (d *Dispatcher) Deliver(ctx context.Context, wh *Webhook, log *WebhookLog) error {
	timeoutMs := wh.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = d.defaultTimeoutMs
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	payload := []byte(log.Payload)

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return d.recordFailure(ctx, wh, log, 0, "", 0, fmt.Sprintf("invalid request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FlowCRM-Webhook")

	// Operator headers first so they can never override the signature set
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("X-Webhook-Id", wh.ID.Hex())
	req.Header.Set("X-Webhook-Event", log.Event)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Signature", Sign(payload, wh.Secret))

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		msg := fmt.Sprintf("request failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("timeout after %dms", timeoutMs)
		}
		return d.recordFailure(ctx, wh, log, 0, "", elapsed, msg)
	}
	defer resp.Body.Close()

	body := readBody(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, wh, log, resp.StatusCode, body, elapsed)
		return nil
	}

	return d.recordFailure(ctx, wh, log, resp.StatusCode, body,
		elapsed, fmt.Sprintf("endpoint returned status %d", resp.StatusCode))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, wh *Webhook, log *WebhookLog, status int, body string, elapsed int64) {
	log.Attempts++
	log.Status = StatusSuccess
	log.ResponseStatus = status
	log.ResponseBody = body
	log.ResponseTimeMs = elapsed
	log.Error = ""
	log.NextRetryAt = nil

	if err := d.logRepo.Update(ctx, log); err != nil {
		d.logger.Error("failed to persist delivery log", zap.Error(err))
	}
	if err := d.webhookRepo.RecordSuccess(ctx, wh.ID); err != nil {
		d.logger.Error("failed to reset failure counters", zap.Error(err))
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, wh *Webhook, log *WebhookLog, status int, body string, elapsed int64, msg string) error {
	log.Attempts++
	log.Status = StatusFailed
	log.ResponseStatus = status
	log.ResponseBody = body
	log.ResponseTimeMs = elapsed
	log.Error = msg

	maxRetries := wh.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.defaultMaxRetries
	}

	if log.Attempts < maxRetries {
		next := time.Now().Add(retryBackoff(log.Attempts))
		log.NextRetryAt = &next
	} else {
		// Terminal: no further automatic attempt is ever scheduled
		log.NextRetryAt = nil
	}

	if err := d.logRepo.Update(ctx, log); err != nil {
		d.logger.Error("failed to persist delivery log", zap.Error(err))
	}
	if err := d.webhookRepo.RecordFailure(ctx, wh.ID, msg); err != nil {
		d.logger.Error("failed to bump failure counter", zap.Error(err))
	}

	d.logger.Warn("webhook delivery failed",
		zap.String("webhook_id", wh.ID.Hex()),
		zap.String("event", log.Event),
		zap.Int("attempts", log.Attempts),
		zap.String("error", msg),
	)
	return errors.New(msg)
}

// retryBackoff spaces attempts out: 1m, 5m, 15m, then 30m
func retryBackoff(attempts int) time.Duration {
	switch attempts {
	case 1:
		return time.Minute
	case 2:
		return 5 * time.Minute
	case 3:
		return 15 * time.Minute
	default:
		return 30 * time.Minute
	}
}

func readBody(r io.Reader) string {
	// Read one byte past the cap to know whether to add the marker
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseBodyLen+1))
	if err != nil {
		return ""
	}
	if len(data) > MaxResponseBodyLen {
		return string(data[:MaxResponseBodyLen]) + "... (truncated)"
	}
	return string(data)
}
