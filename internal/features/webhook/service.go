package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	common_models "flowcrm/internal/common/models"
	"flowcrm/internal/config"

	"go.uber.org/zap"
)

// RetryBatchSize bounds one manual or scheduled retry pass
const RetryBatchSize = 10

// EventPayload is the outbound wire format posted to subscribers
type EventPayload struct {
	Event      string                 `json:"event"`
	EntityType string                 `json:"entityType"`
	EntityID   string                 `json:"entityId"`
	EntityName string                 `json:"entityName,omitempty"`
	Current    map[string]interface{} `json:"current"`
	Previous   map[string]interface{} `json:"previous,omitempty"`
	Changes    []string               `json:"changes,omitempty"`
	UserID     string                 `json:"userId,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// RetryCounts aggregates per-log outcomes of one retry pass
type RetryCounts struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// RetryResult is what the manual retry surface returns; it never throws
type RetryResult struct {
	Retried int         `json:"retried"`
	Results RetryCounts `json:"results"`
}

type WebhookService interface {
	CreateWebhook(ctx context.Context, webhook *Webhook) error
	ListWebhooks(ctx context.Context) ([]Webhook, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	UpdateWebhook(ctx context.Context, id string, updates map[string]interface{}) error
	DeleteWebhook(ctx context.Context, id string) error
	RegenerateSecret(ctx context.Context, id string) (string, error)
	ListLogs(ctx context.Context, webhookID string) ([]WebhookLog, error)

	// Dispatch fans one event out to every matching subscription,
	// fire-and-forget. RetryFailed re-runs due failed/retrying logs.
	Dispatch(ctx context.Context, event string, ec *common_models.ExecutionContext)
	RetryFailed(ctx context.Context, logID string) RetryResult
}

type WebhookServiceImpl struct {
	Repo       WebhookRepository
	LogRepo    WebhookLogRepository
	Dispatcher *Dispatcher
	Logger     *zap.Logger
	Config     *config.Config
}

func NewWebhookService(
	repo WebhookRepository,
	logRepo WebhookLogRepository,
	dispatcher *Dispatcher,
	cfg *config.Config,
	logger *zap.Logger,
) WebhookService {
	return &WebhookServiceImpl{
		Repo:       repo,
		LogRepo:    logRepo,
		Dispatcher: dispatcher,
		Logger:     logger,
		Config:     cfg,
	}
}

func (s *WebhookServiceImpl) CreateWebhook(ctx context.Context, webhook *Webhook) error {
	if webhook.MaxRetries <= 0 {
		webhook.MaxRetries = s.Config.WebhookMaxRetries
	}
	if webhook.TimeoutMs <= 0 {
		webhook.TimeoutMs = s.Config.WebhookTimeoutMs
	}
	if err := webhook.Validate(); err != nil {
		return err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	webhook.Secret = secret

	// The caller sees the secret once, in the create response
	return s.Repo.Create(ctx, webhook)
}

func (s *WebhookServiceImpl) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	webhooks, err := s.Repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range webhooks {
		webhooks[i].Secret = ""
	}
	return webhooks, nil
}

func (s *WebhookServiceImpl) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	webhook, err := s.Repo.Get(ctx, id)
	if err != nil || webhook == nil {
		return webhook, err
	}
	webhook.Secret = ""
	return webhook, nil
}

func (s *WebhookServiceImpl) UpdateWebhook(ctx context.Context, id string, updates map[string]interface{}) error {
	// The signing key only changes through explicit regeneration
	delete(updates, "secret")
	delete(updates, "consecutive_failures")

	if u, ok := updates["url"].(string); ok {
		probe := Webhook{URL: u, Events: []string{"probe"}}
		if err := probe.Validate(); err != nil {
			return err
		}
	}

	return s.Repo.Update(ctx, id, updates)
}

func (s *WebhookServiceImpl) DeleteWebhook(ctx context.Context, id string) error {
	return s.Repo.Delete(ctx, id)
}

func (s *WebhookServiceImpl) RegenerateSecret(ctx context.Context, id string) (string, error) {
	webhook, err := s.Repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if webhook == nil {
		return "", fmt.Errorf("webhook not found")
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	if err := s.Repo.Update(ctx, id, map[string]interface{}{"secret": secret}); err != nil {
		return "", err
	}
	return secret, nil
}

func (s *WebhookServiceImpl) ListLogs(ctx context.Context, webhookID string) ([]WebhookLog, error) {
	return s.LogRepo.ListByWebhookID(ctx, webhookID)
}

func (s *WebhookServiceImpl) Dispatch(ctx context.Context, event string, ec *common_models.ExecutionContext) {
	webhooks, err := s.Repo.ListActiveByEvent(ctx, event)
	if err != nil {
		s.Logger.Error("failed to load subscriptions",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	if len(webhooks) == 0 {
		return
	}

	payload := EventPayload{
		Event:      event,
		EntityType: ec.EntityType,
		EntityID:   ec.EntityID,
		EntityName: ec.EntityName,
		Current:    ec.NewData,
		Previous:   ec.PreviousData,
		Changes:    ec.ChangedFields,
		UserID:     ec.UserID,
		Source:     ec.Source,
		Timestamp:  ec.Timestamp,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.Logger.Error("failed to marshal event payload",
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}

	for i := range webhooks {
		wh := webhooks[i]
		if !wh.Filters.Matches(ec.NewData) {
			continue
		}

		log := &WebhookLog{
			WebhookID: wh.ID,
			Event:     event,
			Payload:   string(body),
			Status:    StatusPending,
		}
		if err := s.LogRepo.Create(ctx, log); err != nil {
			s.Logger.Error("failed to create delivery log",
				zap.String("webhook_id", wh.ID.Hex()),
				zap.Error(err),
			)
			continue
		}

		// Detached delivery; the log carries the outcome
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.Logger.Error("webhook delivery panicked", zap.Any("panic", r))
				}
			}()
			s.Dispatcher.Deliver(context.Background(), &wh, log)
		}()
	}
}

// RetryFailed re-delivers failed or retrying logs. With a logID it targets
// that entry; otherwise it sweeps at most RetryBatchSize due logs. Errors
// are collected, never raised.
func (s *WebhookServiceImpl) RetryFailed(ctx context.Context, logID string) RetryResult {
	result := RetryResult{Results: RetryCounts{Errors: []string{}}}

	var logs []WebhookLog
	if logID != "" {
		log, err := s.LogRepo.Get(ctx, logID)
		if err != nil {
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: %v", logID, err))
			return result
		}
		if log == nil {
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: not found", logID))
			return result
		}
		if log.Status != StatusFailed && log.Status != StatusRetrying {
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: status %s is not retryable", logID, log.Status))
			return result
		}
		logs = []WebhookLog{*log}
	} else {
		var err error
		logs, err = s.LogRepo.ListRetryable(ctx, time.Now(), RetryBatchSize)
		if err != nil {
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("failed to list retryable logs: %v", err))
			return result
		}
	}

	for i := range logs {
		log := &logs[i]
		result.Retried++

		wh, err := s.Repo.GetByObjectID(ctx, log.WebhookID)
		if err != nil || wh == nil {
			result.Results.Failed++
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: subscription missing", log.ID.Hex()))
			continue
		}
		if !wh.IsActive {
			result.Results.Failed++
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: subscription inactive", log.ID.Hex()))
			continue
		}

		log.Status = StatusRetrying
		if err := s.LogRepo.Update(ctx, log); err != nil {
			s.Logger.Error("failed to mark log retrying", zap.Error(err))
		}

		if err := s.Dispatcher.Deliver(ctx, wh, log); err != nil {
			result.Results.Failed++
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("log %s: %v", log.ID.Hex(), err))
			continue
		}
		result.Results.Success++
	}
	return result
}
