package webhook

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetrySweeper periodically re-runs due failed/retrying deliveries. It uses
// the same bounded sweep as the manual retry endpoint, so one pass never
// grows past RetryBatchSize.
type RetrySweeper struct {
	service   WebhookService
	logger    *zap.Logger
	scheduler *cron.Cron
}

func NewRetrySweeper(service WebhookService, logger *zap.Logger) *RetrySweeper {
	return &RetrySweeper{
		service:   service,
		logger:    logger,
		scheduler: cron.New(),
	}
}

func (s *RetrySweeper) Start() error {
	_, err := s.scheduler.AddFunc("@every 1m", func() {
		result := s.service.RetryFailed(context.Background(), "")
		if result.Retried > 0 {
			s.logger.Info("webhook retry sweep finished",
				zap.Int("retried", result.Retried),
				zap.Int("success", result.Results.Success),
				zap.Int("failed", result.Results.Failed),
			)
		}
	})
	if err != nil {
		return err
	}
	s.scheduler.Start()
	return nil
}

func (s *RetrySweeper) Stop() {
	s.scheduler.Stop()
}
