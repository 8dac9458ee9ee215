package events

import (
	"context"
	"strings"

	common_models "flowcrm/internal/common/models"
	"flowcrm/internal/features/automation"
	"flowcrm/internal/features/webhook"

	"go.uber.org/zap"
)

// EventDispatcher fans one completed mutation out to the rule engine and the
// webhook subsystem. The two legs are independent: either can fire without
// the other, and a failure in one never reaches the other.
type EventDispatcher struct {
	automation automation.AutomationService
	webhooks   webhook.WebhookService
	logger     *zap.Logger
}

func NewEventDispatcher(
	automationService automation.AutomationService,
	webhookService webhook.WebhookService,
	logger *zap.Logger,
) *EventDispatcher {
	return &EventDispatcher{
		automation: automationService,
		webhooks:   webhookService,
		logger:     logger,
	}
}

// EmitSync awaits the automation leg, so the caller's response reflects rule
// side effects. Webhook fan-out stays detached either way.
func (d *EventDispatcher) EmitSync(ctx context.Context, event string, ec *common_models.ExecutionContext) error {
	d.webhooks.Dispatch(ctx, event, ec)
	return d.automation.ProcessTrigger(ctx, TriggerType(event), ec)
}

// Emit is the fire-and-forget entry point for high-frequency events. All
// failures are contained; nothing can crash the host or the caller.
func (d *EventDispatcher) Emit(event string, ec *common_models.ExecutionContext) {
	d.automation.ProcessTriggerAsync(TriggerType(event), ec)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("webhook fan-out panicked",
					zap.String("event", event),
					zap.Any("panic", r),
				)
			}
		}()
		d.webhooks.Dispatch(context.Background(), event, ec)
	}()
}

// TriggerType maps an event name to the rule trigger vocabulary,
// e.g. "priority.created" -> "priority_created".
func TriggerType(event string) string {
	return strings.ReplaceAll(event, ".", "_")
}
