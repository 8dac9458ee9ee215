package automation

import (
	"context"
	"fmt"

	common_models "flowcrm/internal/common/models"

	"go.uber.org/zap"
)

type AutomationService interface {
	CreateRule(ctx context.Context, rule *AutomationRule) error
	GetRule(ctx context.Context, id string) (*AutomationRule, error)
	ListRules(ctx context.Context) ([]AutomationRule, error)
	UpdateRule(ctx context.Context, rule *AutomationRule) error
	DeleteRule(ctx context.Context, id string) error
	EnableRule(ctx context.Context, id string, active bool) error

	// Core Logic. ProcessTrigger runs matched rules and returns only when
	// every matched action completed; ProcessTriggerAsync detaches and
	// surfaces failures through logs alone.
	ProcessTrigger(ctx context.Context, triggerType string, ec *common_models.ExecutionContext) error
	ProcessTriggerAsync(triggerType string, ec *common_models.ExecutionContext)
}

type AutomationServiceImpl struct {
	Repo           AutomationRepository
	ExecutionRepo  ExecutionRecordRepository
	Evaluator      *ConditionEvaluator
	ActionExecutor ActionExecutor
	Logger         *zap.Logger
}

func NewAutomationService(
	repo AutomationRepository,
	executionRepo ExecutionRecordRepository,
	evaluator *ConditionEvaluator,
	actionExecutor ActionExecutor,
	logger *zap.Logger,
) AutomationService {
	return &AutomationServiceImpl{
		Repo:           repo,
		ExecutionRepo:  executionRepo,
		Evaluator:      evaluator,
		ActionExecutor: actionExecutor,
		Logger:         logger,
	}
}

func (s *AutomationServiceImpl) CreateRule(ctx context.Context, rule *AutomationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.Repo.Create(ctx, rule)
}

func (s *AutomationServiceImpl) GetRule(ctx context.Context, id string) (*AutomationRule, error) {
	return s.Repo.GetByID(ctx, id)
}

func (s *AutomationServiceImpl) ListRules(ctx context.Context) ([]AutomationRule, error) {
	return s.Repo.List(ctx)
}

func (s *AutomationServiceImpl) UpdateRule(ctx context.Context, rule *AutomationRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	return s.Repo.Update(ctx, rule)
}

func (s *AutomationServiceImpl) DeleteRule(ctx context.Context, id string) error {
	return s.Repo.Delete(ctx, id)
}

func (s *AutomationServiceImpl) EnableRule(ctx context.Context, id string, active bool) error {
	return s.Repo.Enable(ctx, id, active)
}

func (s *AutomationServiceImpl) ProcessTrigger(ctx context.Context, triggerType string, ec *common_models.ExecutionContext) error {
	rules, err := s.Repo.ListActiveByTrigger(ctx, triggerType)
	if err != nil {
		return fmt.Errorf("failed to load rules for trigger %s: %w", triggerType, err)
	}

	for i := range rules {
		// Cancellation is cooperative, checked between rules
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processRule(ctx, &rules[i], ec)
	}
	return nil
}

// ProcessTriggerAsync runs the same pipeline detached. Every failure is
// caught here so nothing can crash or surface to the originating request.
func (s *AutomationServiceImpl) ProcessTriggerAsync(triggerType string, ec *common_models.ExecutionContext) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.Logger.Error("automation trigger panicked",
					zap.String("trigger_type", triggerType),
					zap.Any("panic", r),
				)
			}
		}()

		if err := s.ProcessTrigger(context.Background(), triggerType, ec); err != nil {
			s.Logger.Error("detached automation trigger failed",
				zap.String("trigger_type", triggerType),
				zap.Error(err),
			)
		}
	}()
}

func (s *AutomationServiceImpl) processRule(ctx context.Context, rule *AutomationRule, ec *common_models.ExecutionContext) {
	if rule.ExecuteOnce {
		fired, err := s.ExecutionRepo.Exists(ctx, rule.ID, ec.EntityID)
		if err != nil {
			s.Logger.Error("execute-once lookup failed",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			return
		}
		if fired {
			return
		}
	}

	if !s.Evaluator.Evaluate(rule.Conditions, ec) {
		return
	}

	if rule.ExecuteOnce {
		// The unique index makes this insert the authoritative guard:
		// under concurrent triggers exactly one evaluator wins.
		inserted, err := s.ExecutionRepo.TryInsert(ctx, rule.ID, ec.EntityID)
		if err != nil {
			s.Logger.Error("execute-once claim failed",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			return
		}
		if !inserted {
			return
		}
	}

	results := s.ActionExecutor.ExecuteActions(ctx, rule.Actions, ec)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.Logger.Warn("rule completed with action failures",
			zap.String("rule", rule.Name),
			zap.Int("failed", failed),
			zap.Int("total", len(results)),
		)
	}

	if err := s.Repo.IncrementExecution(ctx, rule.ID); err != nil {
		s.Logger.Error("failed to bump execution count",
			zap.String("rule", rule.Name),
			zap.Error(err),
		)
	}
}
