package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	common_models "flowcrm/internal/common/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ConditionEvaluator evaluates a rule's conditions against an entity
// snapshot. Conditions are AND-ed; an empty list always matches. A condition
// that cannot be computed contributes false and is logged at warn level, it
// never aborts evaluation.
type ConditionEvaluator struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewConditionEvaluator(logger *zap.Logger) *ConditionEvaluator {
	return &ConditionEvaluator{
		logger: logger,
		now:    time.Now,
	}
}

func (e *ConditionEvaluator) Evaluate(conditions []RuleCondition, ec *common_models.ExecutionContext) bool {
	for _, cond := range conditions {
		if !e.evaluateOne(cond, ec) {
			return false
		}
	}
	return true
}

func (e *ConditionEvaluator) evaluateOne(cond RuleCondition, ec *common_models.ExecutionContext) bool {
	switch cond.Type {
	case ConditionStatusEquals:
		return e.fieldEquals(ec, "status", cond.Value)

	case ConditionUserEquals:
		return e.fieldEquals(ec, "owner_id", cond.Value)

	case ConditionInitiativeEquals:
		return e.fieldEquals(ec, "initiative_id", cond.Value)

	case ConditionStatusForDays:
		if !e.fieldEquals(ec, "status", cond.Value) {
			return false
		}
		changedAt, ok := e.fieldTime(ec, "status_changed_at")
		if !ok {
			e.warn(cond, "status_changed_at missing or not a timestamp")
			return false
		}
		return e.now().Sub(changedAt) >= time.Duration(cond.Days)*24*time.Hour

	case ConditionCompletionLessThan:
		got, ok1 := e.fieldFloat(ec, "completion_percentage")
		want, ok2 := toFloat(cond.Value)
		if !ok1 || !ok2 {
			e.warn(cond, "completion_percentage not comparable")
			return false
		}
		return got < want

	case ConditionCompletionGreaterThan:
		got, ok1 := e.fieldFloat(ec, "completion_percentage")
		want, ok2 := toFloat(cond.Value)
		if !ok1 || !ok2 {
			e.warn(cond, "completion_percentage not comparable")
			return false
		}
		return got > want

	case ConditionDayOfWeek:
		want, ok := toFloat(cond.Value)
		if !ok {
			e.warn(cond, "day_of_week value is not numeric")
			return false
		}
		// 0 = Sunday, matching time.Weekday
		return int(e.now().Weekday()) == int(want)

	case ConditionDaysUntilDeadline:
		deadline, ok := e.fieldTime(ec, "deadline")
		if !ok {
			// No deadline means the condition cannot hold
			return false
		}
		days := cond.Days
		if days == 0 {
			if v, ok := toFloat(cond.Value); ok {
				days = int(v)
			}
		}
		until := deadline.Sub(e.now())
		return until >= 0 && until <= time.Duration(days)*24*time.Hour

	case ConditionTitleContains:
		return e.fieldContains(ec, "title", cond.Value)

	case ConditionDescriptionContains:
		return e.fieldContains(ec, "description", cond.Value)

	default:
		e.warn(cond, "unknown condition type")
		return false
	}
}

func (e *ConditionEvaluator) fieldEquals(ec *common_models.ExecutionContext, field string, want interface{}) bool {
	val, ok := ec.NewData[field]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", want)
}

func (e *ConditionEvaluator) fieldContains(ec *common_models.ExecutionContext, field string, want interface{}) bool {
	val, ok := ec.NewData[field]
	if !ok {
		return false
	}
	haystack := strings.ToLower(fmt.Sprintf("%v", val))
	needle := strings.ToLower(fmt.Sprintf("%v", want))
	return needle != "" && strings.Contains(haystack, needle)
}

func (e *ConditionEvaluator) fieldFloat(ec *common_models.ExecutionContext, field string) (float64, bool) {
	val, ok := ec.NewData[field]
	if !ok {
		return 0, false
	}
	return toFloat(val)
}

func (e *ConditionEvaluator) fieldTime(ec *common_models.ExecutionContext, field string) (time.Time, bool) {
	val, ok := ec.NewData[field]
	if !ok {
		return time.Time{}, false
	}
	return toTime(val)
}

func (e *ConditionEvaluator) warn(cond RuleCondition, reason string) {
	if e.logger != nil {
		e.logger.Warn("condition degraded to false",
			zap.String("condition_type", string(cond.Type)),
			zap.String("reason", reason),
		)
	}
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(val interface{}) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case primitive.DateTime:
		return v.Time(), true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
