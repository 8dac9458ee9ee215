package automation

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ConditionType string

const (
	ConditionStatusEquals          ConditionType = "status_equals"
	ConditionUserEquals            ConditionType = "user_equals"
	ConditionInitiativeEquals      ConditionType = "initiative_equals"
	ConditionStatusForDays         ConditionType = "status_for_days"
	ConditionCompletionLessThan    ConditionType = "completion_less_than"
	ConditionCompletionGreaterThan ConditionType = "completion_greater_than"
	ConditionDayOfWeek             ConditionType = "day_of_week"
	ConditionDaysUntilDeadline     ConditionType = "days_until_deadline"
	ConditionTitleContains         ConditionType = "title_contains"
	ConditionDescriptionContains   ConditionType = "description_contains"
)

type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionSendEmail        ActionType = "send_email"
	ActionChangeStatus     ActionType = "change_status"
	ActionAssignToUser     ActionType = "assign_to_user"
	ActionAddComment       ActionType = "add_comment"
	ActionRunScript        ActionType = "run_script" // Runs a tengo script
)

var knownConditionTypes = map[ConditionType]bool{
	ConditionStatusEquals:          true,
	ConditionUserEquals:            true,
	ConditionInitiativeEquals:      true,
	ConditionStatusForDays:         true,
	ConditionCompletionLessThan:    true,
	ConditionCompletionGreaterThan: true,
	ConditionDayOfWeek:             true,
	ConditionDaysUntilDeadline:     true,
	ConditionTitleContains:         true,
	ConditionDescriptionContains:   true,
}

var knownActionTypes = map[ActionType]bool{
	ActionSendNotification: true,
	ActionSendEmail:        true,
	ActionChangeStatus:     true,
	ActionAssignToUser:     true,
	ActionAddComment:       true,
	ActionRunScript:        true,
}

// RuleCondition is one predicate over an entity snapshot. Days is only
// meaningful for status_for_days and days_until_deadline.
type RuleCondition struct {
	Type  ConditionType `json:"type" bson:"type"`
	Value interface{}   `json:"value" bson:"value"`
	Days  int           `json:"days,omitempty" bson:"days,omitempty"`
}

type RuleAction struct {
	Type    ActionType             `json:"type" bson:"type"`
	Target  string                 `json:"target,omitempty" bson:"target,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty" bson:"payload,omitempty"`
}

type AutomationRule struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name           string             `json:"name" bson:"name"`
	IsActive       bool               `json:"is_active" bson:"is_active"`
	TriggerType    string             `json:"trigger_type" bson:"trigger_type"` // e.g. "priority_created"
	Conditions     []RuleCondition    `json:"conditions" bson:"conditions"`     // implicitly AND-ed
	Actions        []RuleAction       `json:"actions" bson:"actions"`
	ExecuteOnce    bool               `json:"execute_once" bson:"execute_once"`
	Priority       int                `json:"priority" bson:"priority"`
	ExecutionCount int64              `json:"execution_count" bson:"execution_count"`
	LastExecutedAt *time.Time         `json:"last_executed_at,omitempty" bson:"last_executed_at,omitempty"`
	CreatedBy      primitive.ObjectID `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at" bson:"updated_at"`
}

// ExecutionRecord marks that an execute-once rule already fired for an
// entity. A unique index on (rule_id, entity_id) makes the insert the
// authoritative guard under concurrent triggers.
type ExecutionRecord struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RuleID     primitive.ObjectID `json:"rule_id" bson:"rule_id"`
	EntityID   string             `json:"entity_id" bson:"entity_id"`
	ExecutedAt time.Time          `json:"executed_at" bson:"executed_at"`
}

// Validate rejects malformed rules at write time
func (r *AutomationRule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.TriggerType == "" {
		return errors.New("trigger type is required")
	}
	if len(r.Actions) == 0 {
		return errors.New("rule must have at least one action")
	}
	for _, c := range r.Conditions {
		if !knownConditionTypes[c.Type] {
			return errors.New("unknown condition type: " + string(c.Type))
		}
	}
	for _, a := range r.Actions {
		if !knownActionTypes[a.Type] {
			return errors.New("unknown action type: " + string(a.Type))
		}
	}
	return nil
}
