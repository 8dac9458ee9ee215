package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	common_models "flowcrm/internal/common/models"
	"flowcrm/internal/features/email"
	"flowcrm/internal/features/notification"
	"flowcrm/internal/features/record"
	"flowcrm/internal/features/user"

	"github.com/d5/tengo/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ActionResult records the outcome of one action. Results are aggregated for
// logging only; a failure never gates later actions or rules.
type ActionResult struct {
	Type ActionType
	Err  error
}

// ActionExecutor runs a rule's actions sequentially in declared order, so a
// later action can rely on an earlier one (change status, then notify about
// the new status).
type ActionExecutor interface {
	ExecuteActions(ctx context.Context, actions []RuleAction, ec *common_models.ExecutionContext) []ActionResult
	ExecuteAction(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error
}

type ActionExecutorImpl struct {
	recordRepo          record.RecordRepository
	userRepo            user.UserRepository
	notificationService notification.NotificationService
	emailService        email.EmailService
	logger              *zap.Logger
}

func NewActionExecutor(
	recordRepo record.RecordRepository,
	userRepo user.UserRepository,
	notificationService notification.NotificationService,
	emailService email.EmailService,
	logger *zap.Logger,
) ActionExecutor {
	return &ActionExecutorImpl{
		recordRepo:          recordRepo,
		userRepo:            userRepo,
		notificationService: notificationService,
		emailService:        emailService,
		logger:              logger,
	}
}

func (e *ActionExecutorImpl) ExecuteActions(ctx context.Context, actions []RuleAction, ec *common_models.ExecutionContext) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		// Cancellation is cooperative: checked between actions only, so a
		// single action is never torn down mid-write.
		if ctx.Err() != nil {
			break
		}
		err := e.ExecuteAction(ctx, action, ec)
		if err != nil {
			e.logger.Error("automation action failed",
				zap.String("action_type", string(action.Type)),
				zap.String("entity_id", ec.EntityID),
				zap.Error(err),
			)
		}
		results = append(results, ActionResult{Type: action.Type, Err: err})
	}
	return results
}

func (e *ActionExecutorImpl) ExecuteAction(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	// Deletion-style events carry no snapshot; actions still need a map to
	// write back into.
	if ec.NewData == nil {
		ec.NewData = map[string]interface{}{}
	}

	switch action.Type {
	case ActionSendNotification:
		return e.executeSendNotification(ctx, action, ec)

	case ActionSendEmail:
		return e.executeSendEmail(ctx, action, ec)

	case ActionChangeStatus:
		return e.executeChangeStatus(ctx, action, ec)

	case ActionAssignToUser:
		return e.executeAssignToUser(ctx, action, ec)

	case ActionAddComment:
		return e.executeAddComment(ctx, action, ec)

	case ActionRunScript:
		return e.executeRunScript(action, ec)

	default:
		return fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

func (e *ActionExecutorImpl) executeSendNotification(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	title, _ := action.Payload["title"].(string)
	message, _ := action.Payload["message"].(string)
	if title == "" {
		title = fmt.Sprintf("Automation: %s", ec.EntityName)
	}
	title = e.interpolate(title, ec)
	message = e.interpolate(message, ec)

	// Target is a user id; otherwise a role name fanned out to every
	// active user holding it.
	if oid, err := primitive.ObjectIDFromHex(action.Target); err == nil {
		return e.notificationService.CreateNotification(ctx, oid, title, message, notification.NotificationTypeAutomation, "")
	}

	role := action.Target
	if r, ok := action.Payload["role"].(string); ok && r != "" {
		role = r
	}
	if role == "" {
		return fmt.Errorf("notification target (user id or role) is required")
	}

	users, err := e.userRepo.ListByRole(ctx, role)
	if err != nil {
		return fmt.Errorf("failed to resolve role %s: %w", role, err)
	}
	for _, u := range users {
		if err := e.notificationService.CreateNotification(ctx, u.ID, title, message, notification.NotificationTypeAutomation, ""); err != nil {
			e.logger.Warn("notification write failed",
				zap.String("user_id", u.ID.Hex()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *ActionExecutorImpl) executeSendEmail(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	to, _ := action.Payload["to"].(string)
	subject, _ := action.Payload["subject"].(string)
	body, _ := action.Payload["body"].(string)

	if to == "" && action.Target != "" {
		to = action.Target
	}
	if to == "" {
		return fmt.Errorf("email recipient (to) is required")
	}

	subject = e.interpolate(subject, ec)
	body = e.interpolate(body, ec)

	if err := e.emailService.SendEmail(ctx, []string{to}, subject, body); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (e *ActionExecutorImpl) executeChangeStatus(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	status := action.Target
	if s, ok := action.Payload["status"].(string); ok && s != "" {
		status = s
	}
	if status == "" {
		return fmt.Errorf("target status is required")
	}

	if !record.IsLegalStatus(ec.EntityType, status) {
		// Illegal target is a no-op, never an abort
		return fmt.Errorf("illegal status %q for entity type %q", status, ec.EntityType)
	}

	update := map[string]interface{}{
		"status":            status,
		"status_changed_at": time.Now(),
	}
	if err := e.recordRepo.Update(ctx, ec.EntityType, ec.EntityID, update); err != nil {
		return fmt.Errorf("failed to change status: %w", err)
	}
	ec.NewData["status"] = status
	return nil
}

func (e *ActionExecutorImpl) executeAssignToUser(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	if action.Target == "" {
		return fmt.Errorf("assignee user id is required")
	}

	u, err := e.userRepo.GetByID(ctx, action.Target)
	if err != nil {
		return fmt.Errorf("failed to look up assignee: %w", err)
	}
	if u == nil || !u.IsActive() {
		// Missing or inactive target is a no-op
		return fmt.Errorf("assignee %s does not exist or is inactive", action.Target)
	}

	if err := e.recordRepo.Update(ctx, ec.EntityType, ec.EntityID, map[string]interface{}{"owner_id": action.Target}); err != nil {
		return fmt.Errorf("failed to reassign: %w", err)
	}
	ec.NewData["owner_id"] = action.Target
	return nil
}

func (e *ActionExecutorImpl) executeAddComment(ctx context.Context, action RuleAction, ec *common_models.ExecutionContext) error {
	text, _ := action.Payload["text"].(string)
	if text == "" {
		return fmt.Errorf("comment text is required")
	}
	text = e.interpolate(text, ec)

	_, err := e.recordRepo.Create(ctx, "comments", map[string]interface{}{
		"entity_type": ec.EntityType,
		"entity_id":   ec.EntityID,
		"text":        text,
		"author":      "system",
	})
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

func (e *ActionExecutorImpl) executeRunScript(action RuleAction, ec *common_models.ExecutionContext) error {
	scriptContent, _ := action.Payload["script"].(string)
	if scriptContent == "" {
		return fmt.Errorf("script content is required")
	}

	script := tengo.NewScript([]byte(scriptContent))

	script.Add("entity_type", ec.EntityType)
	script.Add("entity_id", ec.EntityID)
	script.Add("entity", ec.NewData)

	compiled, err := script.Compile()
	if err != nil {
		return fmt.Errorf("failed to compile script: %w", err)
	}
	if err := compiled.Run(); err != nil {
		return fmt.Errorf("failed to run script: %w", err)
	}
	return nil
}

// interpolate fills {{field}} placeholders from the new entity snapshot
func (e *ActionExecutorImpl) interpolate(text string, ec *common_models.ExecutionContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	for key, value := range ec.NewData {
		placeholder := fmt.Sprintf("{{%s}}", key)
		text = strings.ReplaceAll(text, placeholder, fmt.Sprintf("%v", value))
	}
	text = strings.ReplaceAll(text, "{{entity_name}}", ec.EntityName)
	text = strings.ReplaceAll(text, "{{entity_id}}", ec.EntityID)
	return text
}
