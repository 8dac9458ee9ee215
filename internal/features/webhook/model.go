package webhook

import (
	"errors"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Delivery log statuses. Allowed transitions:
// pending -> {success, failed}; failed -> retrying -> {success, failed}.
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRetrying = "retrying"
)

// MaxResponseBodyLen caps the stored response body
const MaxResponseBodyLen = 10000

// WebhookFilters narrows delivery to entities matching the given
// pipeline/stage/owner. Empty fields match everything.
type WebhookFilters struct {
	PipelineID string `json:"pipeline_id,omitempty" bson:"pipeline_id,omitempty"`
	StageID    string `json:"stage_id,omitempty" bson:"stage_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty" bson:"owner_id,omitempty"`
}

// Webhook represents a URL subscription for specific events
type Webhook struct {
	ID      primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	URL     string             `json:"url" bson:"url"`
	Secret  string             `json:"secret,omitempty" bson:"secret"` // HMAC signing key, 32 random bytes hex
	Events  []string           `json:"events" bson:"events"`
	Filters WebhookFilters     `json:"filters,omitempty" bson:"filters,omitempty"`
	Headers map[string]string  `json:"headers,omitempty" bson:"headers,omitempty"` // Custom headers to send

	IsActive   bool `json:"is_active" bson:"is_active"`
	MaxRetries int  `json:"max_retries" bson:"max_retries"`
	TimeoutMs  int  `json:"timeout_ms" bson:"timeout_ms"`

	ConsecutiveFailures int64      `json:"consecutive_failures" bson:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty" bson:"last_success_at,omitempty"`
	LastError           string     `json:"last_error,omitempty" bson:"last_error,omitempty"`

	CreatedBy primitive.ObjectID `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" bson:"updated_at"`
}

// WebhookLog represents a single delivery attempt history for one event
// occurrence. Payload holds the exact JSON text that is signed and posted.
type WebhookLog struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	WebhookID primitive.ObjectID `json:"webhook_id" bson:"webhook_id"`
	Event     string             `json:"event" bson:"event"`
	Payload   string             `json:"payload" bson:"payload"`

	Status         string     `json:"status" bson:"status"`
	Attempts       int        `json:"attempts" bson:"attempts"`
	ResponseStatus int        `json:"response_status,omitempty" bson:"response_status,omitempty"`
	ResponseBody   string     `json:"response_body,omitempty" bson:"response_body,omitempty"`
	ResponseTimeMs int64      `json:"response_time_ms" bson:"response_time_ms"`
	Error          string     `json:"error,omitempty" bson:"error,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" bson:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
}

// Validate rejects malformed subscriptions at write time
func (w *Webhook) Validate() error {
	if w.URL == "" {
		return errors.New("webhook url is required")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("webhook url must be a valid http(s) URL")
	}
	if len(w.Events) == 0 {
		return errors.New("webhook must subscribe to at least one event")
	}
	return nil
}

// Matches reports whether the entity snapshot passes the subscription filters
func (f *WebhookFilters) Matches(data map[string]interface{}) bool {
	return matchField(f.PipelineID, data, "pipeline_id") &&
		matchField(f.StageID, data, "stage_id") &&
		matchField(f.OwnerID, data, "owner_id")
}

func matchField(want string, data map[string]interface{}, field string) bool {
	if want == "" {
		return true
	}
	got, ok := data[field].(string)
	return ok && got == want
}
