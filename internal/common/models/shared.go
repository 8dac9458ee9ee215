package models

import (
	"time"
)

// ExecutionContext carries one entity mutation through the automation and
// webhook pipelines. PreviousData is nil for create events.
type ExecutionContext struct {
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	EntityName    string                 `json:"entity_name,omitempty"`
	PreviousData  map[string]interface{} `json:"previous_data,omitempty"`
	NewData       map[string]interface{} `json:"new_data"`
	ChangedFields []string               `json:"changed_fields,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Field returns a value from NewData, falling back to PreviousData.
func (ec *ExecutionContext) Field(name string) (interface{}, bool) {
	if ec.NewData != nil {
		if v, ok := ec.NewData[name]; ok {
			return v, true
		}
	}
	if ec.PreviousData != nil {
		if v, ok := ec.PreviousData[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Log is the persisted shape used by the async zap tee writer
type Log struct {
	Message      string    `bson:"message" json:"message"`
	Level        string    `bson:"level" json:"level"`
	Caller       string    `bson:"caller,omitempty" json:"caller,omitempty"`
	CreatedOnUtc time.Time `bson:"created_on_utc" json:"created_on_utc"`
}
