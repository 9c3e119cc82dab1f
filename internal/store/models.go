// Package store is the durable persistence layer: one sqlite database,
// accessed through gorm, holding call summaries, per-call events, policy
// configuration, auth configuration and optional HTTP request logs.
package store

import "time"

// Call statuses recorded in conversation_calls.
const (
	CallStatusActive    = "active"
	CallStatusCompleted = "completed"
	CallStatusFailed    = "failed"
)

// ConversationCall is one transaction summary row.
type ConversationCall struct {
	CallID      string     `gorm:"column:call_id;primaryKey"`
	ModelName   string     `gorm:"column:model_name;index"`
	Status      string     `gorm:"column:status;index;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;index;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

// TableName specifies the table name for GORM.
func (ConversationCall) TableName() string {
	return "conversation_calls"
}

// ConversationEvent is one append-only event row. Payload is the event's
// JSON-encoded payload object.
type ConversationEvent struct {
	ID        string    `gorm:"column:id;primaryKey"`
	CallID    string    `gorm:"column:call_id;index;not null"`
	EventType string    `gorm:"column:event_type;index;not null"`
	Payload   string    `gorm:"column:payload;type:json"`
	CreatedAt time.Time `gorm:"column:created_at;index;not null"`
}

// TableName specifies the table name for GORM.
func (ConversationEvent) TableName() string {
	return "conversation_events"
}

// PolicyConfig is one stored policy configuration record. At most one row
// has IsActive set; the resolver picks it up in db-sourced modes.
type PolicyConfig struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement"`
	PolicyClassRef string    `gorm:"column:policy_class_ref;not null"`
	Config         string    `gorm:"column:config;type:json"`
	EnabledAt      time.Time `gorm:"column:enabled_at"`
	EnabledBy      string    `gorm:"column:enabled_by"`
	IsActive       bool      `gorm:"column:is_active;index"`
}

// TableName specifies the table name for GORM.
func (PolicyConfig) TableName() string {
	return "policy_config"
}

// AuthConfig is the single-row credential-cache configuration consumed by
// the auth collaborator. The pipeline only reads and writes it.
type AuthConfig struct {
	ID                      uint      `gorm:"column:id;primaryKey"`
	AuthMode                string    `gorm:"column:auth_mode;not null"`
	ValidateCredentials     bool      `gorm:"column:validate_credentials"`
	ValidCacheTTLSeconds    int       `gorm:"column:valid_cache_ttl_seconds"`
	InvalidCacheTTLSeconds  int       `gorm:"column:invalid_cache_ttl_seconds"`
	UpdatedAt               time.Time `gorm:"column:updated_at"`
	UpdatedBy               string    `gorm:"column:updated_by"`
}

// TableName specifies the table name for GORM.
func (AuthConfig) TableName() string {
	return "auth_config"
}

// RequestLog is one captured inbound or outbound HTTP exchange.
type RequestLog struct {
	ID              uint      `gorm:"column:id;primaryKey;autoIncrement"`
	TransactionID   string    `gorm:"column:transaction_id;index"`
	Direction       string    `gorm:"column:direction;index;not null"` // inbound, outbound
	StartedAt       time.Time `gorm:"column:started_at;index;not null"`
	HTTPMethod      string    `gorm:"column:http_method"`
	URL             string    `gorm:"column:url"`
	RequestHeaders  string    `gorm:"column:request_headers;type:json"`
	RequestBody     string    `gorm:"column:request_body;type:json"`
	ResponseStatus  int       `gorm:"column:response_status"`
	ResponseHeaders string    `gorm:"column:response_headers;type:json"`
	ResponseBody    string    `gorm:"column:response_body;type:json"`
}

// TableName specifies the table name for GORM.
func (RequestLog) TableName() string {
	return "request_logs"
}
