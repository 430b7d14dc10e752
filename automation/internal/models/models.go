package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Team struct {
	TeamID    uuid.UUID
	Slug      string
	Name      string
	Plan      string
	CreatedAt time.Time
}

const (
	TriggerTypeEvent    = "event"
	TriggerTypeSchedule = "schedule"
	TriggerTypeManual   = "manual"
	TriggerTypeWebhook  = "webhook"
)

const (
	CategoryNotification = "notification"
	CategoryModeration   = "moderation"
	CategoryAnalytics    = "analytics"
	CategoryIntegration  = "integration"
	CategoryCustom       = "custom"
)

const (
	ActionSendEmail   = "send_email"
	ActionSendSlack   = "send_slack"
	ActionSendWebhook = "send_webhook"
	ActionUpdateLink  = "update_link"
	ActionCreateAlert = "create_alert"
	ActionRunScript   = "run_script"
)

// Operators accepted by rule-level conditions.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpLt       = "lt"
	OpGte      = "gte"
	OpLte      = "lte"
	OpContains = "contains"
	OpIn       = "in"
	OpNotIn    = "notIn"
)

// Operators accepted by per-action guards. Intentionally narrower than the
// rule-level set; the two lists are not unified.
const (
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
)

const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

type Trigger struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	Logic    string `json:"logic,omitempty"`
}

type ActionCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type Action struct {
	Type      string           `json:"type"`
	Name      string           `json:"name,omitempty"`
	Config    map[string]any   `json:"config,omitempty"`
	Condition *ActionCondition `json:"condition,omitempty"`
}

// AutomationRule is owned by the rule store; the engine reads it and bumps
// usage counters, nothing else.
type AutomationRule struct {
	RuleID     uuid.UUID
	TeamID     uuid.UUID
	Name       string
	Category   string
	Trigger    Trigger
	Conditions []Condition
	Actions    []Action
	Tags       []string
	IsFavorite bool
	Enabled    bool
	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Execution record statuses. "matched" is the in-flight placeholder written
// by the idempotency gate; the rest are terminal.
const (
	ExecStatusMatched   = "matched"
	ExecStatusSkipped   = "skipped"
	ExecStatusCompleted = "completed"
	ExecStatusPartial   = "partial"
	ExecStatusFailed    = "failed"
)

const (
	ActionStatusExecuted = "executed"
	ActionStatusSkipped  = "skipped"
	ActionStatusFailed   = "failed"
)

type ActionExecution struct {
	ActionIndex int            `json:"actionIndex"`
	ActionType  string         `json:"actionType"`
	ActionName  string         `json:"actionName,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

type ExecutionRecord struct {
	RuleID      uuid.UUID
	EventID     uuid.UUID
	TeamID      uuid.UUID
	EventType   string
	Status      string
	Actions     []ActionExecution
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RuleUsage is the reporting-API projection of a rule's fire counters.
type RuleUsage struct {
	RuleID     uuid.UUID  `json:"ruleId"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Enabled    bool       `json:"enabled"`
	UsageCount int64      `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type Alert struct {
	AlertID   uuid.UUID
	TeamID    uuid.UUID
	RuleID    uuid.UUID
	EventID   uuid.UUID
	Severity  string
	Title     string
	Message   string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

type AuditLog struct {
	AuditID      uuid.UUID
	OccurredAt   time.Time
	TeamID       uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}
