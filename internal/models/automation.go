package models

import (
	"time"

	"gorm.io/datatypes"

	"crmflow/internal/automation"
)

// AutomationRule 自动化规则定义
type AutomationRule struct {
	ID             uint                                   `gorm:"primaryKey" json:"id"`
	Name           string                                 `gorm:"size:191;uniqueIndex;not null" json:"name"`
	Description    string                                 `gorm:"type:text" json:"description"`
	Trigger        string                                 `gorm:"size:128;index;not null" json:"trigger"` // client_created, task_overdue, client_stage_changed
	Conditions     datatypes.JSONMap                      `json:"conditions"`
	Actions        datatypes.JSONSlice[automation.Action] `json:"actions"`
	Active         bool                                   `gorm:"not null;index" json:"active"`
	ExecutionCount int                                    `gorm:"not null" json:"execution_count"`
	LastExecution  *time.Time                             `json:"last_execution,omitempty"`
	CreatedAt      time.Time                              `json:"created_at"`
	UpdatedAt      time.Time                              `json:"updated_at"`
}

// AutomationLog 执行记录（只追加）
type AutomationLog struct {
	ID               uint                                          `gorm:"primaryKey" json:"id"`
	RuleID           uint                                          `gorm:"index" json:"rule_id"`
	RuleName         string                                        `json:"rule_name"`
	Trigger          string                                        `gorm:"size:128;index" json:"trigger"`
	Status           string                                        `gorm:"size:16;index" json:"status"` // success, partial, failure
	ExecutionDetails datatypes.JSONSlice[automation.ActionOutcome] `json:"execution_details"`
	ErrorMessage     string                                        `gorm:"type:text" json:"error_message,omitempty"`
	TriggeredAt      time.Time                                     `gorm:"index" json:"triggered_at"`
	IsDryRun         bool                                          `gorm:"index" json:"is_dry_run"`
	EntityType       string                                        `gorm:"size:64" json:"entity_type,omitempty"`
	EntityID         string                                        `gorm:"size:64;index" json:"entity_id,omitempty"`
	CorrelationID    string                                        `gorm:"size:36;index" json:"correlation_id"`
	CreatedAt        time.Time                                     `json:"created_at"`
}

// AuditLog 实体变更审计
type AuditLog struct {
	ID          uint                                                  `gorm:"primaryKey" json:"id"`
	EntityType  string                                                `gorm:"size:64;index:idx_audit_entity" json:"entity_type"`
	EntityID    string                                                `gorm:"size:64;index:idx_audit_entity" json:"entity_id"`
	Action      string                                                `gorm:"size:16" json:"action"` // create, update
	Changes     datatypes.JSONType[map[string]automation.FieldChange] `json:"changes"`
	PerformedBy string                                                `json:"performed_by"`
	PerformedAt time.Time                                             `gorm:"index" json:"performed_at"`
	Description string                                                `gorm:"type:text" json:"description"`
}

// ScheduledAction is a rule continuation parked until DueAt.
type ScheduledAction struct {
	ID            string                                        `gorm:"primaryKey;size:36" json:"id"`
	RuleID        uint                                          `gorm:"index" json:"rule_id"`
	CorrelationID string                                        `gorm:"size:36" json:"correlation_id"`
	Trigger       string                                        `json:"trigger"`
	ResumeIndex   int                                           `json:"resume_index"`
	Context       datatypes.JSONMap                             `json:"context"`
	Details       datatypes.JSONSlice[automation.ActionOutcome] `json:"details"`
	EntityType    string                                        `json:"entity_type,omitempty"`
	EntityID      string                                        `json:"entity_id,omitempty"`
	TriggeredAt   time.Time                                     `json:"triggered_at"`
	DueAt         time.Time                                     `gorm:"index" json:"due_at"`
	CreatedAt     time.Time                                     `json:"created_at"`
}

func (ScheduledAction) TableName() string { return "automation_scheduled_actions" }

// MessageTemplate 邮件/WhatsApp 消息模板
type MessageTemplate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:191;uniqueIndex;not null" json:"name"`
	Channel   string    `gorm:"size:16;index" json:"channel"` // email, whatsapp
	Subject   string    `json:"subject,omitempty"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
