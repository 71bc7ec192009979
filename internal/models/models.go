package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity names accepted by the entity store and the entity-change webhook.
const (
	EntityClient               = "Client"
	EntityProject              = "Project"
	EntityTask                 = "Task"
	EntityMeeting              = "Meeting"
	EntityNotification         = "Notification"
	EntityCommunicationMessage = "CommunicationMessage"
)

// 客户
type Client struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"size:191;not null;index" json:"name"`
	Email       string    `gorm:"size:191" json:"email"`
	Phone       string    `gorm:"size:32" json:"phone"`
	Company     string    `gorm:"size:191" json:"company"`
	Stage       string    `gorm:"size:32;index" json:"stage"` // lead, new, active, won, lost
	OwnerEmail  string    `gorm:"size:191" json:"owner_email"`
	CreatedDate time.Time `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate time.Time `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy   string    `json:"updated_by"`
}

// 项目
type Project struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Name        string    `gorm:"size:191;not null;index" json:"name"`
	ClientID    string    `gorm:"size:36;index" json:"client_id"`
	Status      string    `gorm:"size:32;index" json:"status"`
	CreatedDate time.Time `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate time.Time `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy   string    `json:"updated_by"`
}

// 任务
type Task struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Title           string     `gorm:"size:255;not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	Status          string     `gorm:"size:32;index" json:"status"`   // todo, in_progress, done, cancelled
	Priority        string     `gorm:"size:16" json:"priority"`       // low, medium, high, urgent
	DueDate         *time.Time `gorm:"index" json:"due_date"`
	ClientID        string     `gorm:"size:36;index" json:"client_id"`
	ProjectID       string     `gorm:"size:36;index" json:"project_id"`
	AssignedTo      string     `gorm:"size:191" json:"assigned_to"`
	OverdueNotified bool       `gorm:"not null" json:"overdue_notified"`
	CreatedDate     time.Time  `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate     time.Time  `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy       string     `json:"updated_by"`
}

// 会议
type Meeting struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	MeetingType string    `gorm:"size:32" json:"meeting_type"`
	ScheduledAt time.Time `gorm:"index" json:"scheduled_at"`
	ClientID    string    `gorm:"size:36;index" json:"client_id"`
	ProjectID   string    `gorm:"size:36;index" json:"project_id"`
	CreatedDate time.Time `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate time.Time `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy   string    `json:"updated_by"`
}

// 站内通知
type Notification struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	Message     string    `gorm:"type:text" json:"message"`
	Recipient   string    `gorm:"size:191;index" json:"recipient"`
	Type        string    `gorm:"size:32" json:"type"`
	Read        bool      `gorm:"not null" json:"read"`
	CreatedDate time.Time `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate time.Time `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy   string    `json:"updated_by"`
}

// 沟通记录（备注、邮件、WhatsApp）
type CommunicationMessage struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	ClientID    string    `gorm:"size:36;index" json:"client_id"`
	ProjectID   string    `gorm:"size:36;index" json:"project_id"`
	Channel     string    `gorm:"size:16" json:"channel"` // note, email, whatsapp
	Content     string    `gorm:"type:text" json:"content"`
	Author      string    `gorm:"size:191" json:"author"`
	CreatedDate time.Time `gorm:"autoCreateTime" json:"created_date"`
	UpdatedDate time.Time `gorm:"autoUpdateTime" json:"updated_date"`
	UpdatedBy   string    `json:"updated_by"`
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (c *Client) BeforeCreate(*gorm.DB) error               { newID(&c.ID); return nil }
func (p *Project) BeforeCreate(*gorm.DB) error              { newID(&p.ID); return nil }
func (t *Task) BeforeCreate(*gorm.DB) error                 { newID(&t.ID); return nil }
func (m *Meeting) BeforeCreate(*gorm.DB) error              { newID(&m.ID); return nil }
func (n *Notification) BeforeCreate(*gorm.DB) error         { newID(&n.ID); return nil }
func (m *CommunicationMessage) BeforeCreate(*gorm.DB) error { newID(&m.ID); return nil }

// AllModels lists every table the service migrates.
func AllModels() []any {
	return []any{
		&AutomationRule{},
		&AutomationLog{},
		&AuditLog{},
		&ScheduledAction{},
		&MessageTemplate{},
		&Client{},
		&Project{},
		&Task{},
		&Meeting{},
		&Notification{},
		&CommunicationMessage{},
	}
}
