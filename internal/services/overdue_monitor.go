package services

import (
	"context"
	"fmt"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// TriggerTaskOverdue is fired once per task that passes its due date.
const TriggerTaskOverdue = "task_overdue"

// TaskOverdueMonitor periodically fires task_overdue for open tasks past
// their due date, at most once per task.
type TaskOverdueMonitor struct {
	db         *gorm.DB
	automation *AutomationService
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewTaskOverdueMonitor(db *gorm.DB, automationSvc *AutomationService, logger *logrus.Logger) *TaskOverdueMonitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &TaskOverdueMonitor{
		db:         db,
		automation: automationSvc,
		logger:     logger,
		tracer:     otel.Tracer("crmflow.overdue"),
		now:        time.Now,
	}
}

// Start 启动逾期检查循环
func (m *TaskOverdueMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.logger.Infof("Starting task overdue monitor with interval: %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Task overdue monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.CheckOverdue(ctx); err != nil {
				m.logger.Errorf("Task overdue monitor error: %v", err)
			}
		}
	}
}

// CheckOverdue runs one sweep and returns how many tasks were flagged.
func (m *TaskOverdueMonitor) CheckOverdue(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "automation.check_overdue")
	defer span.End()

	var tasks []models.Task
	if err := m.db.WithContext(ctx).
		Where("due_date IS NOT NULL AND due_date < ?", m.now()).
		Where("status NOT IN ?", []string{"done", "cancelled"}).
		Where("overdue_notified = ?", false).
		Order("due_date asc").
		Find(&tasks).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to load overdue tasks: %w", err)
	}

	flagged := 0
	for i := range tasks {
		task := &tasks[i]
		fields, err := toRecord(task)
		if err != nil {
			m.logger.Warnf("overdue: encode task %s: %v", task.ID, err)
			continue
		}
		payload := automation.NewEventContext(fields, models.EntityTask, task.ID, "")
		if _, err := m.automation.ExecuteWorkflows(ctx, TriggerTaskOverdue, payload, RunOptions{}); err != nil {
			// rule store failure: leave the task unflagged so the next sweep retries
			span.RecordError(err)
			return flagged, err
		}
		if err := m.db.WithContext(ctx).Model(&models.Task{}).
			Where("id = ?", task.ID).
			Update("overdue_notified", true).Error; err != nil {
			m.logger.Warnf("overdue: mark task %s notified: %v", task.ID, err)
			continue
		}
		flagged++
	}
	span.SetAttributes(attribute.Int("automation.overdue_tasks", flagged))
	if flagged > 0 {
		m.logger.Infof("Task overdue check completed: %d task(s) flagged", flagged)
	}
	return flagged, nil
}
