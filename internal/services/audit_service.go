package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditListRequest 审计日志查询参数
type AuditListRequest struct {
	Page       int    `form:"page"`
	PageSize   int    `form:"page_size"`
	EntityType string `form:"entity_type"`
	EntityID   string `form:"entity_id"`
}

// AuditService persists one audit record per detected change set.
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger, now: time.Now}
}

// Record writes an audit entry. Failures are logged and swallowed so that
// event processing never aborts on audit.
func (s *AuditService) Record(ctx context.Context, entityType, entityID, action string, changes map[string]automation.FieldChange, actor string) *models.AuditLog {
	if s == nil || s.db == nil || len(changes) == 0 {
		return nil
	}
	entry := &models.AuditLog{
		EntityType:  entityType,
		EntityID:    entityID,
		Action:      action,
		Changes:     datatypes.NewJSONType(changes),
		PerformedBy: actor,
		PerformedAt: s.now(),
		Description: describeChanges(entityType, action, changes),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.WithFields(logrus.Fields{
			"entity_type": entityType,
			"entity_id":   entityID,
		}).Warnf("audit: failed to record %s: %v", action, err)
		return nil
	}
	return entry
}

// List 分页查询审计日志
func (s *AuditService) List(ctx context.Context, req *AuditListRequest) ([]models.AuditLog, int64, error) {
	page, size := normalizePage(req.Page, req.PageSize)
	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if req.EntityType != "" {
		q = q.Where("entity_type = ?", req.EntityType)
	}
	if req.EntityID != "" {
		q = q.Where("entity_id = ?", req.EntityID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	var list []models.AuditLog
	if err := q.Order("performed_at desc, id desc").Offset((page - 1) * size).Limit(size).Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return list, total, nil
}

func describeChanges(entityType, action string, changes map[string]automation.FieldChange) string {
	if action == "create" {
		return fmt.Sprintf("%s created", entityType)
	}
	fields := automation.ChangeSet{Changes: changes}.ChangedFields()
	return fmt.Sprintf("%s updated: %s", entityType, strings.Join(fields, ", "))
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
