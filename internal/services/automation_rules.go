package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"gorm.io/gorm"
)

var ErrRuleNotFound = errors.New("rule not found")

var triggerPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name        string              `json:"name" yaml:"name" binding:"required"`
	Description string              `json:"description" yaml:"description"`
	Trigger     string              `json:"trigger" yaml:"trigger" binding:"required"`
	Conditions  map[string]any      `json:"conditions" yaml:"conditions"`
	Actions     []automation.Action `json:"actions" yaml:"actions"`
	Active      *bool               `json:"active" yaml:"active"`
}

// RuleListRequest 规则列表过滤
type RuleListRequest struct {
	Trigger string `form:"trigger"`
	Active  *bool  `form:"active"`
}

// AutomationLogListRequest 执行记录查询参数
type AutomationLogListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	RuleID   uint   `form:"rule_id"`
	Status   string `form:"status"`
	Trigger  string `form:"trigger"`
	IsDryRun *bool  `form:"is_dry_run"`
	EntityID string `form:"entity_id"`
}

// ValidateRule checks a rule definition before it is saved. Unknown action
// kinds and missing required params are rejected here rather than at
// execution time.
func ValidateRule(req *AutomationRuleRequest) error {
	if req == nil {
		return &automation.ValidationError{Message: "request required"}
	}
	var errs automation.ValidationErrors
	if strings.TrimSpace(req.Name) == "" {
		errs = append(errs, &automation.ValidationError{Field: "name", Message: "required"})
	}
	req.Trigger = strings.TrimSpace(req.Trigger)
	if !triggerPattern.MatchString(req.Trigger) {
		errs = append(errs, &automation.ValidationError{Field: "trigger", Message: fmt.Sprintf("invalid trigger %q", req.Trigger)})
	}
	for path := range req.Conditions {
		if strings.TrimSpace(path) == "" || strings.Contains(path, "..") {
			errs = append(errs, &automation.ValidationError{Field: "conditions", Message: fmt.Sprintf("invalid path %q", path)})
		}
	}
	if err := automation.ValidateActions(req.Actions); err != nil {
		var ve automation.ValidationErrors
		if errors.As(err, &ve) {
			errs = append(errs, ve...)
		} else {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ListRules 返回规则列表
func (s *AutomationService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if req != nil {
		cond := map[string]any{}
		if req.Trigger != "" {
			cond["trigger"] = req.Trigger
		}
		if req.Active != nil {
			cond["active"] = *req.Active
		}
		if len(cond) > 0 {
			q = q.Where(cond)
		}
	}
	var rules []models.AutomationRule
	if err := q.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// GetRule 获取单条规则
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &rule, nil
}

// CreateRule 新建规则
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := ValidateRule(req); err != nil {
		return nil, err
	}
	if err := s.ensureUniqueName(ctx, req.Name, 0); err != nil {
		return nil, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rule := &models.AutomationRule{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Trigger:     req.Trigger,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		Active:      active,
	}
	if rule.Conditions == nil {
		rule.Conditions = map[string]any{}
	}
	if rule.Actions == nil {
		rule.Actions = []automation.Action{}
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.Infof("Created automation rule: id=%d name=%s trigger=%s actions=%d", rule.ID, rule.Name, rule.Trigger, len(rule.Actions))
	return rule, nil
}

// UpdateRule replaces the definition of a rule. Execution counters are kept.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if err := ValidateRule(req); err != nil {
		return nil, err
	}
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureUniqueName(ctx, req.Name, id); err != nil {
		return nil, err
	}
	rule.Name = strings.TrimSpace(req.Name)
	rule.Description = req.Description
	rule.Trigger = req.Trigger
	rule.Conditions = req.Conditions
	if rule.Conditions == nil {
		rule.Conditions = map[string]any{}
	}
	rule.Actions = req.Actions
	if rule.Actions == nil {
		rule.Actions = []automation.Action{}
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	return rule, nil
}

// SetRuleActive 启用/停用规则
func (s *AutomationService) SetRuleActive(ctx context.Context, id uint, active bool) (*models.AutomationRule, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to toggle rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrRuleNotFound
	}
	return s.GetRule(ctx, id)
}

// DeleteRule 删除规则
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *AutomationService) ensureUniqueName(ctx context.Context, name string, exceptID uint) error {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("name = ?", strings.TrimSpace(name))
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check rule name: %w", err)
	}
	if count > 0 {
		return &automation.ValidationError{Field: "name", Message: fmt.Sprintf("rule %q already exists", name)}
	}
	return nil
}

// ListLogs 分页查询执行记录
func (s *AutomationService) ListLogs(ctx context.Context, req *AutomationLogListRequest) ([]models.AutomationLog, int64, error) {
	if req == nil {
		req = &AutomationLogListRequest{}
	}
	page, size := normalizePage(req.Page, req.PageSize)
	cond := map[string]any{}
	if req.RuleID != 0 {
		cond["rule_id"] = req.RuleID
	}
	if req.Status != "" {
		cond["status"] = req.Status
	}
	if req.Trigger != "" {
		cond["trigger"] = req.Trigger
	}
	if req.IsDryRun != nil {
		cond["is_dry_run"] = *req.IsDryRun
	}
	if req.EntityID != "" {
		cond["entity_id"] = req.EntityID
	}
	q := s.db.WithContext(ctx).Model(&models.AutomationLog{})
	if len(cond) > 0 {
		q = q.Where(cond)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	var logs []models.AutomationLog
	if err := q.Order("triggered_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, total, nil
}

// GetLog 获取单条执行记录
func (s *AutomationService) GetLog(ctx context.Context, id uint) (*models.AutomationLog, error) {
	var entry models.AutomationLog
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("log %d: %w", id, gorm.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to get log: %w", err)
	}
	return &entry, nil
}

// PurgeLogs deletes execution logs triggered before cutoff, chunk by chunk.
func (s *AutomationService) PurgeLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "automation.purge_logs")
	defer span.End()

	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.AutomationLog{}).
		Where("triggered_at < ?", cutoff).
		Pluck("id", &ids).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to select logs to purge: %w", err)
	}
	var deleted int64
	err := ProcessInChunks(ctx, ids, s.batch, func(ctx context.Context, chunk []uint) error {
		res := s.db.WithContext(ctx).Where("id IN ?", chunk).Delete(&models.AutomationLog{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return deleted, fmt.Errorf("failed to purge logs: %w", err)
	}
	s.logger.Infof("Purged %d automation log(s) older than %s", deleted, cutoff.Format(time.RFC3339))
	return deleted, nil
}

// StartLogRetention 每日清理超过保留期的执行记录
func (s *AutomationService) StartLogRetention(ctx context.Context, retention time.Duration, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeLogs(ctx, s.now().Add(-retention)); err != nil {
				s.logger.Errorf("Log retention error: %v", err)
			}
		}
	}
}
