package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crmflow/internal/automation"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrTemplateNotFound = errors.New("template not found")

// TemplateStore resolves message templates referenced by template_id.
type TemplateStore interface {
	Get(ctx context.Context, id uint) (*models.MessageTemplate, error)
}

// MessageTemplateRequest 创建/更新模板请求
type MessageTemplateRequest struct {
	Name    string `json:"name" binding:"required"`
	Channel string `json:"channel" binding:"required"`
	Subject string `json:"subject"`
	Content string `json:"content" binding:"required"`
}

// TemplateService 消息模板管理
type TemplateService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTemplateService(db *gorm.DB, logger *logrus.Logger) *TemplateService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TemplateService{db: db, logger: logger}
}

var templateChannels = map[string]bool{"email": true, "whatsapp": true}

func (s *TemplateService) validate(req *MessageTemplateRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return &automation.ValidationError{Field: "name", Message: "required"}
	}
	req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
	if !templateChannels[req.Channel] {
		return &automation.ValidationError{Field: "channel", Message: fmt.Sprintf("unsupported channel %q", req.Channel)}
	}
	if strings.TrimSpace(req.Content) == "" {
		return &automation.ValidationError{Field: "content", Message: "required"}
	}
	return nil
}

// Get 按 ID 获取模板
func (s *TemplateService) Get(ctx context.Context, id uint) (*models.MessageTemplate, error) {
	var tpl models.MessageTemplate
	if err := s.db.WithContext(ctx).First(&tpl, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return &tpl, nil
}

// List 返回模板列表，可按渠道过滤
func (s *TemplateService) List(ctx context.Context, channel string) ([]models.MessageTemplate, error) {
	var list []models.MessageTemplate
	q := s.db.WithContext(ctx).Order("name asc")
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return list, nil
}

func (s *TemplateService) Create(ctx context.Context, req *MessageTemplateRequest) (*models.MessageTemplate, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	tpl := &models.MessageTemplate{
		Name:    strings.TrimSpace(req.Name),
		Channel: req.Channel,
		Subject: req.Subject,
		Content: req.Content,
	}
	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	s.logger.Infof("Created message template: id=%d name=%s channel=%s", tpl.ID, tpl.Name, tpl.Channel)
	return tpl, nil
}

func (s *TemplateService) Update(ctx context.Context, id uint, req *MessageTemplateRequest) (*models.MessageTemplate, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	tpl, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tpl.Name = strings.TrimSpace(req.Name)
	tpl.Channel = req.Channel
	tpl.Subject = req.Subject
	tpl.Content = req.Content
	if err := s.db.WithContext(ctx).Save(tpl).Error; err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	return tpl, nil
}

func (s *TemplateService) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.MessageTemplate{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTemplateNotFound
	}
	return nil
}
