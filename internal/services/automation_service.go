package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crmflow/internal/automation"
	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// RuleStatusScheduled marks a rule whose pass is parked on the delay queue.
const RuleStatusScheduled = "scheduled"

// RunOptions 执行选项
type RunOptions struct {
	DryRun        bool
	RuleID        uint
	CorrelationID string
}

// RuleRunResult is the outcome of one rule within a runner pass.
type RuleRunResult struct {
	RuleID       uint                       `json:"rule_id"`
	RuleName     string                     `json:"rule_name"`
	Trigger      string                     `json:"trigger"`
	Status       string                     `json:"status"`
	Details      []automation.ActionOutcome `json:"execution_details"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	LogID        uint                       `json:"log_id,omitempty"`
	Scheduled    bool                       `json:"scheduled,omitempty"`
	ResumeAt     *time.Time                 `json:"resume_at,omitempty"`
}

// RunSummary 一次规则执行的汇总
type RunSummary struct {
	Trigger           string          `json:"trigger"`
	DryRun            bool            `json:"dry_run"`
	CorrelationID     string          `json:"correlation_id"`
	ExecutedWorkflows int             `json:"executed_workflows"`
	Results           []RuleRunResult `json:"results"`
}

// AutomationService loads rules for a trigger, filters them by condition and
// runs their actions in order through the dispatcher.
type AutomationService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	tracer     trace.Tracer
	dispatcher *ActionDispatcher
	audit      *AuditService
	store      EntityStore
	queue      DelayQueue
	feed       *ExecutionFeed
	metrics    *metrics.Collector
	batch      BatchOptions
	logDryRuns bool
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewAutomationService(db *gorm.DB, dispatcher *ActionDispatcher, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("crmflow.automation"),
		dispatcher: dispatcher,
		batch:      DefaultBatchOptions(),
		logDryRuns: true,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// SetAuditService 注入审计服务
func (s *AutomationService) SetAuditService(audit *AuditService) { s.audit = audit }

// SetEntityStore 注入实体存储（trigger 调用与逾期检查使用）
func (s *AutomationService) SetEntityStore(store EntityStore) { s.store = store }

// SetDelayQueue 注入延迟队列；未设置时延迟动作将阻塞当前调用
func (s *AutomationService) SetDelayQueue(q DelayQueue) { s.queue = q }

// SetExecutionFeed 注入执行记录推送
func (s *AutomationService) SetExecutionFeed(feed *ExecutionFeed) { s.feed = feed }

// SetMetrics 注入 prometheus 指标
func (s *AutomationService) SetMetrics(m *metrics.Collector) { s.metrics = m }

// SetLogDryRuns 控制 dry-run 是否写入执行记录
func (s *AutomationService) SetLogDryRuns(v bool) { s.logDryRuns = v }

// SetBatchOptions 设置日志清理等批量操作参数
func (s *AutomationService) SetBatchOptions(opts BatchOptions) { s.batch = opts }

// ExecuteWorkflows runs every active rule bound to trigger whose conditions
// match payload. Rule-store failures abort the pass; per-rule and per-action
// failures are captured in the results.
func (s *AutomationService) ExecuteWorkflows(ctx context.Context, trigger string, payload map[string]any, opts RunOptions) (*RunSummary, error) {
	ctx, span := s.tracer.Start(ctx, "automation.execute_workflows")
	defer span.End()
	span.SetAttributes(
		attribute.String("automation.trigger", trigger),
		attribute.Bool("automation.dry_run", opts.DryRun),
	)

	rules, err := s.loadRules(ctx, trigger, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if trigger == "" && len(rules) == 1 {
		trigger = rules[0].Trigger
	}
	if payload == nil {
		payload = map[string]any{}
	}

	summary := &RunSummary{
		Trigger:       trigger,
		DryRun:        opts.DryRun,
		CorrelationID: correlationID,
		Results:       []RuleRunResult{},
	}
	triggeredAt := s.now()
	for i := range rules {
		rule := &rules[i]
		if !automation.Matches(rule.Conditions, payload) {
			s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "trigger": trigger}).Debug("automation: conditions not met")
			continue
		}
		result := s.runRule(ctx, &rulePass{
			rule:          rule,
			evt:           payload,
			dryRun:        opts.DryRun,
			correlationID: correlationID,
			triggeredAt:   triggeredAt,
		})
		summary.Results = append(summary.Results, result)
	}
	summary.ExecutedWorkflows = len(summary.Results)
	span.SetAttributes(attribute.Int("automation.executed_workflows", summary.ExecutedWorkflows))
	return summary, nil
}

func (s *AutomationService) loadRules(ctx context.Context, trigger string, opts RunOptions) ([]models.AutomationRule, error) {
	if opts.RuleID != 0 {
		var rule models.AutomationRule
		if err := s.db.WithContext(ctx).First(&rule, opts.RuleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrRuleNotFound
			}
			return nil, fmt.Errorf("failed to load rule %d: %w", opts.RuleID, err)
		}
		// inactive rules may be previewed, never executed live
		if !rule.Active && !opts.DryRun {
			return nil, nil
		}
		if trigger != "" && rule.Trigger != trigger {
			return nil, nil
		}
		return []models.AutomationRule{rule}, nil
	}

	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where(map[string]any{"trigger": trigger, "active": true}).
		Order("id asc").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load rules for %s: %w", trigger, err)
	}
	return rules, nil
}

type rulePass struct {
	rule          *models.AutomationRule
	evt           map[string]any
	dryRun        bool
	correlationID string
	triggeredAt   time.Time
	start         int
	resumed       bool
	details       []automation.ActionOutcome
}

func (s *AutomationService) runRule(ctx context.Context, p *rulePass) RuleRunResult {
	started := time.Now()
	rule := p.rule
	ctx, span := s.tracer.Start(ctx, "automation.rule")
	defer span.End()
	span.SetAttributes(
		attribute.Int("automation.rule_id", int(rule.ID)),
		attribute.String("automation.rule_name", rule.Name),
		attribute.Int("automation.start_index", p.start),
	)

	details := append([]automation.ActionOutcome{}, p.details...)
	for i := p.start; i < len(rule.Actions); i++ {
		action := rule.Actions[i]
		delay := time.Duration(action.DelayMinutes) * time.Minute
		if delay > 0 && !p.dryRun && !(p.resumed && i == p.start) {
			if res, parked := s.park(ctx, p, i, details, delay); parked {
				return res
			}
			if err := s.sleep(ctx, delay); err != nil {
				for j := i; j < len(rule.Actions); j++ {
					details = append(details, automation.ActionOutcome{
						ActionType:   rule.Actions[j].Type,
						Status:       automation.ActionStatusError,
						Error:        fmt.Sprintf("delay interrupted: %v", err),
						DelayMinutes: rule.Actions[j].DelayMinutes,
					})
				}
				break
			}
		}
		details = append(details, s.executeAction(ctx, action, p.evt, p.dryRun))
	}

	status, msg := automation.Summarize(details)
	result := RuleRunResult{
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		Trigger:      rule.Trigger,
		Status:       string(status),
		Details:      details,
		ErrorMessage: msg,
	}
	s.finishRule(ctx, p, &result)
	s.metrics.ObserveRule(rule.Trigger, result.Status, p.dryRun, time.Since(started))
	if msg != "" {
		span.RecordError(errors.New(msg))
	}
	return result
}

// park persists a continuation starting at action index. It reports false
// when no queue is configured or scheduling failed.
func (s *AutomationService) park(ctx context.Context, p *rulePass, index int, details []automation.ActionOutcome, delay time.Duration) (RuleRunResult, bool) {
	if s.queue == nil {
		return RuleRunResult{}, false
	}
	due := s.now().Add(delay)
	item := &models.ScheduledAction{
		RuleID:        p.rule.ID,
		CorrelationID: p.correlationID,
		Trigger:       p.rule.Trigger,
		ResumeIndex:   index,
		Context:       p.evt,
		Details:       details,
		EntityType:    automation.ContextString(p.evt, automation.KeyEntityType),
		EntityID:      automation.ContextString(p.evt, automation.KeyEntityID),
		TriggeredAt:   p.triggeredAt,
		DueAt:         due,
	}
	if err := s.queue.Schedule(ctx, item); err != nil {
		s.logger.Warnf("automation: rule %d could not park delayed action %d, waiting inline: %v", p.rule.ID, index, err)
		return RuleRunResult{}, false
	}
	s.metrics.IncScheduled()
	s.logger.WithFields(logrus.Fields{
		"rule_id":      p.rule.ID,
		"resume_index": index,
		"due_at":       due,
	}).Info("automation: rule parked until delayed action is due")
	return RuleRunResult{
		RuleID:    p.rule.ID,
		RuleName:  p.rule.Name,
		Trigger:   p.rule.Trigger,
		Status:    RuleStatusScheduled,
		Details:   details,
		Scheduled: true,
		ResumeAt:  &due,
	}, true
}

func (s *AutomationService) executeAction(ctx context.Context, action automation.Action, evt map[string]any, dryRun bool) automation.ActionOutcome {
	outcome := automation.ActionOutcome{ActionType: action.Type, DelayMinutes: action.DelayMinutes}
	result, err := s.dispatcher.Execute(ctx, action, evt, dryRun)
	switch {
	case err != nil:
		outcome.Status = automation.ActionStatusError
		outcome.Error = err.Error()
		s.logger.WithFields(logrus.Fields{"action": action.Type, "dry_run": dryRun}).Warnf("automation: action failed: %v", err)
	case automation.IsSkipped(result):
		outcome.Status = automation.ActionStatusSkipped
		outcome.Result = result
	default:
		outcome.Status = automation.ActionStatusSuccess
		outcome.Result = result
	}
	s.metrics.ObserveAction(action.Type, string(outcome.Status))
	return outcome
}

// finishRule writes the execution log and, outside dry-run, bumps the rule
// counters. Both are best-effort.
func (s *AutomationService) finishRule(ctx context.Context, p *rulePass, result *RuleRunResult) {
	if !p.dryRun || s.logDryRuns {
		entry := &models.AutomationLog{
			RuleID:           p.rule.ID,
			RuleName:         p.rule.Name,
			Trigger:          p.rule.Trigger,
			Status:           result.Status,
			ExecutionDetails: result.Details,
			ErrorMessage:     result.ErrorMessage,
			TriggeredAt:      p.triggeredAt,
			IsDryRun:         p.dryRun,
			EntityType:       automation.ContextString(p.evt, automation.KeyEntityType),
			EntityID:         automation.ContextString(p.evt, automation.KeyEntityID),
			CorrelationID:    p.correlationID,
		}
		if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
			s.logger.Warnf("automation: record log for rule %d failed: %v", p.rule.ID, err)
		} else {
			result.LogID = entry.ID
			s.feed.Publish(entry)
		}
	}
	if p.dryRun {
		return
	}
	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", p.rule.ID).
		Updates(map[string]any{
			"execution_count": gorm.Expr("execution_count + ?", 1),
			"last_execution":  now,
		}).Error; err != nil {
		s.logger.Warnf("automation: update counters for rule %d failed: %v", p.rule.ID, err)
	}
	s.logger.WithFields(logrus.Fields{
		"rule_id": p.rule.ID,
		"trigger": p.rule.Trigger,
		"status":  result.Status,
		"actions": len(result.Details),
	}).Info("automation: rule executed")
}

// ResumeScheduled continues a parked rule from its resume index.
func (s *AutomationService) ResumeScheduled(ctx context.Context, item *models.ScheduledAction) (*RuleRunResult, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, item.RuleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warnf("automation: dropping continuation %s, rule %d no longer exists", item.ID, item.RuleID)
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to load rule %d: %w", item.RuleID, err)
	}

	p := &rulePass{
		rule:          &rule,
		evt:           map[string]any(item.Context),
		correlationID: item.CorrelationID,
		triggeredAt:   item.TriggeredAt,
		start:         item.ResumeIndex,
		resumed:       true,
		details:       []automation.ActionOutcome(item.Details),
	}
	if p.evt == nil {
		p.evt = map[string]any{}
	}
	if p.triggeredAt.IsZero() {
		p.triggeredAt = item.CreatedAt
	}
	if !rule.Active {
		// deactivated while parked: remaining actions are recorded as skipped
		for i := item.ResumeIndex; i < len(rule.Actions); i++ {
			p.details = append(p.details, automation.ActionOutcome{
				ActionType:   rule.Actions[i].Type,
				Status:       automation.ActionStatusSkipped,
				Result:       automation.Skipped("rule deactivated"),
				DelayMinutes: rule.Actions[i].DelayMinutes,
			})
		}
		p.start = len(rule.Actions)
	}
	result := s.runRule(ctx, p)
	return &result, nil
}

// ProcessDueActions claims due continuations and resumes them. Items that
// were claimed are resumed even when the claim reports an error for others;
// a resume that fails before running is put back on the queue.
func (s *AutomationService) ProcessDueActions(ctx context.Context, limit int) (int, error) {
	if s.queue == nil {
		return 0, nil
	}
	ctx, span := s.tracer.Start(ctx, "automation.process_due")
	defer span.End()

	items, claimErr := s.queue.ClaimDue(ctx, s.now(), limit)
	if claimErr != nil {
		span.RecordError(claimErr)
	}
	resumed := 0
	for _, item := range items {
		if _, err := s.ResumeScheduled(ctx, item); err != nil {
			if errors.Is(err, ErrRuleNotFound) {
				continue
			}
			s.logger.Errorf("automation: resume continuation %s failed, requeueing: %v", item.ID, err)
			if qerr := s.queue.Schedule(ctx, item); qerr != nil {
				s.logger.WithFields(logrus.Fields{
					"continuation": item.ID,
					"rule_id":      item.RuleID,
					"resume_index": item.ResumeIndex,
				}).Errorf("automation: continuation lost, requeue failed: %v", qerr)
			}
			continue
		}
		resumed++
	}
	span.SetAttributes(attribute.Int("automation.resumed", resumed))
	return resumed, claimErr
}

// StartDelayedActionWorker 定时恢复到期的延迟动作
func (s *AutomationService) StartDelayedActionWorker(ctx context.Context, interval time.Duration) {
	if s.queue == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger.Infof("Starting delayed action worker with interval: %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Delayed action worker stopped")
			return
		case <-ticker.C:
			if n, err := s.ProcessDueActions(ctx, 100); err != nil {
				s.logger.Errorf("Delayed action worker error: %v", err)
			} else if n > 0 {
				s.logger.Infof("Delayed action worker resumed %d rule(s)", n)
			}
		}
	}
}

// DryRunRequest 模拟执行请求
type DryRunRequest struct {
	Trigger    string         `json:"trigger"`
	Payload    map[string]any `json:"payload"`
	RuleID     uint           `json:"rule_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
}

// DryRun runs the live path with the dispatcher in preview mode. Counters
// are never touched.
func (s *AutomationService) DryRun(ctx context.Context, req *DryRunRequest) (*RunSummary, error) {
	if req == nil || (strings.TrimSpace(req.Trigger) == "" && req.RuleID == 0) {
		return nil, &automation.ValidationError{Field: "trigger", Message: "trigger or rule_id required"}
	}
	payload := automation.CloneContext(req.Payload)
	if req.EntityType != "" {
		if _, ok := payload[automation.KeyEntityType]; !ok {
			payload[automation.KeyEntityType] = req.EntityType
		}
	}
	if req.EntityID != "" {
		if _, ok := payload[automation.KeyEntityID]; !ok {
			payload[automation.KeyEntityID] = req.EntityID
		}
	}
	return s.ExecuteWorkflows(ctx, strings.TrimSpace(req.Trigger), payload, RunOptions{DryRun: true, RuleID: req.RuleID})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
