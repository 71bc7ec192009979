package services

import (
	"context"
	"errors"
	"strings"

	"crmflow/internal/automation"
)

// EntityChangeEvent is the inbound entity save hook payload.
type EntityChangeEvent struct {
	EntityType string         `json:"entityType" binding:"required"`
	EntityID   string         `json:"entityId" binding:"required"`
	OldData    map[string]any `json:"oldData"`
	NewData    map[string]any `json:"newData"`
	UserID     string         `json:"userId"`
	UserEmail  string         `json:"userEmail"`
}

// EntityChangeResult 实体变更处理结果
type EntityChangeResult struct {
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	Action            string          `json:"action,omitempty"`
	Changes           int             `json:"changes"`
	Triggers          []string        `json:"triggers"`
	AuditLogID        uint            `json:"audit_log_id,omitempty"`
	ExecutedWorkflows int             `json:"executed_workflows"`
	Results           []RuleRunResult `json:"results"`
}

// TriggerRequest is the explicit rule-trigger invocation payload.
type TriggerRequest struct {
	TriggerType string `json:"trigger_type" binding:"required"`
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	OldValue    any    `json:"old_value"`
	NewValue    any    `json:"new_value"`
	UserEmail   string `json:"user_email"`
}

// HandleEntityChange diffs the snapshots, records an audit entry and runs
// every derived trigger. Unchanged saves do nothing.
func (s *AutomationService) HandleEntityChange(ctx context.Context, evt *EntityChangeEvent) (*EntityChangeResult, error) {
	if evt == nil || strings.TrimSpace(evt.EntityType) == "" || strings.TrimSpace(evt.EntityID) == "" {
		return nil, &automation.ValidationError{Message: "entityType and entityId are required"}
	}
	ctx, span := s.tracer.Start(ctx, "automation.entity_change")
	defer span.End()

	result := &EntityChangeResult{
		EntityType: evt.EntityType,
		EntityID:   evt.EntityID,
		Triggers:   []string{},
		Results:    []RuleRunResult{},
	}
	cs := automation.Diff(evt.EntityType, evt.OldData, evt.NewData)
	if cs.Empty() {
		return result, nil
	}

	action := "update"
	if evt.OldData == nil {
		action = "create"
	}
	result.Action = action
	result.Changes = len(cs.Changes)
	s.metrics.IncEntityEvent(evt.EntityType, action)

	actor := firstNonEmpty(evt.UserEmail, evt.UserID, "system")
	if entry := s.audit.Record(ctx, evt.EntityType, evt.EntityID, action, cs.Changes, actor); entry != nil {
		result.AuditLogID = entry.ID
	}

	base := automation.NewEventContext(evt.NewData, evt.EntityType, evt.EntityID, evt.UserEmail)
	base[automation.KeyChanges] = changesContext(cs)

	type run struct {
		trigger string
		payload map[string]any
	}
	prefix := automation.TriggerPrefix(evt.EntityType)
	var runs []run
	if action == "create" {
		runs = append(runs, run{trigger: cs.Triggers[0], payload: base})
	} else {
		for _, field := range cs.ChangedFields() {
			payload := automation.CloneContext(base)
			payload[automation.KeyField] = field
			payload[automation.KeyOldValue] = cs.Changes[field].Old
			payload[automation.KeyNewValue] = cs.Changes[field].New
			runs = append(runs, run{trigger: prefix + "_" + field + "_changed", payload: payload})
		}
		runs = append(runs, run{trigger: prefix + "_updated", payload: base})
	}

	for _, r := range runs {
		result.Triggers = append(result.Triggers, r.trigger)
		summary, err := s.ExecuteWorkflows(ctx, r.trigger, r.payload, RunOptions{})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		result.ExecutedWorkflows += summary.ExecutedWorkflows
		result.Results = append(result.Results, summary.Results...)
	}
	return result, nil
}

// TriggerRule fires a named trigger for an entity. The entity's current
// fields are loaded into the context when a store is configured.
func (s *AutomationService) TriggerRule(ctx context.Context, req *TriggerRequest) (*RunSummary, error) {
	if req == nil || strings.TrimSpace(req.TriggerType) == "" {
		return nil, &automation.ValidationError{Field: "trigger_type", Message: "required"}
	}
	var fields map[string]any
	if s.store != nil && req.EntityType != "" && req.EntityID != "" {
		rec, err := s.store.Get(ctx, req.EntityType, req.EntityID)
		switch {
		case err == nil:
			fields = rec
		case errors.Is(err, ErrEntityNotFound):
			return nil, &automation.LookupError{Kind: req.EntityType, ID: req.EntityID, Err: err}
		case errors.Is(err, ErrUnknownEntity):
			s.logger.Debugf("automation: trigger for unregistered entity type %s", req.EntityType)
		default:
			return nil, err
		}
	}
	payload := automation.NewEventContext(fields, req.EntityType, req.EntityID, req.UserEmail)
	if req.OldValue != nil {
		payload[automation.KeyOldValue] = req.OldValue
	}
	if req.NewValue != nil {
		payload[automation.KeyNewValue] = req.NewValue
	}
	return s.ExecuteWorkflows(ctx, strings.TrimSpace(req.TriggerType), payload, RunOptions{})
}

func changesContext(cs automation.ChangeSet) map[string]any {
	out := make(map[string]any, len(cs.Changes))
	for field, c := range cs.Changes {
		out[field] = map[string]any{"old": c.Old, "new": c.New}
	}
	return out
}
