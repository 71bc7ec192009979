package automation

import (
	"fmt"
	"strings"
)

// ActionKind 动作类型（封闭集合）
type ActionKind string

const (
	ActionCreateTask        ActionKind = "create_task"
	ActionSendEmail         ActionKind = "send_email"
	ActionSendWhatsApp      ActionKind = "send_whatsapp"
	ActionSendMessage       ActionKind = "send_message"
	ActionSendNotification  ActionKind = "send_notification"
	ActionUpdateTasksStatus ActionKind = "update_tasks_status"
	ActionScheduleMeeting   ActionKind = "schedule_meeting"
	ActionChangeStage       ActionKind = "change_stage"
	ActionAddNote           ActionKind = "add_note"
)

// Action is one step of a rule, executed in declared order.
type Action struct {
	Type         string         `json:"type" yaml:"type"`
	Params       map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	DelayMinutes int            `json:"delay_minutes,omitempty" yaml:"delay_minutes,omitempty"`
	TemplateID   uint           `json:"template_id,omitempty" yaml:"template_id,omitempty"`
}

// hard-required params; a missing one rejects the rule at save time
var requiredParams = map[ActionKind][]string{
	ActionCreateTask:        {"title"},
	ActionSendEmail:         nil,
	ActionSendWhatsApp:      nil,
	ActionSendNotification:  {"title", "message"},
	ActionUpdateTasksStatus: {"to_status"},
	ActionScheduleMeeting:   {"title"},
	ActionChangeStage:       {"new_stage"},
	ActionAddNote:           {"note"},
}

// ActionKinds returns the supported kinds, aliases excluded.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionCreateTask,
		ActionSendEmail,
		ActionSendWhatsApp,
		ActionSendNotification,
		ActionUpdateTasksStatus,
		ActionScheduleMeeting,
		ActionChangeStage,
		ActionAddNote,
	}
}

// ParseActionKind normalizes a declared type. send_message is an alias of
// send_whatsapp.
func ParseActionKind(s string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if kind == ActionSendMessage {
		return ActionSendWhatsApp, nil
	}
	if _, ok := requiredParams[kind]; !ok {
		return "", &UnknownActionTypeError{Type: s}
	}
	return kind, nil
}

// ValidateAction checks the static shape of an action.
func ValidateAction(a Action) error {
	kind, err := ParseActionKind(a.Type)
	if err != nil {
		return err
	}
	if a.DelayMinutes < 0 {
		return &ValidationError{Field: "delay_minutes", Message: "must not be negative"}
	}
	for _, p := range requiredParams[kind] {
		v, ok := a.Params[p]
		if !ok || v == nil {
			return &ValidationError{Field: "params." + p, Message: fmt.Sprintf("required by %s", kind)}
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return &ValidationError{Field: "params." + p, Message: fmt.Sprintf("required by %s", kind)}
		}
	}
	return nil
}

// ValidateActions validates every action; errors carry the action index.
func ValidateActions(actions []Action) error {
	var errs ValidationErrors
	for i, a := range actions {
		if err := ValidateAction(a); err != nil {
			errs = append(errs, fmt.Errorf("actions[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Skipped builds the result of a handler that had nothing to do.
func Skipped(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

// IsSkipped reports whether a handler result is a skip marker.
func IsSkipped(result map[string]any) bool {
	v, _ := result["skipped"].(bool)
	return v
}
