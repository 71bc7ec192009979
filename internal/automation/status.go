package automation

import "strings"

// ActionStatus is the outcome of one dispatched action.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusSkipped ActionStatus = "skipped"
	ActionStatusError   ActionStatus = "error"
)

// RuleStatus is the aggregated outcome of one rule invocation.
type RuleStatus string

const (
	RuleStatusSuccess RuleStatus = "success"
	RuleStatusPartial RuleStatus = "partial"
	RuleStatusFailure RuleStatus = "failure"
)

// ActionOutcome is one entry of an execution log's details.
type ActionOutcome struct {
	ActionType   string         `json:"action_type"`
	Status       ActionStatus   `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	DelayMinutes int            `json:"delay_minutes,omitempty"`
}

// Summarize folds action outcomes into a rule status. Skipped actions never
// fail a rule: no errors is success, errors next to at least one success is
// partial, errors alone are failure.
func Summarize(outcomes []ActionOutcome) (RuleStatus, string) {
	var errs []string
	succeeded := 0
	for _, o := range outcomes {
		switch o.Status {
		case ActionStatusError:
			errs = append(errs, o.ActionType+": "+o.Error)
		case ActionStatusSuccess:
			succeeded++
		}
	}
	switch {
	case len(errs) == 0:
		return RuleStatusSuccess, ""
	case succeeded > 0:
		return RuleStatusPartial, strings.Join(errs, "; ")
	default:
		return RuleStatusFailure, strings.Join(errs, "; ")
	}
}
