package automation

import (
	"fmt"
	"strings"
)

// ValidationError 规则或动作参数不合法
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// LookupError 引用的实体或模板不存在
type LookupError struct {
	Kind string
	ID   string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s lookup failed: %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *LookupError) Unwrap() error { return e.Err }

// DispatchError wraps a failed send/create call made by an action handler.
type DispatchError struct {
	Action ActionKind
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// UnknownActionTypeError is returned for action kinds outside the registry.
type UnknownActionTypeError struct {
	Type string
}

func (e *UnknownActionTypeError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.Type)
}

// InvalidEntityTypeError is returned when an action targets the wrong entity.
type InvalidEntityTypeError struct {
	Action   ActionKind
	Expected string
	Actual   string
}

func (e *InvalidEntityTypeError) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "<none>"
	}
	return fmt.Sprintf("%s requires entity type %s, got %s", e.Action, e.Expected, actual)
}

// ValidationErrors collects errors from a whole rule definition.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, err := range v {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
