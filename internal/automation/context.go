package automation

// Context keys the engine itself writes into an event context.
const (
	KeyEntityType = "entity_type"
	KeyEntityID   = "entity_id"
	KeyUserEmail  = "user_email"
	KeyOldValue   = "old_value"
	KeyNewValue   = "new_value"
	KeyChanges    = "changes"
	KeyField      = "field"
)

// NewEventContext merges entity fields with the event envelope. The engine
// keys win over same-named entity fields.
func NewEventContext(fields map[string]any, entityType, entityID, userEmail string) map[string]any {
	ctx := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		ctx[k] = v
	}
	ctx[KeyEntityType] = entityType
	ctx[KeyEntityID] = entityID
	if userEmail != "" {
		ctx[KeyUserEmail] = userEmail
	}
	return ctx
}

// CloneContext copies the top level of an event context.
func CloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// ContextString reads a string value from a context, "" when absent.
func ContextString(ctx map[string]any, key string) string {
	v, ok := Resolve(ctx, key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return Stringify(v)
}
