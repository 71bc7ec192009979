package automation

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"unicode"
)

// FieldChange is the before/after pair recorded for one field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ChangeSet is the outcome of diffing two entity snapshots.
type ChangeSet struct {
	Changes  map[string]FieldChange `json:"changes"`
	Triggers []string               `json:"triggers"`
}

// Empty reports whether no field changed.
func (c ChangeSet) Empty() bool { return len(c.Changes) == 0 }

// metadata fields never count as a change
var metadataFields = map[string]struct{}{
	"updated_date": {},
	"updated_by":   {},
	"updated_at":   {},
}

// Diff compares the snapshots of one entity. A nil old snapshot is a
// creation and yields exactly "<entity>_created"; otherwise every differing
// non-metadata field contributes "<entity>_<field>_changed".
func Diff(entityType string, oldSnap, newSnap map[string]any) ChangeSet {
	prefix := TriggerPrefix(entityType)
	if oldSnap == nil {
		return ChangeSet{
			Changes:  map[string]FieldChange{"action": {New: "created"}},
			Triggers: []string{prefix + "_created"},
		}
	}

	keys := make(map[string]struct{}, len(oldSnap)+len(newSnap))
	for k := range oldSnap {
		keys[k] = struct{}{}
	}
	for k := range newSnap {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		if _, skip := metadataFields[k]; skip {
			continue
		}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	cs := ChangeSet{Changes: map[string]FieldChange{}, Triggers: []string{}}
	for _, k := range sorted {
		oldVal, newVal := oldSnap[k], newSnap[k]
		if sameJSON(oldVal, newVal) {
			continue
		}
		cs.Changes[k] = FieldChange{Old: oldVal, New: newVal}
		cs.Triggers = append(cs.Triggers, prefix+"_"+k+"_changed")
	}
	return cs
}

// ChangedFields lists changed field names in sorted order.
func (c ChangeSet) ChangedFields() []string {
	out := make([]string, 0, len(c.Changes))
	for k := range c.Changes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sameJSON(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// TriggerPrefix turns an entity name into its trigger prefix:
// "Client" -> "client", "CommunicationMessage" -> "communication_message".
func TriggerPrefix(entityType string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(entityType))
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) && runes[i-1] != '_' {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if r == ' ' || r == '-' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
