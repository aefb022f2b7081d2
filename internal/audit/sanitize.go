package audit

import "encoding/json"

// RedactionMarker replaces sensitive values in persisted state snapshots.
const RedactionMarker = "[REDACTED]"

// Sanitize returns a deep copy of the snapshot with every sensitive field
// replaced by the redaction marker. It recurses into nested objects and
// arrays of objects; scalars and non-sensitive fields pass through. Nil in,
// nil out.
func Sanitize(data map[string]any, sensitive []string) map[string]any {
	if data == nil {
		return nil
	}
	redact := make(map[string]struct{}, len(sensitive))
	for _, f := range sensitive {
		redact[f] = struct{}{}
	}
	return sanitize(data, redact)
}

func sanitize(data map[string]any, redact map[string]struct{}) map[string]any {
	out := make(map[string]any, len(data))
	for key, value := range data {
		if _, ok := redact[key]; ok {
			out[key] = RedactionMarker
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			out[key] = sanitize(v, redact)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = sanitize(m, redact)
				} else {
					items[i] = item
				}
			}
			out[key] = items
		default:
			out[key] = value
		}
	}
	return out
}

// Diff computes {field: {from, to}} over the union of keys in both
// snapshots, reporting every key whose JSON form differs. Returns nil when
// nothing changed or both snapshots are absent. Callers must pass sanitized
// snapshots; a diff of raw state would leak PII into the diff structure.
func Diff(previous, next map[string]any) map[string]Change {
	if previous == nil && next == nil {
		return nil
	}

	diff := make(map[string]Change)
	for key := range previous {
		if !sameJSON(previous[key], next[key]) {
			diff[key] = Change{From: previous[key], To: next[key]}
		}
	}
	for key := range next {
		if _, seen := previous[key]; seen {
			continue
		}
		if !sameJSON(previous[key], next[key]) {
			diff[key] = Change{From: previous[key], To: next[key]}
		}
	}

	if len(diff) == 0 {
		return nil
	}
	return diff
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
