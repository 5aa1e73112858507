package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Select walks selector through nested maps. Missing keys, nil values and
// non-map intermediates all resolve to absent.
func Select(root any, selector []string) (any, bool) {
	if len(selector) == 0 {
		return nil, false
	}

	current := root
	for _, key := range selector {
		var (
			next any
			ok   bool
		)
		switch node := current.(type) {
		case map[string]any:
			next, ok = node[key]
		case EvaluationContext:
			next, ok = node[key]
		case map[string]string:
			next, ok = node[key]
		case map[string][]string:
			var values []string
			values, ok = node[key]
			ok = ok && values != nil
			next = values
		case map[string]Variant:
			var variant Variant
			variant, ok = node[key]
			next = variant.target()
		case Variant:
			next, ok = node.target()[key]
		default:
			return nil, false
		}
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}

	return current, true
}

func coerceString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case uint32:
		return strconv.FormatUint(uint64(typed), 10)
	case json.Number:
		return typed.String()
	case fmt.Stringer:
		return typed.String()
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

func coerceStringArray(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		return stringsOf(typed)
	}

	raw := coerceString(value)
	var parsed []any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return stringsOf(parsed)
	}
	return []string{raw}
}

func stringsOf(values []any) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == nil {
			continue
		}
		out = append(out, coerceString(value))
	}
	return out
}
