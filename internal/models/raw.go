package models

import "strconv"

// RawRecord is the untyped payload for one record as returned by the
// ServiceNow Table API. Depending on the query's display-value mode a field
// arrives either as a plain string or as a {"value": ..., "display_value": ...}
// pair; the accessors below unwrap both shapes into plain strings.
type RawRecord map[string]any

// Value returns the machine value of a field as a string, or "" if the field
// is missing.
func (r RawRecord) Value(field string) string {
	return unwrap(r[field], "value")
}

// Display returns the human-readable value of a field, falling back to the
// machine value when no display value is present.
func (r RawRecord) Display(field string) string {
	if s := unwrap(r[field], "display_value"); s != "" {
		return s
	}
	return unwrap(r[field], "value")
}

func unwrap(v any, key string) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any:
		return unwrap(val[key], key)
	}
	return ""
}
