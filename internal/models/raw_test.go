package models

import "testing"

func TestRawRecordValueShapes(t *testing.T) {
	raw := RawRecord{
		"plain":   "hello",
		"pair":    map[string]any{"value": "2", "display_value": "In Progress"},
		"number":  float64(7),
		"boolean": true,
		"empty":   map[string]any{"value": "", "display_value": ""},
	}

	cases := []struct {
		field string
		want  string
	}{
		{"plain", "hello"},
		{"pair", "2"},
		{"number", "7"},
		{"boolean", "true"},
		{"empty", ""},
		{"missing", ""},
	}
	for _, tc := range cases {
		if got := raw.Value(tc.field); got != tc.want {
			t.Errorf("Value(%q) = %q, want %q", tc.field, got, tc.want)
		}
	}
}

func TestRawRecordDisplayFallsBackToValue(t *testing.T) {
	raw := RawRecord{
		"pair":  map[string]any{"value": "2", "display_value": "In Progress"},
		"plain": "hello",
	}

	if got := raw.Display("pair"); got != "In Progress" {
		t.Errorf("Display(pair) = %q, want In Progress", got)
	}
	if got := raw.Display("plain"); got != "hello" {
		t.Errorf("Display(plain) = %q, want hello", got)
	}
}
