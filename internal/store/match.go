package store

import (
	"encoding/json"
	"fmt"
)

// Match selects records whose top-level JSON field equals Value.
type Match struct {
	Field string
	Value string
}

// MatchField builds a Match.
func MatchField(field, value string) *Match {
	return &Match{Field: field, Value: value}
}

// Matches reports whether data satisfies m. A nil Match matches everything.
func (m *Match) Matches(data []byte) bool {
	if m == nil {
		return true
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	raw, ok := doc[m.Field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == m.Value
	}
	// Non-string fields compare by their JSON text.
	return string(raw) == m.Value
}

// Select applies opts to records that are already ordered oldest first.
func Select(records []Record, opts QueryOptions) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if opts.Match.Matches(r.Data) {
			out = append(out, r)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// Validate rejects obviously malformed arguments shared by every implementation.
func Validate(table Table, key string) error {
	if table.Room == "" {
		return fmt.Errorf("table %s: empty room", table)
	}
	if table.Kind == "" {
		return fmt.Errorf("table %s: empty kind", table)
	}
	if key == "" {
		return fmt.Errorf("table %s: empty key", table)
	}
	return nil
}
