package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings reports missing required keys and, unless the schema
// allows them, unknown keys. Keys are compared with normalizeKey.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = ""
	}
	for _, k := range schema.Required {
		allowed[normalizeKey(k)] = k
	}

	var missing, unknown []string
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		reqKey, ok := allowed[nk]
		if !ok {
			if !schema.AllowUnknown {
				unknown = append(unknown, k)
			}
			continue
		}
		if reqKey != "" && isEmptyValue(v) {
			continue
		}
		present[nk] = true
	}
	for _, k := range schema.Required {
		if !present[normalizeKey(k)] {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
