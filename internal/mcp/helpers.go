package mcp

import (
	"fmt"
	"strings"

	"tabbridge/internal/registry"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getKindsArg reads an optional array of item kinds. Unknown kinds are an
// error so a typo does not silently widen the search.
func getKindsArg(args map[string]interface{}, key string) ([]registry.Kind, error) {
	val, ok := args[key]
	if !ok || val == nil {
		return nil, nil
	}
	var raw []string
	switch v := val.(type) {
	case []interface{}:
		for _, e := range v {
			raw = append(raw, fmt.Sprintf("%v", e))
		}
	case []string:
		raw = v
	case string:
		raw = strings.Split(v, ",")
	default:
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}

	kinds := make([]registry.Kind, 0, len(raw))
	for _, r := range raw {
		k := registry.Kind(strings.TrimSpace(r))
		switch k {
		case registry.KindTab, registry.KindHistory, registry.KindWindow:
			kinds = append(kinds, k)
		case "":
		default:
			return nil, fmt.Errorf("unknown kind %q", r)
		}
	}
	return kinds, nil
}
