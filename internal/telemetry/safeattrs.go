package telemetry

import (
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Keys carrying sample text or credentials never become span attributes.
var denyKeys = []string{
	"sample",
	"text",
	"document",
	"neighbor",
	"detokenized",
	"api_key",
	"token",
}

const maxStringAttr = 256

// SafeAttributes filters out keys that may leak training samples or secrets
// and returns the rest as OTEL attributes, sorted by key.
func SafeAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var attrs []attribute.KeyValue
	for _, k := range keys {
		if denied(k) {
			continue
		}
		switch val := values[k].(type) {
		case string:
			if len(val) > maxStringAttr {
				continue
			}
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, truncate(val, 32)))
		case []int:
			attrs = append(attrs, attribute.IntSlice(k, truncate(val, 32)))
		}
	}
	return attrs
}

func denied(key string) bool {
	lk := strings.ToLower(key)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	return false
}

func truncate[T any](in []T, limit int) []T {
	if len(in) <= limit {
		return in
	}
	return in[:limit]
}
