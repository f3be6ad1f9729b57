package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":      {},
	"env":          {},
	"message":      {},
	"severity":     {},
	"timestamp":    {},
	"error":        {},
	"component":    {},
	"entrypoint":   {},
	"call_id":      {},
	"order_id":     {},
	"height":       {},
	"root":         {},
	"secretdigest": {},
}

// IsAllowlisted reports whether the key is exempt from redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// RedactionAllowlist returns a sorted copy of the keys emitted without
// redaction.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(redactionAllowlist))
	for key := range redactionAllowlist {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Redact masks non-empty values. Secrets, tokens and preimages must pass
// through it before reaching a log line.
func Redact(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns an attribute that redacts the value unless the key is
// allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, Redact(value))
}

// EventAttrs converts event attributes into log attributes, masking every key
// outside the allowlist except identifiers and amounts.
func EventAttrs(attrs map[string]string) []any {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, key := range keys {
		switch key {
		case "id", "maker", "claimer", "amount", "createdAt", "expiry", "minCounterpartAmount":
			out = append(out, slog.String(key, attrs[key]))
		default:
			out = append(out, MaskField(key, attrs[key]))
		}
	}
	return out
}
