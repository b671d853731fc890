package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces account and collateral identifiers in log output.
const RedactedValue = "[REDACTED]"

// Log keys that carry lending identifiers: settlement addresses, warehouse
// receipt ids, bearer material, and free-form request input that may embed
// any of them. These are never emitted in the clear.
var sensitiveKeys = map[string]struct{}{
	"borrower":            {},
	"investor":            {},
	"address":             {},
	"actor":               {},
	"collateral_token_id": {},
	"memo":                {},
	"authorization":       {},
	"token":               {},
	"query":               {},
}

// IsSensitive reports whether a log key carries a lending identifier that
// must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns the masked key set, sorted. Tests pin this list so an
// identifier field cannot silently start leaking.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redaction placeholder for non-empty values. Empty
// values pass through so absent fields stay absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog.Attr, masking the value when the key is a known
// lending identifier.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
