package logging

import (
	"regexp"
	"strings"
)

// Field names whose values are never logged.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"credential",
	"dsn",
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(secret|token|password)[=:]["']?[a-zA-Z0-9+/=_-]{16,}["']?`),
}

// Credentials embedded in connection URLs (postgres://, redis://, nats://).
var urlCredentials = regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^:/@\s]*):[^@\s]+@`)

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces tokens and connection passwords in s.
func Redact(s string) string {
	result := urlCredentials.ReplaceAllString(s, "${1}:"+RedactedValue+"@")
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactMap redacts sensitive keys in a nested settings map, e.g. a dump of
// the loaded configuration.
func RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch value := v.(type) {
		case map[string]any:
			result[k] = RedactMap(value)
		case string:
			if IsSensitiveField(k) && value != "" {
				result[k] = RedactedValue
			} else {
				result[k] = Redact(value)
			}
		default:
			result[k] = v
		}
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
