// Package redact scrubs credentials and tokens out of text before it is
// persisted to external memory, posted to a notification channel, or logged.
// Adapted from the teacher's internal/shared/security.Sanitize, generalized
// from "tool output and LLM responses in a LegatorRun audit trail" to any
// chat exchange or task result the Engine and notifyadapter handle.
package redact

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// sensitivePatterns catches the credential shapes most likely to leak
// through a chat message, a task description, or a model response.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`hvs\.[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// Sanitize scrubs sensitive data from text, preserving a matched prefix
// label (e.g. "token: ", "Authorization: ") where one exists.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret reports whether text matches any known credential shape.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// Truncate sanitizes text and, if it still exceeds maxLen, truncates with a
// trailing marker — the shape a stored memory note or a Slack message needs
// before leaving the process.
func Truncate(text string, maxLen int) string {
	sanitized := Sanitize(text)
	if maxLen > 0 && len(sanitized) > maxLen {
		return sanitized[:maxLen] + "... (truncated)"
	}
	return sanitized
}

// SanitizeMap redacts values whose key name suggests a credential outright,
// and scrubs the rest, for logging structured fields pulled from a task's
// constraints map.
func SanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isCredentialKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Sanitize(s)
		} else {
			out[k] = v
		}
	}
	return out
}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
