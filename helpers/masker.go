package helpers

import "strings"

// MaskRequestBody renders a request body for debug logs. For the sensitive
// commands everything after the first line (the username) is redacted.
func MaskRequestBody(command string, body []byte, sensitiveCommands ...string) string {
	for _, cmd := range sensitiveCommands {
		if command != cmd {
			continue
		}
		first, _, found := strings.Cut(string(body), "\n")
		if !found {
			return "[REDACTED]"
		}
		return first + "\n[REDACTED]"
	}
	return string(body)
}
