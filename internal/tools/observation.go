package tools

import (
	"fmt"
	"strings"
)

// Observation markup wraps action outcomes before they are appended to an
// agent conversation. The compactor and the reconciler both key off these
// markers, so every dispatch path must use them.
const (
	observationOpen       = "<action_result"
	observationErrorOpen  = "<action_error"
	observationClose      = "</action_result>"
	observationErrorClose = "</action_error>"
)

// FormatObservation wraps a successful action result for the conversation.
func FormatObservation(name, result string) string {
	return fmt.Sprintf("%s name=%q>\n%s\n%s", observationOpen, name, result, observationClose)
}

// FormatErrorObservation wraps a failed action for the conversation.
func FormatErrorObservation(name, message string) string {
	return fmt.Sprintf("%s name=%q>\n%s\n%s", observationErrorOpen, name, message, observationErrorClose)
}

// IsErrorObservation reports whether content carries an action failure.
func IsErrorObservation(content string) bool {
	return strings.Contains(content, observationErrorOpen)
}

// ContainsInvocation reports whether content carries at least one action
// invocation.
func ContainsInvocation(content string) bool {
	return strings.Contains(content, invocationOpen)
}

// ObservationName extracts the action name from observation markup.
// Returns "" when content is not an observation.
func ObservationName(content string) string {
	idx := strings.Index(content, `name="`)
	if idx < 0 {
		return ""
	}
	rest := content[idx+len(`name="`):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
