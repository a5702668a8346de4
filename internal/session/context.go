package session

import (
	"github.com/fabstir/compute-node/internal/template"
)

// truncateContext drops oldest non-system messages in insertion order
// until the templated context fits the model's window minus maxTokens
// (§4.3). System messages and the current (last) user message are never
// dropped.
func truncateContext(kind template.Kind, messages []Message, window, maxTokens int) []Message {
	budget := window - maxTokens
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	fits := func(msgs []Message) bool {
		return template.EstimateTokens(template.Render(kind, toTemplateMessages(msgs))) <= budget
	}
	if fits(messages) {
		return messages
	}

	protectedLast := len(messages) - 1
	for i := 0; i < len(messages); i++ {
		if i == protectedLast || messages[i].Role == "system" {
			continue
		}
		trimmed := make([]Message, 0, len(messages)-1)
		trimmed = append(trimmed, messages[:i]...)
		trimmed = append(trimmed, messages[i+1:]...)
		messages = trimmed
		protectedLast = len(messages) - 1
		if fits(messages) {
			return messages
		}
		i = -1 // restart the scan over the shrunk slice
	}
	return messages
}

func toTemplateMessages(messages []Message) []template.Message {
	out := make([]template.Message, len(messages))
	for i, m := range messages {
		out[i] = template.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
