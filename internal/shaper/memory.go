package shaper

import (
	"context"
	"strings"

	"github.com/owui/gateway-core/internal/memory"
	"github.com/owui/gateway-core/pkg/models"
)

// injectMemory fetches the user's memories, formats them as a bullet list,
// and prepends the block to the system message, creating one at index 0
// if the conversation has none.
func injectMemory(ctx context.Context, m *memory.Manager, userID string, messages []models.CanonicalMessage) ([]models.CanonicalMessage, error) {
	entries, err := m.Retrieve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return messages, nil
	}

	var sb strings.Builder
	sb.WriteString("What you remember about this user:\n")
	for _, e := range entries {
		sb.WriteString("- ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	block := strings.TrimRight(sb.String(), "\n")

	out := make([]models.CanonicalMessage, len(messages))
	copy(out, messages)

	for i := range out {
		if out[i].Role != models.RoleSystem {
			continue
		}
		merged := block
		if existing := out[i].Text(); existing != "" {
			merged = block + "\n\n" + existing
		}
		out[i] = prependText(out[i], merged)
		return out, nil
	}

	system := models.NewTextMessage(models.RoleSystem, block)
	return append([]models.CanonicalMessage{system}, out...), nil
}

// prependText replaces msg's text content with replacement while keeping
// any non-text parts (images, tool calls/results) in their original order
// after it.
func prependText(msg models.CanonicalMessage, replacement string) models.CanonicalMessage {
	content := make([]models.ContentPart, 0, len(msg.Content)+1)
	content = append(content, models.ContentPart{Type: models.PartText, Text: replacement})
	for _, p := range msg.Content {
		if p.Type == models.PartText {
			continue
		}
		content = append(content, p)
	}
	msg.Content = content
	return msg
}
