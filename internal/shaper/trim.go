package shaper

import (
	"fmt"

	"github.com/owui/gateway-core/internal/compaction"
	"github.com/owui/gateway-core/pkg/models"
)

// attachedFileTokenAllowance is the extra token headroom granted to a
// user message's cap per attached image, since each attachment's
// extracted content needs room beyond the base text cap.
const attachedFileTokenAllowance = 4000

// trimUserMessages truncates any user message whose text exceeds its
// token cap. The cap scales with the message's attached-file count (its
// image parts), so a message with files attached gets more room before
// truncation kicks in.
func trimUserMessages(messages []models.CanonicalMessage, cfg Config) []models.CanonicalMessage {
	out := make([]models.CanonicalMessage, len(messages))
	copy(out, messages)

	for i, msg := range out {
		if msg.Role != models.RoleUser {
			continue
		}
		text := msg.Text()
		if text == "" {
			continue
		}

		attached := 0
		for _, p := range msg.Content {
			if p.Type == models.PartImage {
				attached++
			}
		}
		tokenCap := cfg.MaxUserMessageTokens + attached*attachedFileTokenAllowance

		tokens := compaction.EstimateTokens(&compaction.Message{Role: string(msg.Role), Content: text})
		if tokens <= tokenCap {
			continue
		}

		maxChars := tokenCap * compaction.CharsPerToken
		truncated := text
		if len(truncated) > maxChars {
			truncated = truncated[:maxChars]
		}
		truncated += fmt.Sprintf("\n\n[truncated: message exceeded %d-token cap]", tokenCap)
		out[i] = prependText(msg, truncated)
	}

	return out
}
