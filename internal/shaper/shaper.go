// Package shaper implements the Conversation Shaper: the three sequential
// phases that run on an inbound message list before it reaches the Dispatch
// Loop: memory injection, per-message trimming, and auto-compaction.
package shaper

import (
	"context"

	"github.com/owui/gateway-core/internal/compaction"
	"github.com/owui/gateway-core/internal/memory"
	"github.com/owui/gateway-core/pkg/models"
)

// Config bounds the shaper's three phases.
type Config struct {
	MaxUserMessageTokens       int
	CompactionTokenThreshold   int
	CompactionMaxSummaryTokens int
	CompactionEnabled          bool
	KeepTailTurns              int
	SummaryModel               string
}

func (c Config) withDefaults() Config {
	if c.MaxUserMessageTokens <= 0 {
		c.MaxUserMessageTokens = 16000
	}
	if c.CompactionTokenThreshold <= 0 {
		c.CompactionTokenThreshold = 65536
	}
	if c.CompactionMaxSummaryTokens <= 0 {
		c.CompactionMaxSummaryTokens = 1024
	}
	if c.KeepTailTurns <= 0 {
		c.KeepTailTurns = 3
	}
	return c
}

// Shaper runs memory injection, per-message trimming, and auto-compaction
// on a conversation's message list before it is handed to the Dispatch
// Loop. A nil memoryManager skips phase 1; a nil summarizer disables
// auto-compaction regardless of cfg.CompactionEnabled.
type Shaper struct {
	memoryManager *memory.Manager
	summarizer    compaction.Summarizer
	cfg           Config
}

// New builds a Shaper.
func New(memoryManager *memory.Manager, summarizer compaction.Summarizer, cfg Config) *Shaper {
	return &Shaper{memoryManager: memoryManager, summarizer: summarizer, cfg: cfg.withDefaults()}
}

// Prepare runs the three phases in order and returns the shaped message
// list. messages is never mutated in place.
func (s *Shaper) Prepare(ctx context.Context, userID string, messages []models.CanonicalMessage) ([]models.CanonicalMessage, error) {
	out := messages

	if s.memoryManager != nil && userID != "" {
		shaped, err := injectMemory(ctx, s.memoryManager, userID, out)
		if err != nil {
			return nil, err
		}
		out = shaped
	}

	out = trimUserMessages(out, s.cfg)

	if s.cfg.CompactionEnabled && s.summarizer != nil {
		compacted, err := autoCompact(ctx, out, s.summarizer, s.cfg)
		if err != nil {
			return nil, err
		}
		out = compacted
	}

	return out, nil
}
