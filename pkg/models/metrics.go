package models

import "time"

// RequestStatus is the terminal status recorded for a RequestRecord.
type RequestStatus string

const (
	RequestOK             RequestStatus = "ok"
	RequestUpstreamError  RequestStatus = "upstream_error"
	RequestTruncated      RequestStatus = "truncated"
	RequestCancelled      RequestStatus = "cancelled"
)

// RequestRecord is one append-only row per chat request.
type RequestRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	UserID         string        `json:"user_id"`
	InstanceID     string        `json:"instance_id,omitempty"`
	Model          string        `json:"model"`
	Provider       string        `json:"provider"`
	Status         RequestStatus `json:"status"`

	InputTokens        int `json:"input_tokens"`
	OutputTokens       int `json:"output_tokens"`
	CachedInputTokens  int `json:"cached_input_tokens,omitempty"`
	CacheWriteTokens   int `json:"cache_write_tokens,omitempty"`

	CostUSD float64 `json:"cost_usd"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ToolCallRecord is one append-only row per dispatched tool call.
type ToolCallRecord struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`

	// ArgumentsDigest is SHA-256 of the canonicalized (key-sorted) JSON
	// arguments, so semantically identical calls digest identically
	// regardless of key order.
	ArgumentsDigest string `json:"arguments_digest"`

	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"` // "ok" | "error" | "invalid-arguments"
}
