package models

import "time"

// UserMemory is one short fact recorded for a user and injected into the
// system prompt on subsequent requests. The sum of len(Text) over a user's
// memories is bounded by a configurable character budget, enforced by the
// memory store on create/update.
type UserMemory struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
	Text   string `json:"text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
