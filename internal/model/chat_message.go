package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is append-only; rows are never updated after insert.
type ChatMessage struct {
	ID        uint                        `gorm:"primaryKey" json:"id"`
	SessionID string                      `gorm:"size:36;not null;index" json:"session_id"`
	Role      string                      `gorm:"size:16;not null" json:"role"`
	Content   string                      `gorm:"type:text;not null" json:"content"`
	ChunkIDs  datatypes.JSONSlice[string] `json:"chunk_ids"`
	CreatedAt time.Time                   `gorm:"index" json:"created_at"`
}
