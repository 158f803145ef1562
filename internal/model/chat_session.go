package model

import "time"

// ChatSession is the single conversation thread of a document.
type ChatSession struct {
	ID         string    `gorm:"size:36;primaryKey" json:"id"`
	DocumentID string    `gorm:"size:36;not null;uniqueIndex" json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
