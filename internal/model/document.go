package model

import (
	"strings"
	"time"
)

type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "PENDING"
	DocumentStatusProcessing DocumentStatus = "PROCESSING"
	DocumentStatusCompleted  DocumentStatus = "COMPLETED"
	DocumentStatusFailed     DocumentStatus = "FAILED"
)

// NormalizeDocumentStatus maps the engine's status spelling onto the local enum.
// Unknown values are kept upper-cased so they still round-trip.
func NormalizeDocumentStatus(raw string) DocumentStatus {
	return DocumentStatus(strings.ToUpper(strings.TrimSpace(raw)))
}

// Terminal reports whether the engine will not move the document any further.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentStatusCompleted || s == DocumentStatusFailed
}

// Document mirrors a document owned by the RAG engine. RemoteID is the
// engine's identifier and is unique when present.
type Document struct {
	ID             string         `gorm:"size:36;primaryKey" json:"id"`
	UserID         uint           `gorm:"not null;index" json:"user_id"`
	Filename       string         `gorm:"size:255;not null" json:"filename"`
	ContentType    string         `gorm:"size:128;not null" json:"content_type"`
	SizeBytes      int64          `gorm:"not null;default:0" json:"size_bytes"`
	RemoteID       *string        `gorm:"size:128;uniqueIndex" json:"remote_id"`
	Status         DocumentStatus `gorm:"size:16;not null;index" json:"status"`
	Summary        *string        `gorm:"type:text" json:"summary"`
	Classification *string        `gorm:"size:128" json:"classification"`
	ErrorMessage   *string        `gorm:"type:text" json:"error_message"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (d *Document) HasRemote() bool {
	return d.RemoteID != nil && *d.RemoteID != ""
}
