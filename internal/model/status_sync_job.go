package model

// StatusSyncJob asks the worker to pull the engine's status for a document.
type StatusSyncJob struct {
	DocumentID string `json:"document_id"`
	Attempt    int    `json:"attempt"`
}
