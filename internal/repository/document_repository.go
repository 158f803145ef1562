package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docgate/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) ListByUserID(ctx context.Context, userID uint) ([]model.Document, error) {
	var list []model.Document
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// GetByID returns nil, nil when the document does not exist.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

// RemoteFields is the subset of a document that is copied from the engine.
type RemoteFields struct {
	Status         model.DocumentStatus
	Summary        *string
	Classification *string
	ErrorMessage   *string
}

// UpdateRemoteFields overwrites the engine-owned columns. Nil pointers are
// written as NULL.
func (r *DocumentRepository) UpdateRemoteFields(ctx context.Context, id string, fields RemoteFields) error {
	updates := map[string]interface{}{
		"status":         fields.Status,
		"summary":        fields.Summary,
		"classification": fields.Classification,
		"error_message":  fields.ErrorMessage,
	}
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update document remote fields failed: %w", err)
	}
	return nil
}

// DeleteWithChat removes the document together with its chat session and
// messages. It returns the id of the removed session, or "" if there was none.
func (r *DocumentRepository) DeleteWithChat(ctx context.Context, id string) (string, error) {
	var sessionID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sessionID, err = deleteSessionTx(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&model.Document{}).Error; err != nil {
			return fmt.Errorf("delete document failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}
