package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docgate/internal/model"
)

type ChatSessionRepository struct {
	db *gorm.DB
}

func NewChatSessionRepository(db *gorm.DB) *ChatSessionRepository {
	return &ChatSessionRepository{db: db}
}

func (r *ChatSessionRepository) Create(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create chat session failed: %w", err)
	}
	return nil
}

// GetByDocumentID returns nil, nil when the document has no session yet.
func (r *ChatSessionRepository) GetByDocumentID(ctx context.Context, documentID string) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("document_id = ?", documentID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat session failed: %w", err)
	}
	return &session, nil
}

func (r *ChatSessionRepository) Touch(ctx context.Context, sessionID string) error {
	if err := r.db.WithContext(ctx).Model(&model.ChatSession{}).Where("id = ?", sessionID).
		Update("updated_at", time.Now()).Error; err != nil {
		return fmt.Errorf("touch chat session failed: %w", err)
	}
	return nil
}

// DeleteByDocumentID removes the session of a document and all its messages.
// It returns the removed session id, or "" when nothing was there.
func (r *ChatSessionRepository) DeleteByDocumentID(ctx context.Context, documentID string) (string, error) {
	var sessionID string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sessionID, err = deleteSessionTx(tx, documentID)
		return err
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

func deleteSessionTx(tx *gorm.DB, documentID string) (string, error) {
	var session model.ChatSession
	if err := tx.Where("document_id = ?", documentID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("get chat session failed: %w", err)
	}
	if err := tx.Where("session_id = ?", session.ID).Delete(&model.ChatMessage{}).Error; err != nil {
		return "", fmt.Errorf("delete chat messages failed: %w", err)
	}
	if err := tx.Where("id = ?", session.ID).Delete(&model.ChatSession{}).Error; err != nil {
		return "", fmt.Errorf("delete chat session failed: %w", err)
	}
	return session.ID, nil
}
