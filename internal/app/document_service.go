package app

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docgate/internal/model"
	"docgate/internal/pkg/pdfcheck"
	"docgate/internal/ragclient"
	"docgate/internal/repository"
)

const contentTypePDF = "application/pdf"

// RAGEngine is the subset of the engine API the services rely on.
type RAGEngine interface {
	Upload(ctx context.Context, data []byte, filename, contentType string) (*ragclient.UploadResult, error)
	GetStatus(ctx context.Context, remoteID string) (*ragclient.RemoteStatus, error)
	GetDocument(ctx context.Context, remoteID string) (*ragclient.RemoteDocument, error)
	Delete(ctx context.Context, remoteID string) error
	OpenChatStream(ctx context.Context, remoteID, message string, history []ragclient.ChatTurn, onChunk func([]byte) error) error
}

type StatusSyncPublisher interface {
	PublishStatusSync(ctx context.Context, job model.StatusSyncJob) error
}

type UploadPolicy struct {
	MaxBytes            int64
	AllowedContentTypes []string
}

type DocumentService struct {
	docRepo   *repository.DocumentRepository
	rag       RAGEngine
	history   HistoryCache
	publisher StatusSyncPublisher
	policy    UploadPolicy
	logger    *zap.Logger
}

type UploadInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	ID       string `json:"id"`
	RemoteID string `json:"remote_id"`
	Message  string `json:"message"`
}

func NewDocumentService(
	docRepo *repository.DocumentRepository,
	rag RAGEngine,
	history HistoryCache,
	publisher StatusSyncPublisher,
	policy UploadPolicy,
	logger *zap.Logger,
) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{
		docRepo:   docRepo,
		rag:       rag,
		history:   history,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
	}
}

// Upload forwards the file to the engine and records it locally as PENDING.
// Nothing is stored when the engine rejects the file.
func (s *DocumentService) Upload(ctx context.Context, ownerID uint, input UploadInput) (*UploadResult, error) {
	if ownerID == 0 {
		return nil, ErrInvalidInput
	}
	filename := filepath.Base(strings.TrimSpace(input.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if len(input.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if s.policy.MaxBytes > 0 && int64(len(input.Data)) > s.policy.MaxBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.policy.MaxBytes)
	}

	contentType := resolveContentType(input.ContentType, filename)
	if !s.allowed(contentType) {
		return nil, fmt.Errorf("%w: content type %q is not allowed", ErrValidation, contentType)
	}
	if contentType == contentTypePDF {
		if _, err := pdfcheck.Validate(input.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	remote, err := s.rag.Upload(ctx, input.Data, filename, contentType)
	if err != nil {
		return nil, err
	}

	remoteID := remote.ID
	doc := &model.Document{
		ID:          uuid.NewString(),
		UserID:      ownerID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   int64(len(input.Data)),
		RemoteID:    &remoteID,
		Status:      model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		// Do not leave an orphan on the engine side.
		if delErr := s.rag.Delete(context.WithoutCancel(ctx), remoteID); delErr != nil {
			s.logger.Warn("rollback remote upload failed", zap.String("remote_id", remoteID), zap.Error(delErr))
		}
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.PublishStatusSync(ctx, model.StatusSyncJob{DocumentID: doc.ID}); err != nil {
			s.logger.Warn("enqueue status sync failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}

	return &UploadResult{ID: doc.ID, RemoteID: remoteID, Message: remote.Message}, nil
}

func (s *DocumentService) List(ctx context.Context, ownerID uint) ([]model.Document, error) {
	if ownerID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docRepo.ListByUserID(ctx, ownerID)
}

func (s *DocumentService) Get(ctx context.Context, ownerID uint, id string) (*model.Document, error) {
	return ownedDocument(ctx, s.docRepo, ownerID, id)
}

// GetStatus returns the document with its current engine status. Documents
// that never reached the engine are answered from the local record alone.
func (s *DocumentService) GetStatus(ctx context.Context, ownerID uint, id string) (*model.Document, error) {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !doc.HasRemote() {
		return doc, nil
	}
	if err := s.refresh(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RefreshStatus is GetStatus without the ownership check, for background sync.
func (s *DocumentService) RefreshStatus(ctx context.Context, id string) (*model.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if !doc.HasRemote() {
		return doc, nil
	}
	if err := s.refresh(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// refresh copies the engine's status into doc and writes it back only when
// the status moved.
func (s *DocumentService) refresh(ctx context.Context, doc *model.Document) error {
	remote, err := s.rag.GetStatus(ctx, *doc.RemoteID)
	if err != nil {
		return err
	}

	changed := remote.Status != doc.Status
	doc.Status = remote.Status
	doc.Summary = remote.Summary
	doc.Classification = remote.Classification
	doc.ErrorMessage = remote.ErrorMessage
	if !changed {
		return nil
	}
	return s.docRepo.UpdateRemoteFields(ctx, doc.ID, repository.RemoteFields{
		Status:         remote.Status,
		Summary:        remote.Summary,
		Classification: remote.Classification,
		ErrorMessage:   remote.ErrorMessage,
	})
}

// Sync overwrites the engine-owned fields with the engine's full record.
func (s *DocumentService) Sync(ctx context.Context, ownerID uint, id string) (*model.Document, error) {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !doc.HasRemote() {
		return nil, fmt.Errorf("document %s has no remote reference: %w", id, ErrNotFound)
	}

	remote, err := s.rag.GetDocument(ctx, *doc.RemoteID)
	if err != nil {
		return nil, err
	}
	fields := repository.RemoteFields{
		Status:         remote.Status,
		Summary:        remote.Summary,
		Classification: remote.Classification,
		ErrorMessage:   remote.ErrorMessage,
	}
	if err := s.docRepo.UpdateRemoteFields(ctx, doc.ID, fields); err != nil {
		return nil, err
	}
	doc.Status = fields.Status
	doc.Summary = fields.Summary
	doc.Classification = fields.Classification
	doc.ErrorMessage = fields.ErrorMessage
	return doc, nil
}

// Delete removes the document everywhere. The engine call is best effort; the
// local record, its session and messages always go.
func (s *DocumentService) Delete(ctx context.Context, ownerID uint, id string) error {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, id)
	if err != nil {
		return err
	}

	if doc.HasRemote() {
		if err := s.rag.Delete(ctx, *doc.RemoteID); err != nil {
			s.logger.Warn("remote document delete failed",
				zap.String("document_id", doc.ID),
				zap.String("remote_id", *doc.RemoteID),
				zap.Error(err),
			)
		}
	}

	if s.history != nil {
		_ = s.history.MarkDirty(ctx, doc.ID)
		_ = s.history.DeleteHistory(ctx, doc.ID)
	}
	if _, err := s.docRepo.DeleteWithChat(ctx, doc.ID); err != nil {
		return err
	}
	return nil
}

func (s *DocumentService) allowed(contentType string) bool {
	for _, allowed := range s.policy.AllowedContentTypes {
		if strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

func ownedDocument(ctx context.Context, repo *repository.DocumentRepository, ownerID uint, id string) (*model.Document, error) {
	id = strings.TrimSpace(id)
	if ownerID == 0 || id == "" {
		return nil, ErrInvalidInput
	}
	doc, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if doc.UserID != ownerID {
		return nil, fmt.Errorf("document %s: %w", id, ErrForbidden)
	}
	return doc, nil
}

// resolveContentType strips parameters and falls back to the file extension
// when the client sent nothing useful.
func resolveContentType(declared, filename string) string {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if mediaType != "" && mediaType != "application/octet-stream" {
		return mediaType
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".md" || ext == ".markdown" {
		return "text/markdown"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
			return parsed
		}
	}
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}
