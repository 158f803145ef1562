package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docgate/internal/cache"
	"docgate/internal/metrics"
	"docgate/internal/model"
	"docgate/internal/ragclient"
	"docgate/internal/repository"
)

type HistoryCache interface {
	GetHistory(ctx context.Context, documentID string) (*cache.CachedHistory, bool, error)
	SetHistory(ctx context.Context, documentID string, history cache.CachedHistory) error
	DeleteHistory(ctx context.Context, documentID string) error
	MarkDirty(ctx context.Context, documentID string) error
	IsDirty(ctx context.Context, documentID string) (bool, error)
}

type ChatService struct {
	docRepo      *repository.DocumentRepository
	sessionRepo  *repository.ChatSessionRepository
	messageRepo  *repository.ChatMessageRepository
	rag          RAGEngine
	historyCache HistoryCache
	logger       *zap.Logger
}

// ChatInput is one user turn. History is what the client believes the
// conversation to be; the stored log is used instead.
type ChatInput struct {
	DocumentID string
	Message    string
	History    []ragclient.ChatTurn
}

type HistoryResult struct {
	SessionID  string              `json:"session_id"`
	DocumentID string              `json:"document_id"`
	Messages   []model.ChatMessage `json:"messages"`
}

// errClientWrite marks a failure to hand a chunk to the caller, as opposed to
// a failure on the engine side.
var errClientWrite = errors.New("chat client write failed")

func NewChatService(
	docRepo *repository.DocumentRepository,
	sessionRepo *repository.ChatSessionRepository,
	messageRepo *repository.ChatMessageRepository,
	rag RAGEngine,
	historyCache HistoryCache,
	logger *zap.Logger,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		docRepo:      docRepo,
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		rag:          rag,
		historyCache: historyCache,
		logger:       logger,
	}
}

// GetOrCreateSession returns the document's session, creating it on first
// use. When two callers race, the loser re-reads and gets the winner's row.
func (s *ChatService) GetOrCreateSession(ctx context.Context, documentID string) (*model.ChatSession, error) {
	session, err := s.sessionRepo.GetByDocumentID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	session = &model.ChatSession{ID: uuid.NewString(), DocumentID: documentID}
	createErr := s.sessionRepo.Create(ctx, session)
	if createErr == nil {
		return session, nil
	}

	survivor, err := s.sessionRepo.GetByDocumentID(ctx, documentID)
	if err != nil || survivor == nil {
		return nil, createErr
	}
	return survivor, nil
}

func (s *ChatService) GetHistory(ctx context.Context, ownerID uint, documentID string) (*HistoryResult, error) {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, documentID)
	if err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, doc.ID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, doc.ID); cacheErr == nil && hit {
				return &HistoryResult{SessionID: cached.SessionID, DocumentID: doc.ID, Messages: cached.Messages}, nil
			}
		}
	}

	result := &HistoryResult{DocumentID: doc.ID, Messages: []model.ChatMessage{}}
	session, err := s.sessionRepo.GetByDocumentID(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		messages, err := s.messageRepo.ListBySessionID(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		result.SessionID = session.ID
		result.Messages = messages
	}

	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, doc.ID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, doc.ID, cache.CachedHistory{SessionID: result.SessionID, Messages: result.Messages})
		}
	}
	return result, nil
}

// ClearHistory drops the session and all its messages. A document without a
// session is left as is.
func (s *ChatService) ClearHistory(ctx context.Context, ownerID uint, documentID string) error {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, documentID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, doc.ID)
	if _, err := s.sessionRepo.DeleteByDocumentID(ctx, doc.ID); err != nil {
		return err
	}
	return nil
}

func (s *ChatService) AppendMessage(ctx context.Context, documentID, role, content string, chunkIDs []string) (*model.ChatMessage, error) {
	if role != model.RoleUser && role != model.RoleAssistant {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	session, err := s.GetOrCreateSession(ctx, documentID)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, documentID)
	message := &model.ChatMessage{
		SessionID: session.ID,
		Role:      role,
		Content:   content,
		ChunkIDs:  chunkIDs,
	}
	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}
	if err := s.sessionRepo.Touch(ctx, session.ID); err != nil {
		s.logger.Warn("touch chat session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return message, nil
}

// StreamChat runs one chat turn against the engine. Every chunk the engine
// sends is passed to onChunk unchanged. Errors returned before the user
// message is stored are plain sentinel errors; later engine failures come
// back as *StreamError. If the caller goes away nothing more is stored.
func (s *ChatService) StreamChat(ctx context.Context, ownerID uint, input ChatInput, onChunk func([]byte) error) error {
	doc, err := ownedDocument(ctx, s.docRepo, ownerID, input.DocumentID)
	if err != nil {
		return err
	}
	if doc.Status != model.DocumentStatusCompleted {
		return fmt.Errorf("%w: document not ready", ErrInvalidState)
	}
	if !doc.HasRemote() {
		return fmt.Errorf("%w: document has no remote reference", ErrInvalidState)
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}

	userMessage, err := s.AppendMessage(ctx, doc.ID, model.RoleUser, message, nil)
	if err != nil {
		return err
	}

	turns, err := s.priorTurns(ctx, userMessage.SessionID)
	if err != nil {
		return err
	}

	acc := &chatAccumulator{}
	streamErr := s.rag.OpenChatStream(ctx, *doc.RemoteID, message, turns, func(chunk []byte) error {
		if err := onChunk(chunk); err != nil {
			return fmt.Errorf("%w: %v", errClientWrite, err)
		}
		metrics.AddStreamBytes(len(chunk))
		acc.Feed(chunk)
		return nil
	})

	if streamErr != nil {
		if errors.Is(streamErr, errClientWrite) || ctx.Err() != nil {
			metrics.ObserveChatStream(metrics.StreamCancelled)
			return streamErr
		}
		metrics.ObserveChatStream(metrics.StreamFailed)
		s.logger.Warn("chat stream failed", zap.String("document_id", doc.ID), zap.Error(streamErr))
		return newStreamError(streamErr)
	}

	acc.Finish()
	content := acc.Content()
	if content == "" {
		metrics.ObserveChatStream(metrics.StreamNoContent)
		return nil
	}

	// The reply is complete; keep it even if the caller leaves right now.
	if _, err := s.AppendMessage(context.WithoutCancel(ctx), doc.ID, model.RoleAssistant, content, acc.ChunkIDs()); err != nil {
		metrics.ObserveChatStream(metrics.StreamFailed)
		return &StreamError{Message: "failed to save assistant reply", Err: err}
	}
	metrics.ObserveChatStream(metrics.StreamCompleted)
	return nil
}

// priorTurns loads the stored log and drops its newest entry, which is the
// message being sent right now.
func (s *ChatService) priorTurns(ctx context.Context, sessionID string) ([]ragclient.ChatTurn, error) {
	messages, err := s.messageRepo.ListBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) > 0 {
		messages = messages[:len(messages)-1]
	}
	turns := make([]ragclient.ChatTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, ragclient.ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (s *ChatService) invalidate(ctx context.Context, documentID string) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.MarkDirty(ctx, documentID)
	_ = s.historyCache.DeleteHistory(ctx, documentID)
}
