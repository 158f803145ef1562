package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"docgate/internal/app"
	"docgate/internal/ragclient"
	"docgate/internal/transport/http/middleware"
	"docgate/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
	logger      *zap.Logger
}

type ChatTurnRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	DocumentID          string            `json:"document_id" binding:"required"`
	Message             string            `json:"message"`
	ConversationHistory []ChatTurnRequest `json:"conversation_history"`
}

func NewChatHandler(chatService *app.ChatService, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{chatService: chatService, logger: logger}
}

// Stream relays the engine's event stream byte for byte. Until the first
// byte is written, failures are ordinary JSON errors; after that they are
// sent as an "error" event on the open stream.
func (h *ChatHandler) Stream(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	history := make([]ragclient.ChatTurn, 0, len(req.ConversationHistory))
	for _, turn := range req.ConversationHistory {
		history = append(history, ragclient.ChatTurn{Role: turn.Role, Content: turn.Content})
	}

	started := false
	startStream := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
		c.Writer.Flush()
	}

	err := h.chatService.StreamChat(c.Request.Context(), userID, app.ChatInput{
		DocumentID: req.DocumentID,
		Message:    req.Message,
		History:    history,
	}, func(chunk []byte) error {
		startStream()
		if _, writeErr := c.Writer.Write(chunk); writeErr != nil {
			return writeErr
		}
		c.Writer.Flush()
		return nil
	})
	if err == nil {
		startStream()
		return
	}

	var streamErr *app.StreamError
	if errors.As(err, &streamErr) {
		startStream()
		h.writeErrorEvent(c, streamErr.Message)
		return
	}
	if started || c.Request.Context().Err() != nil {
		h.logger.Debug("chat client went away",
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
			zap.Error(err),
		)
		return
	}
	writeServiceError(c, err, "chat failed")
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	history, err := h.chatService.GetHistory(c.Request.Context(), userID, c.Param("documentId"))
	if err != nil {
		writeServiceError(c, err, "get history failed")
		return
	}
	response.OK(c, history)
}

func (h *ChatHandler) ClearHistory(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	documentID := c.Param("documentId")
	if err := h.chatService.ClearHistory(c.Request.Context(), userID, documentID); err != nil {
		writeServiceError(c, err, "clear history failed")
		return
	}
	response.OK(c, gin.H{"document_id": documentID, "cleared": true})
}

func (h *ChatHandler) writeErrorEvent(c *gin.Context, message string) {
	payload, _ := json.Marshal(map[string]string{"error": message})
	if _, err := c.Writer.Write([]byte("event: error\ndata: " + string(payload) + "\n\n")); err == nil {
		c.Writer.Flush()
	}
}
