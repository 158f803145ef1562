package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"docgate/internal/app"
	"docgate/internal/model"
	"docgate/internal/transport/http/response"
)

// multipartOverhead is the room left for form boundaries and headers on top
// of the file itself.
const multipartOverhead = 1 << 20

type DocumentHandler struct {
	documentService *app.DocumentService
	maxUploadBytes  int64
}

type documentStatusView struct {
	ID             string               `json:"id"`
	Status         model.DocumentStatus `json:"status"`
	Summary        *string              `json:"summary"`
	Classification *string              `json:"classification"`
	ErrorMessage   *string              `json:"error_message"`
}

func NewDocumentHandler(documentService *app.DocumentService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{documentService: documentService, maxUploadBytes: maxUploadBytes}
}

// Upload accepts a multipart form with the document in "file".
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file or request too large")
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusBadRequest, response.CodeValidation, fmt.Sprintf("file too large (max %d bytes)", h.maxUploadBytes))
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to open file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUploadBytes+1))
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "failed to read file")
		return
	}

	result, err := h.documentService.Upload(c.Request.Context(), userID, app.UploadInput{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeServiceError(c, err, "upload document failed")
		return
	}
	response.OK(c, result)
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	docs, err := h.documentService.List(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	doc, err := h.documentService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "get document failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Status(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	doc, err := h.documentService.GetStatus(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "get document status failed")
		return
	}
	response.OK(c, documentStatusView{
		ID:             doc.ID,
		Status:         doc.Status,
		Summary:        doc.Summary,
		Classification: doc.Classification,
		ErrorMessage:   doc.ErrorMessage,
	})
}

func (h *DocumentHandler) Sync(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	doc, err := h.documentService.Sync(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "sync document failed")
		return
	}
	response.OK(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id := c.Param("id")
	if err := h.documentService.Delete(c.Request.Context(), userID, id); err != nil {
		writeServiceError(c, err, "delete document failed")
		return
	}
	response.OK(c, gin.H{"deleted_document_id": id})
}
