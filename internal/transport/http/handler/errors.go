package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docgate/internal/app"
	"docgate/internal/ragclient"
	"docgate/internal/transport/http/middleware"
	"docgate/internal/transport/http/response"
)

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Anything unrecognised is reported as fallback without internal detail.
func writeServiceError(c *gin.Context, err error, fallback string) {
	var remoteErr *ragclient.RemoteServiceError
	switch {
	case errors.Is(err, app.ErrInvalidInput), errors.Is(err, app.ErrValidation):
		response.Error(c, http.StatusBadRequest, response.CodeValidation, err.Error())
	case errors.Is(err, app.ErrNotFound):
		response.Error(c, http.StatusNotFound, response.CodeNotFound, err.Error())
	case errors.Is(err, app.ErrForbidden):
		response.Error(c, http.StatusForbidden, response.CodeForbidden, err.Error())
	case errors.Is(err, app.ErrInvalidState):
		response.Error(c, http.StatusConflict, response.CodeInvalidState, err.Error())
	case errors.As(err, &remoteErr):
		status := remoteErr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusBadGateway
		}
		response.Error(c, status, response.CodeRemoteError, remoteErr.Detail)
	case errors.Is(err, ragclient.ErrRemoteUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeRemoteUnavailable, ragclient.ErrRemoteUnavailable.Error())
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok && userID != 0
}
