package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docgate/internal/model"
	"docgate/internal/ragclient"
)

func TestUploadStoresPendingDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.rag.uploadResult = &ragclient.UploadResult{ID: "r-1", Message: "queued"}

	result, err := env.documents.Upload(ctx, 7, UploadInput{
		Filename:    "notes.txt",
		ContentType: "text/plain; charset=utf-8",
		Data:        []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", result.RemoteID)
	assert.Equal(t, "queued", result.Message)

	doc, err := env.documents.Get(ctx, 7, result.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusPending, doc.Status)
	assert.Equal(t, "text/plain", doc.ContentType)
	assert.Equal(t, int64(5), doc.SizeBytes)
	require.NotNil(t, doc.RemoteID)
	assert.Equal(t, "r-1", *doc.RemoteID)

	require.Len(t, env.publisher.jobs, 1)
	assert.Equal(t, result.ID, env.publisher.jobs[0].DocumentID)
}

func TestUploadRemoteFailureLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.rag.uploadErr = &ragclient.RemoteServiceError{StatusCode: http.StatusBadRequest, Detail: "unsupported"}

	_, err := env.documents.Upload(ctx, 7, UploadInput{Filename: "a.txt", ContentType: "text/plain", Data: []byte("x")})
	var remoteErr *ragclient.RemoteServiceError
	require.True(t, errors.As(err, &remoteErr))

	docs, err := env.documents.List(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Empty(t, env.publisher.jobs)
}

func TestUploadValidation(t *testing.T) {
	tests := []struct {
		name  string
		input UploadInput
	}{
		{name: "empty file", input: UploadInput{Filename: "a.txt", ContentType: "text/plain"}},
		{name: "too large", input: UploadInput{Filename: "a.txt", ContentType: "text/plain", Data: make([]byte, 2048)}},
		{name: "type not allowed", input: UploadInput{Filename: "a.png", ContentType: "image/png", Data: []byte("png")}},
		{name: "broken pdf", input: UploadInput{Filename: "a.pdf", ContentType: "application/pdf", Data: []byte("not a pdf")}},
		{name: "no filename", input: UploadInput{ContentType: "text/plain", Data: []byte("x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			_, err := env.documents.Upload(context.Background(), 7, tt.input)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Zero(t, env.rag.uploads)
		})
	}
}

func TestUploadInfersMarkdownFromExtension(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rag.uploadResult = &ragclient.UploadResult{ID: "r-md"}

	result, err := env.documents.Upload(context.Background(), 7, UploadInput{
		Filename:    "README.md",
		ContentType: "application/octet-stream",
		Data:        []byte("# title"),
	})
	require.NoError(t, err)

	doc, err := env.documents.Get(context.Background(), 7, result.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", doc.ContentType)
}

func TestGetChecksOwnership(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusPending, "")

	_, err := env.documents.Get(ctx, 2, doc.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.documents.Get(ctx, 1, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatusWithoutRemoteMakesNoCall(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusFailed, "")

	got, err := env.documents.GetStatus(context.Background(), 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Zero(t, env.rag.statusCalls)
}

func TestGetStatusWritesThroughOnChange(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusPending, "r-1")
	env.rag.status = &ragclient.RemoteStatus{
		ID:      "r-1",
		Status:  model.DocumentStatusCompleted,
		Summary: strPtr("a summary"),
	}

	first, err := env.documents.GetStatus(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusCompleted, first.Status)
	assert.Equal(t, "a summary", *first.Summary)

	stored, err := env.docRepo.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusCompleted, stored.Status)
	require.NotNil(t, stored.Summary)

	// Same answer again leaves the record as it is.
	second, err := env.documents.GetStatus(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	again, err := env.docRepo.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, 2, env.rag.statusCalls)
}

func TestGetStatusRemoteFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusProcessing, "r-1")
	env.rag.statusErr = &ragclient.UnavailableError{Op: "status", Err: errors.New("dial tcp")}

	_, err := env.documents.GetStatus(context.Background(), 1, doc.ID)
	assert.ErrorIs(t, err, ragclient.ErrRemoteUnavailable)
}

func TestRefreshStatusMissingDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.documents.RefreshStatus(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncOverwritesRemoteFields(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	require.NoError(t, env.docRepo.UpdateRemoteFields(ctx, doc.ID, repositoryFields(model.DocumentStatusCompleted, "old")))

	env.rag.document = &ragclient.RemoteDocument{
		ID:             "r-1",
		Status:         model.DocumentStatusCompleted,
		Summary:        strPtr("new"),
		Classification: strPtr("report"),
	}

	got, err := env.documents.Sync(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", *got.Summary)

	stored, err := env.docRepo.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", *stored.Summary)
	assert.Equal(t, "report", *stored.Classification)
}

func TestSyncWithoutRemoteIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusPending, "")

	_, err := env.documents.Sync(context.Background(), 1, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSurvivesRemoteFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	_, err := env.chat.AppendMessage(ctx, doc.ID, model.RoleUser, "hi", nil)
	require.NoError(t, err)
	env.rag.deleteErr = &ragclient.UnavailableError{Op: "delete", Err: errors.New("refused")}

	require.NoError(t, env.documents.Delete(ctx, 1, doc.ID))
	assert.Equal(t, []string{"r-1"}, env.rag.deleted)

	stored, err := env.docRepo.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	session, err := env.sessionRepo.GetByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestDeleteOtherOwnersDocument(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	assert.ErrorIs(t, env.documents.Delete(context.Background(), 2, doc.ID), ErrForbidden)
	assert.Empty(t, env.rag.deleted)
}
