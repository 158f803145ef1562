package app

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"docgate/internal/model"
	"docgate/internal/ragclient"
	"docgate/internal/repository"
	"docgate/internal/testutil"
)

type fakeRAG struct {
	mu sync.Mutex

	uploadResult *ragclient.UploadResult
	uploadErr    error
	uploads      int

	status      *ragclient.RemoteStatus
	statusErr   error
	statusCalls int

	document    *ragclient.RemoteDocument
	documentErr error

	deleteErr error
	deleted   []string

	chunks      []string
	streamErr   error
	chatCalls   int
	lastMessage string
	lastHistory []ragclient.ChatTurn
}

func (f *fakeRAG) Upload(ctx context.Context, data []byte, filename, contentType string) (*ragclient.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.uploadResult, nil
}

func (f *fakeRAG) GetStatus(ctx context.Context, remoteID string) (*ragclient.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	copied := *f.status
	return &copied, nil
}

func (f *fakeRAG) GetDocument(ctx context.Context, remoteID string) (*ragclient.RemoteDocument, error) {
	if f.documentErr != nil {
		return nil, f.documentErr
	}
	copied := *f.document
	return &copied, nil
}

func (f *fakeRAG) Delete(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remoteID)
	return f.deleteErr
}

func (f *fakeRAG) OpenChatStream(ctx context.Context, remoteID, message string, history []ragclient.ChatTurn, onChunk func([]byte) error) error {
	f.mu.Lock()
	f.chatCalls++
	f.lastMessage = message
	f.lastHistory = history
	chunks := f.chunks
	streamErr := f.streamErr
	f.mu.Unlock()

	for _, c := range chunks {
		if err := onChunk([]byte(c)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return streamErr
}

type fakePublisher struct {
	jobs []model.StatusSyncJob
	err  error
}

func (p *fakePublisher) PublishStatusSync(ctx context.Context, job model.StatusSyncJob) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type testEnv struct {
	docRepo     *repository.DocumentRepository
	sessionRepo *repository.ChatSessionRepository
	messageRepo *repository.ChatMessageRepository
	rag         *fakeRAG
	publisher   *fakePublisher
	documents   *DocumentService
	chat        *ChatService
}

func newTestEnv(t *testing.T, history HistoryCache) *testEnv {
	t.Helper()
	db := testutil.NewTestDB(t)
	env := &testEnv{
		docRepo:     repository.NewDocumentRepository(db),
		sessionRepo: repository.NewChatSessionRepository(db),
		messageRepo: repository.NewChatMessageRepository(db),
		rag:         &fakeRAG{},
		publisher:   &fakePublisher{},
	}
	env.documents = NewDocumentService(env.docRepo, env.rag, history, env.publisher, UploadPolicy{
		MaxBytes:            1024,
		AllowedContentTypes: []string{"application/pdf", "text/plain", "text/markdown"},
	}, nil)
	env.chat = NewChatService(env.docRepo, env.sessionRepo, env.messageRepo, env.rag, history, nil)
	return env
}

func (e *testEnv) seedDocument(t *testing.T, ownerID uint, status model.DocumentStatus, remoteID string) *model.Document {
	t.Helper()
	doc := &model.Document{
		ID:          uuid.NewString(),
		UserID:      ownerID,
		Filename:    "notes.txt",
		ContentType: "text/plain",
		SizeBytes:   5,
		Status:      status,
	}
	if remoteID != "" {
		doc.RemoteID = &remoteID
	}
	require.NoError(t, e.docRepo.Create(context.Background(), doc))
	return doc
}

func strPtr(s string) *string { return &s }

func repositoryFields(status model.DocumentStatus, summary string) repository.RemoteFields {
	return repository.RemoteFields{Status: status, Summary: &summary}
}
