package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docgate/internal/cache"
	"docgate/internal/model"
	"docgate/internal/ragclient"
)

func collect(received *[][]byte) func([]byte) error {
	return func(chunk []byte) error {
		*received = append(*received, chunk)
		return nil
	}
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, err := env.chat.GetOrCreateSession(ctx, doc.ID)
			errs[i] = err
			if session != nil {
				ids[i] = session.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	stored, err := env.sessionRepo.GetByDocumentID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[0], stored.ID)
}

func TestGetHistoryWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	result, err := env.chat.GetHistory(context.Background(), 1, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, result.SessionID)
	assert.Equal(t, doc.ID, result.DocumentID)
	assert.NotNil(t, result.Messages)
	assert.Empty(t, result.Messages)
}

func TestGetHistoryOrderAndAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	for _, content := range []string{"M1", "M2", "M3"} {
		_, err := env.chat.AppendMessage(ctx, doc.ID, model.RoleUser, content, nil)
		require.NoError(t, err)
	}

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 3)
	assert.Equal(t, "M1", result.Messages[0].Content)
	assert.Equal(t, "M3", result.Messages[2].Content)

	_, err = env.chat.GetHistory(ctx, 2, doc.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAppendMessageRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.chat.AppendMessage(context.Background(), "doc", "system", "x", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClearHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	// Nothing to clear yet.
	require.NoError(t, env.chat.ClearHistory(ctx, 1, doc.ID))

	_, err := env.chat.AppendMessage(ctx, doc.ID, model.RoleUser, "hi", nil)
	require.NoError(t, err)
	require.NoError(t, env.chat.ClearHistory(ctx, 1, doc.ID))

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, result.SessionID)
	assert.Empty(t, result.Messages)

	assert.ErrorIs(t, env.chat.ClearHistory(ctx, 2, doc.ID), ErrForbidden)
}

func TestHistoryCacheInvalidatedOnAppend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	historyCache := cache.NewHistoryCache(client, time.Minute, time.Second)

	env := newTestEnv(t, historyCache)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")

	_, err := env.chat.AppendMessage(ctx, doc.ID, model.RoleUser, "first", nil)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	_, hit, err := historyCache.GetHistory(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, hit)

	_, err = env.chat.AppendMessage(ctx, doc.ID, model.RoleAssistant, "second", []string{"c1"})
	require.NoError(t, err)

	result, err = env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, []string{"c1"}, []string(result.Messages[1].ChunkIDs))
}

func TestStreamChatForwardsChunksUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{
		"data: {\"content\":\"Hel\"}\n",
		"\ndata: {\"content\":\"lo\",\"chunk_ids\":[\"a\",\"b\"]}\n\n",
		"data: [DONE]\n\n",
	}

	var received [][]byte
	require.NoError(t, env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, collect(&received)))

	require.Len(t, received, 3)
	for i, chunk := range env.rag.chunks {
		assert.Equal(t, chunk, string(received[i]))
	}

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, model.RoleUser, result.Messages[0].Role)
	assert.Equal(t, "hi", result.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, result.Messages[1].Role)
	assert.Equal(t, "Hello", result.Messages[1].Content)
	assert.Equal(t, []string{"a", "b"}, []string(result.Messages[1].ChunkIDs))
}

func TestStreamChatSendsStoredHistoryWithoutCurrentMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	_, err := env.chat.AppendMessage(ctx, doc.ID, model.RoleUser, "earlier question", nil)
	require.NoError(t, err)
	_, err = env.chat.AppendMessage(ctx, doc.ID, model.RoleAssistant, "earlier answer", nil)
	require.NoError(t, err)

	var received [][]byte
	err = env.chat.StreamChat(ctx, 1, ChatInput{
		DocumentID: doc.ID,
		Message:    "  follow up  ",
		History:    []ragclient.ChatTurn{{Role: model.RoleUser, Content: "client supplied"}},
	}, collect(&received))
	require.NoError(t, err)

	assert.Equal(t, "follow up", env.rag.lastMessage)
	assert.Equal(t, []ragclient.ChatTurn{
		{Role: model.RoleUser, Content: "earlier question"},
		{Role: model.RoleAssistant, Content: "earlier answer"},
	}, env.rag.lastHistory)
}

func TestStreamChatToleratesMalformedLines(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{"data: {broken\n\n", "data: {\"content\":\"ok\"}\n\n"}

	var received [][]byte
	require.NoError(t, env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, collect(&received)))

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "ok", result.Messages[1].Content)
}

func TestStreamChatEmptyReplyStoresOnlyUserMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{"data: [DONE]\n\n"}

	var received [][]byte
	require.NoError(t, env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, collect(&received)))

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, model.RoleUser, result.Messages[0].Role)
}

func TestStreamChatRejectsBeforeAnySideEffect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	pending := env.seedDocument(t, 1, model.DocumentStatusPending, "r-1")
	noRemote := env.seedDocument(t, 1, model.DocumentStatusCompleted, "")
	ready := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-2")

	tests := []struct {
		name    string
		ownerID uint
		input   ChatInput
		want    error
	}{
		{name: "not ready", ownerID: 1, input: ChatInput{DocumentID: pending.ID, Message: "hi"}, want: ErrInvalidState},
		{name: "no remote", ownerID: 1, input: ChatInput{DocumentID: noRemote.ID, Message: "hi"}, want: ErrInvalidState},
		{name: "other owner", ownerID: 2, input: ChatInput{DocumentID: ready.ID, Message: "hi"}, want: ErrForbidden},
		{name: "unknown document", ownerID: 1, input: ChatInput{DocumentID: "missing", Message: "hi"}, want: ErrNotFound},
		{name: "blank message", ownerID: 1, input: ChatInput{DocumentID: ready.ID, Message: "   "}, want: ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.chat.StreamChat(ctx, tt.ownerID, tt.input, func([]byte) error { return nil })
			assert.ErrorIs(t, err, tt.want)
			var streamErr *StreamError
			assert.False(t, errors.As(err, &streamErr))

			session, err := env.sessionRepo.GetByDocumentID(ctx, tt.input.DocumentID)
			require.NoError(t, err)
			assert.Nil(t, session)
		})
	}
	assert.Zero(t, env.rag.chatCalls)
}

func TestStreamChatRemoteErrorIsStreamError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.streamErr = &ragclient.RemoteServiceError{StatusCode: http.StatusBadRequest, Detail: "Document not ready"}

	var received [][]byte
	err := env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, collect(&received))
	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "Document not ready", streamErr.Message)

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, model.RoleUser, result.Messages[0].Role)
}

func TestStreamChatMidStreamFailureDropsPartialReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{"data: {\"content\":\"partial\"}\n\n"}
	env.rag.streamErr = &ragclient.UnavailableError{Op: "chat", Err: errors.New("connection reset")}

	var received [][]byte
	err := env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, collect(&received))
	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, ragclient.ErrRemoteUnavailable.Error(), streamErr.Message)
	assert.Len(t, received, 1)

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Len(t, result.Messages, 1)
}

func TestStreamChatCancelledStoresNoReply(t *testing.T) {
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{"data: {\"content\":\"a\"}\n\n", "data: {\"content\":\"b\"}\n\n"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	err := env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, func([]byte) error {
		calls++
		cancel()
		return nil
	})
	require.Error(t, err)
	var streamErr *StreamError
	assert.False(t, errors.As(err, &streamErr))
	assert.Equal(t, 1, calls)

	result, err := env.chat.GetHistory(context.Background(), 1, doc.ID)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, model.RoleUser, result.Messages[0].Role)
}

func TestStreamChatClientWriteFailureStoresNoReply(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	doc := env.seedDocument(t, 1, model.DocumentStatusCompleted, "r-1")
	env.rag.chunks = []string{"data: {\"content\":\"a\"}\n\n"}

	err := env.chat.StreamChat(ctx, 1, ChatInput{DocumentID: doc.ID, Message: "hi"}, func([]byte) error {
		return errors.New("broken pipe")
	})
	require.Error(t, err)
	var streamErr *StreamError
	assert.False(t, errors.As(err, &streamErr))

	result, err := env.chat.GetHistory(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Len(t, result.Messages, 1)
}
