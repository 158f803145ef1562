package ragclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"docgate/internal/metrics"
	"docgate/internal/model"
)

const (
	defaultRequestTimeout = 30 * time.Second
	streamReadBufferSize  = 32 * 1024
	maxErrorBodyBytes     = 64 * 1024
)

// ChatTurn is one prior exchange sent to the engine as context.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UploadResult struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type RemoteStatus struct {
	ID             string               `json:"id"`
	Status         model.DocumentStatus `json:"status"`
	Summary        *string              `json:"summary"`
	Classification *string              `json:"classification"`
	ErrorMessage   *string              `json:"error_message"`
}

type RemoteDocument struct {
	ID             string               `json:"id"`
	Filename       string               `json:"filename,omitempty"`
	ContentType    string               `json:"content_type,omitempty"`
	Status         model.DocumentStatus `json:"status"`
	Summary        *string              `json:"summary"`
	Classification *string              `json:"classification"`
	ErrorMessage   *string              `json:"error_message"`
	CreatedAt      string               `json:"created_at,omitempty"`
	UpdatedAt      string               `json:"updated_at,omitempty"`
}

type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client talks to the RAG engine's REST API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		// Chat streams live as long as the engine keeps talking; the caller's
		// context bounds them instead of a client timeout.
		streamClient: &http.Client{},
	}
}

func (c *Client) Upload(ctx context.Context, data []byte, filename, contentType string) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create multipart part failed: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write multipart body failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer failed: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/documents/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result UploadResult
	if err := c.doJSON(req, "upload", &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, &RemoteServiceError{StatusCode: http.StatusBadGateway, Detail: "rag service returned no document id"}
	}
	return &result, nil
}

func (c *Client) GetStatus(ctx context.Context, remoteID string) (*RemoteStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/documents/"+url.PathEscape(remoteID)+"/status", nil)
	if err != nil {
		return nil, err
	}
	var status RemoteStatus
	if err := c.doJSON(req, "status", &status); err != nil {
		return nil, err
	}
	status.Status = model.NormalizeDocumentStatus(string(status.Status))
	return &status, nil
}

func (c *Client) GetDocument(ctx context.Context, remoteID string) (*RemoteDocument, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/documents/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return nil, err
	}
	var doc RemoteDocument
	if err := c.doJSON(req, "get", &doc); err != nil {
		return nil, err
	}
	doc.Status = model.NormalizeDocumentStatus(string(doc.Status))
	return &doc, nil
}

// Delete removes the engine's copy. A document the engine no longer knows is
// treated as already deleted.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/documents/"+url.PathEscape(remoteID), nil)
	if err != nil {
		return err
	}
	err = c.doJSON(req, "delete", nil)
	var remoteErr *RemoteServiceError
	if errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// OpenChatStream opens one chat exchange and hands every body read to onChunk
// exactly as received. It returns nil once the engine closes the response.
// An error from onChunk or a cancelled ctx stops reading and closes the
// exchange; it is never resumed.
func (c *Client) OpenChatStream(
	ctx context.Context,
	remoteID string,
	message string,
	history []ChatTurn,
	onChunk func(chunk []byte) error,
) error {
	if history == nil {
		history = []ChatTurn{}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"document_id":          remoteID,
		"message":              message,
		"conversation_history": history,
	})
	if err != nil {
		return fmt.Errorf("marshal chat request failed: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return c.transportError(ctx, "chat", start, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		metrics.ObserveRemoteCall("chat", metrics.OutcomeRemoteError, time.Since(start))
		return newRemoteServiceError(resp.StatusCode, raw)
	}

	buf := make([]byte, streamReadBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := onChunk(chunk); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			metrics.ObserveRemoteCall("chat", metrics.OutcomeOK, time.Since(start))
			return nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			metrics.ObserveRemoteCall("chat", metrics.OutcomeUnavailable, time.Since(start))
			return fmt.Errorf("rag chat stream interrupted: %w", readErr)
		}
	}
}

// Ping checks that the engine answers HTTP at all. Any status counts as
// reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, "ping", start, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	metrics.ObserveRemoteCall("ping", metrics.OutcomeOK, time.Since(start))
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build rag request failed: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(req.Context(), op, start, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(req.Context(), op, start, err)
	}
	if resp.StatusCode >= 300 {
		metrics.ObserveRemoteCall(op, metrics.OutcomeRemoteError, time.Since(start))
		return newRemoteServiceError(resp.StatusCode, raw)
	}
	metrics.ObserveRemoteCall(op, metrics.OutcomeOK, time.Since(start))

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RemoteServiceError{StatusCode: http.StatusBadGateway, Detail: "rag service returned an unreadable response"}
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, op string, start time.Time, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	metrics.ObserveRemoteCall(op, metrics.OutcomeUnavailable, time.Since(start))
	return &UnavailableError{Op: op, Err: err}
}

func escapeQuotes(s string) string {
	return strings.NewReplacer("\\", "\\\\", `"`, "\\\"").Replace(s)
}
