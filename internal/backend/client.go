// internal/backend/client.go
// Package backend implements the HTTP client for the ingestion and chat
// backend. Every mutating call carries the caller's operation id in the
// X-Operation-Id header so server-side work can be abandoned on cancel.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/logging"
)

const operationHeader = "X-Operation-Id"

// Client issues requests against one backend base URL.
type Client struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// New constructs a Client configured with the application's backend URL and
// request timeout.
func New(cfg *appconfig.Config) *Client {
	timeout := cfg.RequestTimeout()
	return &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{ForceAttemptHTTP2: false},
		},
		baseURL: strings.TrimRight(cfg.BackendURL, "/"),
		timeout: timeout,
	}
}

// Normalize runs the server-side normalization stage.
func (c *Client) Normalize(ctx context.Context, operationID string, req NormalizeRequest) (NormalizeResult, error) {
	var result NormalizeResult
	err := c.postJSON(ctx, "/api/pipeline/normalize", operationID, req, &result)
	return result, err
}

// Chunk runs the server-side chunking stage.
func (c *Client) Chunk(ctx context.Context, operationID string, req ChunkRequest) (ChunkResult, error) {
	var result ChunkResult
	err := c.postJSON(ctx, "/api/pipeline/chunk", operationID, req, &result)
	return result, err
}

// Contextualize runs the server-side contextualize stage.
func (c *Client) Contextualize(ctx context.Context, operationID string, req ContextualizeRequest) (ContextualizeResult, error) {
	var result ContextualizeResult
	err := c.postJSON(ctx, "/api/pipeline/contextualize", operationID, req, &result)
	return result, err
}

// PreviewAutomatic dry-runs the whole pipeline server-side and returns the
// intermediate results without persisting anything.
func (c *Client) PreviewAutomatic(ctx context.Context, operationID string, req AutomaticRequest) (PreviewResult, error) {
	var result PreviewResult
	err := c.postJSON(ctx, "/api/pipeline/preview", operationID, req, &result)
	return result, err
}

// Ingest persists reviewed chunks under the given project.
func (c *Client) Ingest(ctx context.Context, operationID string, req IngestRequest) (IngestResult, error) {
	var result IngestResult
	err := c.postJSON(ctx, "/api/pipeline/ingest", operationID, req, &result)
	return result, err
}

// IngestAutomatic submits raw text and lets the backend run extract-to-index
// end to end.
func (c *Client) IngestAutomatic(ctx context.Context, operationID string, req AutomaticRequest) (IngestResult, error) {
	var result IngestResult
	err := c.postJSON(ctx, "/api/pipeline/ingest/auto", operationID, req, &result)
	return result, err
}

// CancelOperation tells the backend to abandon work tagged with the given
// operation id. Best effort; callers typically ignore the returned error.
func (c *Client) CancelOperation(ctx context.Context, operationID string) error {
	payload := map[string]string{"operationId": operationID}
	return c.postJSON(ctx, "/api/operations/cancel", operationID, payload, nil)
}

// ChatStream opens a streaming chat exchange and returns the raw event
// stream. The caller owns the returned body and must close it.
func (c *Client) ChatStream(ctx context.Context, operationID string, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/api/chat/stream"
	logging.LogRequest("LOOM->API", "/api/chat/stream", operationID, body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if operationID != "" {
		httpReq.Header.Set(operationHeader, operationID)
	}

	resp, err := c.streamClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusError("/api/chat/stream", resp.Status, detail)
	}
	return resp.Body, nil
}

// ListSessions returns the persisted session directory.
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var records []SessionRecord
	err := c.getJSON(ctx, "/api/sessions", &records)
	return records, err
}

// CreateSession persists a new session record.
func (c *Client) CreateSession(ctx context.Context, record SessionRecord) (SessionRecord, error) {
	var created SessionRecord
	err := c.postJSON(ctx, "/api/sessions", "", record, &created)
	return created, err
}

// GetSession fetches one persisted session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var record SessionRecord
	err := c.getJSON(ctx, "/api/sessions/"+sessionID, &record)
	return record, err
}

// UpdateSession overwrites a persisted session record.
func (c *Client) UpdateSession(ctx context.Context, record SessionRecord) error {
	return c.sendJSON(ctx, http.MethodPut, "/api/sessions/"+record.ID, "", record, nil)
}

// DeleteSession removes a persisted session by id.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/api/sessions/"+sessionID, "", nil, nil)
}

func (c *Client) postJSON(ctx context.Context, path, operationID string, payload, out any) error {
	return c.sendJSON(ctx, http.MethodPost, path, operationID, payload, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.sendJSON(ctx, http.MethodGet, path, "", nil, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path, operationID string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		logging.LogRequest("LOOM->API", path, operationID, body)
		reqBody = bytes.NewReader(body)
	} else {
		logging.LogRequest("LOOM->API", path, operationID, nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if operationID != "" {
		req.Header.Set(operationHeader, operationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	logging.LogRequest("API->LOOM", path, operationID, respBody)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(path, resp.Status, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}

// streamClient clones the configured client without the overall timeout,
// which would otherwise cut long-lived streams short mid-answer. The request
// context still bounds the call.
func (c *Client) streamClient() *http.Client {
	return &http.Client{Transport: c.client.Transport}
}

func statusError(path, status string, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return fmt.Errorf("backend: %s returned %s", path, status)
	}
	return fmt.Errorf("backend: %s returned %s: %s", path, status, detail)
}
