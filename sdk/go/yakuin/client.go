package yakuin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Yakuin server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the admin, operator, or reader key exchanged for a JWT.
	// The key's role decides which methods succeed.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Agent runs can take several model round-trips; raise it for RunAgent.
	Timeout time.Duration
}

// Client is an HTTP client for the Yakuin API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("yakuin: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("yakuin: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// CreateAgent registers a new agent and grants its data permissions. Admin only.
func (c *Client) CreateAgent(ctx context.Context, spec AgentSpec) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, "/v1/agents", spec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAgents returns agents ordered by name. An empty status lists all.
func (c *Client) ListAgents(ctx context.Context, status string) ([]Agent, error) {
	path := "/v1/agents"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp []Agent
	if _, err := c.getList(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetAgent retrieves an agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.get(ctx, agentPath(agentID, ""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAgent replaces an agent's spec. The spec name must match. Admin only.
func (c *Client) UpdateAgent(ctx context.Context, agentID uuid.UUID, spec AgentSpec) (*Agent, error) {
	var resp Agent
	if err := c.put(ctx, agentPath(agentID, ""), spec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAgent deactivates an agent. History is kept. Admin only.
func (c *Client) DeleteAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.doDelete(ctx, agentPath(agentID, ""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeployAgent marks an agent deployed. Admin only.
func (c *Client) DeployAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var resp Agent
	if err := c.post(ctx, agentPath(agentID, "/deploy"), struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Executions
// ---------------------------------------------------------------------------

// RunAgent executes an agent synchronously. A run that fails inside the
// engine still returns a result with Status "failed"; errors are reserved
// for runs that never started (IsConflict for a busy agent, IsInvalidInput
// for an inactive one).
func (c *Client) RunAgent(ctx context.Context, agentID uuid.UUID, req RunRequest) (*ExecutionResult, error) {
	var resp ExecutionResult
	if err := c.post(ctx, agentPath(agentID, "/run"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListExecutions returns one page of an agent's executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, agentID uuid.UUID, limit, offset int) (*ExecutionsPage, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := agentPath(agentID, "/executions")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var execs []Execution
	page, err := c.getList(ctx, path, &execs)
	if err != nil {
		return nil, err
	}
	return &ExecutionsPage{Executions: execs, Total: page.total(), HasMore: page.HasMore}, nil
}

// ListAllExecutions returns one page of executions across agents, newest
// first. A non-nil agentID narrows it to one agent.
func (c *Client) ListAllExecutions(ctx context.Context, agentID *uuid.UUID, limit, offset int) (*ExecutionsPage, error) {
	params := url.Values{}
	if agentID != nil {
		params.Set("agent_id", agentID.String())
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/executions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var execs []Execution
	page, err := c.getList(ctx, path, &execs)
	if err != nil {
		return nil, err
	}
	return &ExecutionsPage{Executions: execs, Total: page.total(), HasMore: page.HasMore}, nil
}

// GetArtifact retrieves one artifact.
func (c *Client) GetArtifact(ctx context.Context, artifactID uuid.UUID) (*Artifact, error) {
	var resp Artifact
	if err := c.get(ctx, "/v1/artifacts/"+artifactID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetExecution retrieves an execution with its tool calls and artifacts.
func (c *Client) GetExecution(ctx context.Context, executionID uuid.UUID) (*ExecutionDetail, error) {
	var resp ExecutionDetail
	if err := c.get(ctx, "/v1/executions/"+executionID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// ListMemory returns up to limit memories of an agent, newest first.
func (c *Client) ListMemory(ctx context.Context, agentID uuid.UUID, limit int) ([]Memory, error) {
	path := agentPath(agentID, "/memory")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Memory
	if _, err := c.getList(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AppendMemory stores one memory row. An empty memoryType stores a fact.
func (c *Client) AppendMemory(ctx context.Context, agentID uuid.UUID, content, memoryType string) (*Memory, error) {
	body := map[string]string{"content": content}
	if memoryType != "" {
		body["memory_type"] = memoryType
	}
	var resp Memory
	if err := c.post(ctx, agentPath(agentID, "/memory"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompactMemory summarizes the oldest half of an agent's memory once it holds
// more than maxEntries rows. maxEntries <= 0 uses the server's default.
func (c *Client) CompactMemory(ctx context.Context, agentID uuid.UUID, maxEntries int) (*CompactResult, error) {
	var body any
	if maxEntries > 0 {
		body = map[string]int{"max_entries": maxEntries}
	}
	var resp CompactResult
	if err := c.post(ctx, agentPath(agentID, "/memory/compact"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Permissions
// ---------------------------------------------------------------------------

// ListGrants returns the permissions an agent holds.
func (c *Client) ListGrants(ctx context.Context, agentID uuid.UUID) ([]Grant, error) {
	var resp []Grant
	if _, err := c.getList(ctx, agentPath(agentID, "/grants"), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CreateGrant grants read access to one resource. Granting twice is a no-op
// that returns the existing grant. Admin only.
func (c *Client) CreateGrant(ctx context.Context, agentID uuid.UUID, req CreateGrantRequest) (*Grant, error) {
	var resp Grant
	if err := c.post(ctx, agentPath(agentID, "/grants"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AccessLog returns the most recent permission checks made for an agent.
func (c *Client) AccessLog(ctx context.Context, agentID uuid.UUID, limit int) ([]AccessLogEntry, error) {
	path := agentPath(agentID, "/access-log")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []AccessLogEntry
	if _, err := c.getList(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Ingest and nightly
// ---------------------------------------------------------------------------

// IngestChunks stores pre-chunked text in namespace for file_search.
func (c *Client) IngestChunks(ctx context.Context, namespace string, req IngestRequest) (*IngestResult, error) {
	var resp IngestResult
	if err := c.post(ctx, "/v1/namespaces/"+url.PathEscape(namespace)+"/chunks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListFiles lists ingested files, newest first. An empty namespace lists
// every namespace.
func (c *Client) ListFiles(ctx context.Context, namespace string) ([]FileSummary, error) {
	path := "/v1/files"
	if namespace != "" {
		path += "?" + url.Values{"namespace": {namespace}}.Encode()
	}
	var resp []FileSummary
	if _, err := c.getList(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FileStatus reports chunk and embedding counts for one file.
func (c *Client) FileStatus(ctx context.Context, fileID uuid.UUID) (*FileSummary, error) {
	var resp FileSummary
	if err := c.get(ctx, "/v1/files/"+fileID.String()+"/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Search runs file_search with the named agent's grants.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var resp SearchResult
	if err := c.post(ctx, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunNightly runs the CFO, COO, and CTO reports and the CEO brief now.
func (c *Client) RunNightly(ctx context.Context) (*NightlyResult, error) {
	var resp NightlyResult
	if err := c.post(ctx, "/v1/nightly/run", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
// A 503 still decodes so callers can see which dependency is down.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.getNoAuth(ctx, "/health", &resp)
	if err != nil && !statusIs(err, http.StatusServiceUnavailable) {
		return nil, err
	}
	return &resp, err
}

// Role returns the role of the current token, fetching one if needed.
func (c *Client) Role(ctx context.Context) (string, error) {
	if _, err := c.tokenMgr.getToken(ctx); err != nil {
		return "", err
	}
	c.tokenMgr.mu.Lock()
	defer c.tokenMgr.mu.Unlock()
	return c.tokenMgr.role, nil
}

func agentPath(agentID uuid.UUID, suffix string) string {
	return "/v1/agents/" + agentID.String() + suffix
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	HasMore bool            `json:"has_more"`
}

func (l listEnvelope) total() int {
	if l.Total == nil {
		return 0
	}
	return *l.Total
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("yakuin: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("yakuin: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	raw, err := c.doRequest(ctx, req)
	if err != nil {
		return err
	}
	return decodeData(raw, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("yakuin: create request: %w", err)
	}

	raw, err := c.doRequest(ctx, req)
	if err != nil {
		return err
	}
	return decodeData(raw, dest)
}

func (c *Client) getList(ctx context.Context, path string, dest any) (listEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return listEnvelope{}, fmt.Errorf("yakuin: create request: %w", err)
	}

	raw, err := c.doRequest(ctx, req)
	if err != nil {
		return listEnvelope{}, err
	}
	var env listEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return listEnvelope{}, fmt.Errorf("yakuin: decode list envelope: %w", err)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dest); err != nil {
			return listEnvelope{}, fmt.Errorf("yakuin: decode list: %w", err)
		}
	}
	return env, nil
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("yakuin: create request: %w", err)
	}

	raw, err := c.doRequest(ctx, req)
	if err != nil {
		return err
	}
	return decodeData(raw, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("yakuin: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("yakuin: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("yakuin: read response body: %w", err)
	}
	if decErr := decodeData(raw, dest); decErr != nil && resp.StatusCode < 400 {
		return decErr
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	return nil
}

// doRequest sends req with a bearer token and returns the body of a
// successful response. A 401 on a cached token refreshes it once, which
// covers a server restarted with new signing keys.
func (c *Client) doRequest(ctx context.Context, req *http.Request) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("yakuin: %s %s: %w", req.Method, req.URL.Path, err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("yakuin: read response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokenMgr.invalidate()
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("yakuin: rewind request body: %w", err)
				}
				req.Body = body
			}
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, raw)
		}
		return raw, nil
	}
}

// decodeData unwraps the server's { "data": ... } envelope into dest.
func decodeData(raw []byte, dest any) error {
	if dest == nil || len(raw) == 0 {
		return nil
	}
	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("yakuin: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
