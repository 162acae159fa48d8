package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the workspace API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4200"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// FileRecord reflects workspace file payloads.
type FileRecord struct {
	ProjectID    string    `json:"project_id"`
	Path         string    `json:"path"`
	Content      string    `json:"content"`
	IsFolder     bool      `json:"is_folder"`
	LastModified time.Time `json:"last_modified"`
}

// ListFiles fetches the full file list for the project.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]FileRecord, error) {
	path := fmt.Sprintf("/files?project_id=%s", url.QueryEscape(projectID))
	var records []FileRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CreateEntry registers a new file or folder.
func (c *Client) CreateEntry(ctx context.Context, projectID, path, content string, isFolder bool) (FileRecord, error) {
	body := map[string]any{
		"project_id": projectID,
		"path":       path,
		"content":    content,
		"is_folder":  isFolder,
	}
	var record FileRecord
	if err := c.do(ctx, http.MethodPost, "/files", body, &record); err != nil {
		return FileRecord{}, err
	}
	return record, nil
}

// UpdateContent replaces the stored content of an existing file.
func (c *Client) UpdateContent(ctx context.Context, projectID, path, content string) error {
	body := map[string]string{
		"project_id": projectID,
		"path":       path,
		"content":    content,
	}
	return c.do(ctx, http.MethodPut, "/files/content", body, nil)
}

// RenamePath moves oldPath to newPath. The rename is atomic server-side:
// on failure the original path is untouched.
func (c *Client) RenamePath(ctx context.Context, projectID, oldPath, newPath string) error {
	body := map[string]string{
		"project_id": projectID,
		"old_path":   oldPath,
		"new_path":   newPath,
	}
	return c.do(ctx, http.MethodPost, "/files/rename", body, nil)
}

// DeleteEntry removes a path. Folder paths cascade to every descendant.
func (c *Client) DeleteEntry(ctx context.Context, projectID, path string) error {
	target := fmt.Sprintf("/files?project_id=%s&path=%s", url.QueryEscape(projectID), url.QueryEscape(path))
	return c.do(ctx, http.MethodDelete, target, nil, nil)
}

// Deployment reflects workspace deployment payloads.
type Deployment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	BuildLogs   string     `json:"build_logs"`
	LiveURL     string     `json:"live_url"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TriggerDeploy requests a new deployment for the project.
func (c *Client) TriggerDeploy(ctx context.Context, projectID string) (Deployment, error) {
	body := map[string]string{"project_id": projectID}
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", body, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// GetDeployment fetches the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ListDeployments fetches recent deployments, most recent first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]Deployment, error) {
	query := fmt.Sprintf("?project_id=%s", url.QueryEscape(projectID))
	if limit > 0 {
		query += fmt.Sprintf("&limit=%d", limit)
	}
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments"+query, nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// Rollback restores the file snapshot of a successful deployment. The
// caller should re-list files afterwards.
func (c *Client) Rollback(ctx context.Context, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/rollback", url.PathEscape(deploymentID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// Suggest sends buffer content to the suggestion service and returns
// candidate replacements.
func (c *Client) Suggest(ctx context.Context, content string) ([]string, error) {
	var payload struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.do(ctx, http.MethodPost, "/suggestions", map[string]string{"content": content}, &payload); err != nil {
		return nil, err
	}
	return payload.Suggestions, nil
}
