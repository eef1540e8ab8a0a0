package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8000"

// Client provides typed access to the generation, project, deployment and
// template services.
type Client struct {
	baseURL    string
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

// WithTimeout sets the per-request timeout. A client supplied through
// WithHTTPClient is copied first and left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			cp := *c.httpClient
			cp.Timeout = d
			c.httpClient = &cp
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsAPIError reports whether err carries an HTTP-level rejection.
func IsAPIError(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return errors.New("client is nil")
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
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	for _, msg := range []string{payload.Error, payload.Message, payload.Detail} {
		if strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}

// GenerateInput carries the business description used to generate a page.
type GenerateInput struct {
	Name                   string `json:"name"`
	Description            string `json:"description"`
	Industry               string `json:"industry"`
	TargetAudience         string `json:"targetAudience"`
	KeyFeatures            string `json:"keyFeatures"`
	ColorScheme            string `json:"colorScheme"`
	AdditionalRequirements string `json:"additionalRequirements"`
	TemplateID             string `json:"templateId,omitempty"`
}

// GenerateResult is returned once the generation service accepted a project.
type GenerateResult struct {
	Success   bool   `json:"success"`
	ProjectID string `json:"projectId"`
	Error     string `json:"error"`
}

// Generate asks the generation service to build a landing page.
func (c *Client) Generate(ctx context.Context, input GenerateInput) (GenerateResult, error) {
	var resp GenerateResult
	if err := c.do(ctx, http.MethodPost, "/api/generate", input, &resp); err != nil {
		return GenerateResult{}, err
	}
	if !resp.Success || strings.TrimSpace(resp.ProjectID) == "" {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "generation service returned no project"
		}
		return resp, APIError{Status: http.StatusOK, Message: msg}
	}
	return resp, nil
}

// Project is a generated landing page.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Industry    string    `json:"industry"`
	Code        string    `json:"code"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasCode reports whether generated output is available for deployment.
func (p Project) HasCode() bool {
	return strings.TrimSpace(p.Code) != ""
}

// GetProject fetches a generated project by identifier.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	path := fmt.Sprintf("/api/projects/%s", url.PathEscape(projectID))
	var resp struct {
		Project Project `json:"project"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Project{}, err
	}
	return resp.Project, nil
}

// ListProjects returns every generated project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// DeployResult is the deployment service response body.
type DeployResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Error   string `json:"error"`
}

// DeployProject requests deployment of a project to the given platform.
// A 2xx response with success=false is returned without an error; callers
// decide how to classify it.
func (c *Client) DeployProject(ctx context.Context, projectID, platform string) (DeployResult, error) {
	path := fmt.Sprintf("/api/deploy/%s", url.PathEscape(projectID))
	body := map[string]string{"platform": platform}
	var resp DeployResult
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return DeployResult{}, err
	}
	return resp, nil
}

// Template describes a catalog entry.
type Template struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Category    string   `json:"category" yaml:"category"`
	Industry    string   `json:"industry" yaml:"industry"`
	Thumbnail   string   `json:"thumbnail,omitempty" yaml:"thumbnail"`
	Tags        []string `json:"tags" yaml:"tags"`
}

// ListTemplates returns templates for a category; "all" or empty lists every category.
func (c *Client) ListTemplates(ctx context.Context, category string) ([]Template, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		category = "all"
	}
	path := "/api/templates?category=" + url.QueryEscape(category)
	var resp struct {
		Templates []Template `json:"templates"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Templates, nil
}
