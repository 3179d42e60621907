// Package client is the Go consumer of the gateway API: a typed HTTP
// client, an optimistic-update reconciler, and two interchangeable event
// producers (WebSocket and polling) that keep a local task cache
// converged with the server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/basket/taskgate/internal/task"
)

// APIError is the decoded error envelope from the gateway.
type APIError struct {
	StatusCode int
	Message    string            `json:"error"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether the server answered 404. Ownership failures
// surface this way too; the client cannot tell the difference.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Client talks to one taskgate server as one user.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateTask posts a new task and returns the committed record.
func (c *Client) CreateTask(ctx context.Context, ch task.Changes) (*task.Task, error) {
	var created task.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", ch, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateTask patches a task and returns the committed record.
func (c *Client) UpdateTask(ctx context.Context, taskID string, ch task.Changes) (*task.Task, error) {
	var updated task.Task
	if err := c.do(ctx, http.MethodPatch, "/tasks/"+taskID, ch, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil)
}

// ListOptions narrows ListTasks. Zero values mean "no filter".
type ListOptions struct {
	Status   task.Status
	Priority task.Priority
	Query    string
	Page     int
	Limit    int
}

// ListTasks returns one page of the caller's tasks and the total count.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) ([]task.Task, int, error) {
	values := url.Values{}
	if opts.Status != "" {
		values.Set("status", string(opts.Status))
	}
	if opts.Priority != "" {
		values.Set("priority", string(opts.Priority))
	}
	if opts.Query != "" {
		values.Set("q", opts.Query)
	}
	if opts.Page > 0 {
		values.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/tasks"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var listing struct {
		Tasks []task.Task `json:"tasks"`
		Total int         `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &listing); err != nil {
		return nil, 0, err
	}
	return listing.Tasks, listing.Total, nil
}
