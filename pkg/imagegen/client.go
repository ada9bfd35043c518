// Package imagegen talks to the remote grid-image task API.
package imagegen

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

	"storyboard/pkg/grid"
	"storyboard/pkg/schema"
)

// Client implements grid.TaskClient.
//
//	POST {base}/tasks          -> {"task_code": "..."}
//	GET  {base}/tasks/{code}   -> {"status": "PENDING|SUCCESS|FAILED", "image_urls": [...], "failure_reason": "..."}
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

var _ grid.TaskClient = (*Client)(nil)

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type createResponse struct {
	TaskCode string `json:"task_code"`
}

type statusResponse struct {
	Status        grid.Status `json:"status"`
	ImageURLs     []string    `json:"image_urls"`
	FailureReason string      `json:"failure_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) Create(ctx context.Context, req grid.TaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	return out.TaskCode, nil
}

// Check makes exactly one status request. Retrying transient errors is left to the caller's
// polling loop.
func (c *Client) Check(ctx context.Context, taskCode string) (grid.TaskResult, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskCode), nil, &out); err != nil {
		return grid.TaskResult{}, err
	}
	switch out.Status {
	case grid.StatusPending, grid.StatusSuccess, grid.StatusFailed:
	case "":
		out.Status = grid.StatusPending
	default:
		return grid.TaskResult{}, fmt.Errorf("unknown task status %q", out.Status)
	}
	return grid.TaskResult{Status: out.Status, ImageURLs: out.ImageURLs, FailureReason: out.FailureReason}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// StatusError is a non-2xx answer that is neither an auth nor a quota failure.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image api: %d %s", e.Code, e.Message)
}

func statusError(code int, body []byte) error {
	var a apiError
	_ = json.Unmarshal(body, &a)
	msg := a.Message
	if msg == "" {
		msg = a.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", schema.ErrUnauthorized, msg)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", schema.ErrInsufficientBalance, msg)
	}
	if strings.Contains(strings.ToLower(msg), "insufficient balance") {
		return fmt.Errorf("%w: %s", schema.ErrInsufficientBalance, msg)
	}
	return &StatusError{Code: code, Message: msg}
}
