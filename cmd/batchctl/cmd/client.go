package cmd

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

	"batchrunner/pkg/api"
)

// TaskClient handles API calls to the batchrunner controller.
type TaskClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewTaskClient creates a new client with the given base URL and token.
func NewTaskClient(baseURL, token string) *TaskClient {
	return &TaskClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// SubmitTask sends POST /tasks.
func (c *TaskClient) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (*api.SubmitTaskResponse, error) {
	var result api.SubmitTaskResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &result, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTask sends GET /tasks/{id}.
func (c *TaskClient) GetTask(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	var result api.TaskResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLogs sends GET /tasks/{id}/logs for the lines after afterID.
func (c *TaskClient) GetLogs(ctx context.Context, taskID string, afterID int64) ([]api.LogEntry, error) {
	path := fmt.Sprintf("/tasks/%s/logs?after_id=%d", url.PathEscape(taskID), afterID)
	var result api.GetLogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// KillTask sends POST /tasks/{id}/kill.
func (c *TaskClient) KillTask(ctx context.Context, taskID string) (*api.KillTaskResponse, error) {
	var result api.KillTaskResponse
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/kill", nil, &result, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *TaskClient) do(ctx context.Context, method, path string, body, out any, okStatus ...int) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", "Bearer "+c.Token)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	ok := false
	for _, status := range okStatus {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the message from an api.ErrorResponse body and falls
// back to the raw body.
func errorMessage(body []byte) string {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(body)
}
