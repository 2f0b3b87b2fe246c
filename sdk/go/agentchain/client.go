// Package agentchain 是 AgentChain REST API 的 Go 客户端。
package agentchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval 是 WaitForResult 的默认轮询间隔。
const DefaultPollInterval = 500 * time.Millisecond

// Client wraps the HTTP interactions with the AgentChain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TaskSummary contains minimal information about a submitted task.
type TaskSummary struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Signature 是智能体对最终答复的签名。
type Signature struct {
	Signer      string `json:"signer"`
	Address     string `json:"address"`
	PayloadHash string `json:"payload_hash"`
	Value       string `json:"signature"`
}

// Usage 记录任务累计的 token 消耗。
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// TaskStatus contains an extended view of a task.
type TaskStatus struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Input       string          `json:"input"`
	Status      string          `json:"status"`
	Steps       int             `json:"steps"`
	Output      string          `json:"output,omitempty"`
	Signature   *Signature      `json:"signature,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	Transitions []string        `json:"transitions,omitempty"`
	LastContext json.RawMessage `json:"last_context,omitempty"`
	Usage       Usage           `json:"usage"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Terminal 判断任务是否已结束。
func (s TaskStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

// TaskResult 是已完成任务的输出与签名。
type TaskResult struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Output    string    `json:"output"`
	Signature Signature `json:"signature"`
}

// Verification 是签名校验结果。
type Verification struct {
	Valid   bool   `json:"valid"`
	Signer  string `json:"signer,omitempty"`
	Address string `json:"address,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentchain api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentchain api error (%d): %s", e.StatusCode, e.Message)
}

// TaskFailed 判断错误是否表示任务以失败结束，此时 Code 为任务的错误码。
func TaskFailed(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return apiErr, true
	}
	return nil, false
}

// NewClient instantiates a client for the AgentChain API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit 提交任务，返回的状态总是 pending。
func (c *Client) Submit(ctx context.Context, agentID, input string) (TaskSummary, error) {
	var summary TaskSummary
	body := map[string]string{"agent_id": agentID, "input": input}
	if err := c.post(ctx, "/api/v1/tasks", body, &summary); err != nil {
		return TaskSummary{}, err
	}
	return summary, nil
}

// Status fetches task details by identifier.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	var status TaskStatus
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &status); err != nil {
		return TaskStatus{}, err
	}
	return status, nil
}

// Result 返回已完成任务的输出。任务失败时返回 422 的 APIError，未结束时返回 409。
func (c *Client) Result(ctx context.Context, taskID string) (TaskResult, error) {
	var result TaskResult
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/result", &result); err != nil {
		return TaskResult{}, err
	}
	return result, nil
}

// Cancel 请求取消任务。
func (c *Client) Cancel(ctx context.Context, taskID string) (TaskSummary, error) {
	var summary TaskSummary
	if err := c.post(ctx, "/api/v1/tasks/"+url.PathEscape(taskID)+"/cancel", struct{}{}, &summary); err != nil {
		return TaskSummary{}, err
	}
	return summary, nil
}

// WaitForResult 轮询直到任务结束或 ctx 结束。
func (c *Client) WaitForResult(ctx context.Context, taskID string, interval time.Duration) (TaskResult, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := c.Result(ctx, taskID)
		if err == nil {
			return result, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
			return TaskResult{}, err
		}
		select {
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verify 请求服务端校验签名与载荷是否匹配。
func (c *Client) Verify(ctx context.Context, payload string, sig Signature) (Verification, error) {
	var out Verification
	body := struct {
		Payload   string    `json:"payload"`
		Signature Signature `json:"signature"`
	}{Payload: payload, Signature: sig}
	if err := c.post(ctx, "/api/v1/signatures/verify", body, &out); err != nil {
		return Verification{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
