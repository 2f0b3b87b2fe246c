package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentChain/internal/capability"
	"AgentChain/internal/llm"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModelName      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTimeout        = 60 * time.Second
	defaultTemperature    = 0.2
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	temperature    float64
	httpClient     *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:         apiKey,
		baseURL:        baseURL,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete 调用 Chat Completions，将首个 tool_call 映射为能力调用。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	var decoded chatResponse
	if err := c.post(ctx, "/chat/completions", payload, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Choices) == 0 {
		return nil, llm.Failure(nil, "OpenAI 响应中没有有效的 choices")
	}

	message := decoded.Choices[0].Message
	content := ""
	if message.Content != nil {
		content = strings.TrimSpace(*message.Content)
	}
	resp := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  decoded.Usage.PromptTokens,
			OutputTokens: decoded.Usage.CompletionTokens,
		},
	}

	if len(message.ToolCalls) > 0 {
		call := message.ToolCalls[0]
		args, malformed := capability.DecodeArguments([]byte(call.Function.Arguments))
		resp.Thought = content
		resp.Invocation = &capability.Invocation{
			ID:           call.ID,
			Name:         call.Function.Name,
			Arguments:    args,
			RawArguments: malformed,
		}
		return resp, nil
	}

	if content == "" {
		return nil, llm.Failure(nil, "OpenAI 响应内容为空")
	}
	resp.FinalAnswer = content
	return resp, nil
}

// Embed 调用 /embeddings 生成文本向量，可作为记忆存储的嵌入器。
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.embeddingModel,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 嵌入请求失败: %w", err)
	}
	var decoded struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", body, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, llm.Failure(nil, "OpenAI 嵌入响应为空")
	}
	return decoded.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return llm.Failure(err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return llm.Transient(err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		cause := fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if llm.StatusTransient(resp.StatusCode) {
			return llm.Transient(cause, "OpenAI 暂时不可用")
		}
		return llm.Failure(cause, "OpenAI 拒绝请求")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.Failure(err, "解析 OpenAI 响应失败")
	}
	return nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg))
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": c.temperature,
	}
	if tools := buildTools(req.Capabilities); len(tools) > 0 {
		body["tools"] = tools
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, llm.Failure(err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

func convertMessage(msg llm.Message) chatMessage {
	content := msg.Content
	switch msg.Role {
	case llm.RoleCapabilityResult:
		return chatMessage{Role: "tool", Content: &content, ToolCallID: msg.InvocationID}
	case llm.RoleAssistant:
		out := chatMessage{Role: "assistant", Content: &content}
		if inv := msg.Invocation; inv != nil {
			args, err := json.Marshal(inv.Arguments)
			if err != nil || inv.Arguments == nil {
				args = []byte("{}")
			}
			call := toolCall{ID: inv.ID, Type: "function"}
			call.Function.Name = inv.Name
			call.Function.Arguments = string(args)
			if inv.Malformed() {
				call.Function.Arguments = inv.RawArguments
			}
			out.ToolCalls = []toolCall{call}
			if content == "" {
				out.Content = nil
			}
		}
		return out
	default:
		return chatMessage{Role: string(msg.Role), Content: &content}
	}
}

func buildTools(descriptors []capability.Descriptor) []map[string]any {
	tools := make([]map[string]any, 0, len(descriptors))
	for _, desc := range descriptors {
		params := desc.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        desc.Name,
				"description": desc.Description,
				"parameters":  params,
			},
		})
	}
	return tools
}
