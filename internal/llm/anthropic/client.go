// Package anthropic 基于官方 SDK 实现 Claude Messages API 的推理网关。
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"AgentChain/internal/capability"
	"AgentChain/internal/llm"
)

const (
	defaultModel       = anthropic.ModelClaude3_5Sonnet20241022
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
	defaultTimeout     = 60 * time.Second
)

// Config 描述 Anthropic 网关的连接参数。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
	// HTTPClient 仅用于测试注入。
	HTTPClient *http.Client
}

// Client 将 llm.Request 转换为 Messages API 调用。
type Client struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

// NewClient 创建 Anthropic 网关。SDK 自带的重试被关闭，重试由执行引擎统一负责。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := anthropic.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}

	return &Client{
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

// Complete 实现 llm.Gateway。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
	}
	if system := llm.SystemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Capabilities) > 0 {
		params.Tools = buildTools(req.Capabilities)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	out := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	var texts []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := strings.TrimSpace(block.AsText().Text); text != "" {
				texts = append(texts, text)
			}
		case "tool_use":
			if out.Invocation != nil {
				continue
			}
			toolBlock := block.AsToolUse()
			raw, err := json.Marshal(toolBlock.Input)
			if err != nil {
				return nil, llm.Failure(err, "解析 Anthropic 工具调用参数失败")
			}
			args, malformed := capability.DecodeArguments(raw)
			out.Invocation = &capability.Invocation{ID: toolBlock.ID, Name: toolBlock.Name, Arguments: args, RawArguments: malformed}
		}
	}

	text := strings.Join(texts, "\n")
	if out.Invocation != nil {
		out.Thought = text
		return out, nil
	}
	if text == "" {
		return nil, llm.Failure(nil, "Anthropic 响应内容为空")
	}
	out.FinalAnswer = text
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if llm.StatusTransient(apiErr.StatusCode) {
			return llm.Transient(err, "Anthropic 暂时不可用")
		}
		return llm.Failure(err, "Anthropic 拒绝请求")
	}
	return llm.Transient(err, "请求 Anthropic 失败")
}

// buildMessages 将上下文转换为交替的 user/assistant 消息，能力结果以 tool_result 块回填。
func buildMessages(messages []llm.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion
	pendingRole := llm.Role("")

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if pendingRole == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(pending...))
		} else {
			out = append(out, anthropic.NewUserMessage(pending...))
		}
		pending = nil
	}
	push := func(role llm.Role, block anthropic.ContentBlockParamUnion) {
		if role != pendingRole {
			flush()
			pendingRole = role
		}
		pending = append(pending, block)
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleAssistant:
			if text := strings.TrimSpace(msg.Content); text != "" {
				push(llm.RoleAssistant, anthropic.NewTextBlock(text))
			}
			if inv := msg.Invocation; inv != nil {
				input := inv.Arguments
				if input == nil {
					input = map[string]any{}
				}
				push(llm.RoleAssistant, anthropic.NewToolUseBlock(inv.ID, input, inv.Name))
			}
		case llm.RoleCapabilityResult:
			push(llm.RoleUser, anthropic.NewToolResultBlock(msg.InvocationID, msg.Content, isErrorResult(msg.Content)))
		default:
			if text := strings.TrimSpace(msg.Content); text != "" {
				push(llm.RoleUser, anthropic.NewTextBlock(text))
			}
		}
	}
	flush()
	return out
}

func isErrorResult(content string) bool {
	var body map[string]any
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return false
	}
	_, hasCode := body["code"]
	_, hasError := body["error"]
	return hasCode && hasError && len(body) == 2
}

func buildTools(descriptors []capability.Descriptor) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(descriptors))
	for _, desc := range descriptors {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := desc.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		switch required := desc.InputSchema["required"].(type) {
		case []string:
			schema.Required = required
		case []any:
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, desc.Name)
		if desc.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(desc.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
