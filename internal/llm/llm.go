package llm

import (
	"context"
	"strings"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
)

const (
	// CodeGatewayFailure 表示推理后端返回了不可恢复的错误或无法解析的响应。
	CodeGatewayFailure xerrors.Code = "GATEWAY_FAILURE"
	// CodeGatewayTransient 表示推理后端暂时不可用，可以重试。
	CodeGatewayTransient xerrors.Code = "GATEWAY_TRANSIENT"
)

func init() {
	xerrors.Register(CodeGatewayFailure, xerrors.Attributes{
		Message:   "model gateway failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGatewayTransient, xerrors.Attributes{
		Message:   "model gateway temporarily unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Role 表示上下文消息的角色。
type Role string

const (
	RoleSystem           Role = "system"
	RoleUser             Role = "user"
	RoleAssistant        Role = "assistant"
	RoleCapabilityResult Role = "capability_result"
)

// Message 是上下文中的一条消息，追加后不再修改。
type Message struct {
	Role         Role                   `json:"role"`
	Content      string                 `json:"content"`
	Invocation   *capability.Invocation `json:"invocation,omitempty"`
	InvocationID string                 `json:"invocation_id,omitempty"`
}

// Usage 记录一次调用消耗的 token 数。
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Request 是发送给推理后端的完整上下文。
type Request struct {
	AgentID      string
	Messages     []Message
	Capabilities []capability.Descriptor
}

// Response 是推理后端的结构化输出，FinalAnswer 与 Invocation 有且仅有一个。
type Response struct {
	FinalAnswer string
	Invocation  *capability.Invocation
	Thought     string
	Usage       Usage
}

// Validate 校验响应恰好携带一种结果。
func (r *Response) Validate() error {
	if r == nil {
		return xerrors.New(CodeGatewayFailure, "推理后端返回空响应")
	}
	hasAnswer := strings.TrimSpace(r.FinalAnswer) != ""
	hasInvocation := r.Invocation != nil
	switch {
	case hasAnswer && hasInvocation:
		return xerrors.New(CodeGatewayFailure, "响应同时包含最终答复与能力调用")
	case !hasAnswer && !hasInvocation:
		return xerrors.New(CodeGatewayFailure, "响应既没有最终答复也没有能力调用")
	case hasInvocation && strings.TrimSpace(r.Invocation.Name) == "":
		return xerrors.New(CodeGatewayFailure, "能力调用缺少名称")
	}
	return nil
}

// Gateway 定义了调用推理后端的统一接口。
type Gateway interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// GatewayFunc 允许用普通函数实现 Gateway。
type GatewayFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Gateway 接口。
func (f GatewayFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Transient 将错误包装为可重试的网关错误。
func Transient(err error, message string) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(CodeGatewayTransient, err, message)
}

// Failure 将错误包装为不可重试的网关错误。
func Failure(err error, message string) error {
	if err == nil {
		return xerrors.New(CodeGatewayFailure, message)
	}
	return xerrors.Wrap(CodeGatewayFailure, err, message)
}

// StatusTransient 判断 HTTP 状态码是否属于可重试的范围。
func StatusTransient(status int) bool {
	return status == 429 || status >= 500
}

// SystemPrompt 返回上下文中的系统提示词拼接结果。
func SystemPrompt(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem && strings.TrimSpace(msg.Content) != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
