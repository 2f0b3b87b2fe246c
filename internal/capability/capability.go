package capability

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net"
	"strings"
	"time"

	xerrors "AgentChain/internal/errors"
)

// Kind 区分能力的执行方式。
type Kind string

const (
	// KindTool 表示由本进程直接执行的工具。
	KindTool Kind = "tool"
	// KindAgent 表示委派给另一个智能体执行。
	KindAgent Kind = "agent"
)

const (
	CodeDuplicate xerrors.Code = "DUPLICATE_CAPABILITY"
	CodeNotFound  xerrors.Code = "CAPABILITY_NOT_FOUND"
	CodeDenied    xerrors.Code = "CAPABILITY_DENIED"
	CodeFailed    xerrors.Code = "CAPABILITY_FAILED"
)

func init() {
	xerrors.Register(CodeDuplicate, xerrors.Attributes{
		Message:   "capability already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "capability not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:   "capability not permitted for agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFailed, xerrors.Attributes{
		Message:   "capability execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// RateLimit 描述单个能力的调用速率限制。
type RateLimit struct {
	RPS   float64 `json:"rps" yaml:"rps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// Descriptor 描述一个可被模型调用的能力。
type Descriptor struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Kind         Kind           `json:"kind" yaml:"kind"`
	Agent        string         `json:"agent,omitempty" yaml:"agent"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"output_schema"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	RateLimit    *RateLimit     `json:"rate_limit,omitempty" yaml:"rate_limit"`
}

// Target 返回委派目标智能体，未显式配置时与能力同名。
func (d Descriptor) Target() string {
	if agent := strings.TrimSpace(d.Agent); agent != "" {
		return agent
	}
	return d.Name
}

// AgentInputSchema 是委派类能力默认的入参结构。
func AgentInputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []any{"prompt"},
	}
}

// Invocation 是模型发出的一次结构化能力调用。
type Invocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// RawArguments 保存无法解码为 JSON 对象的原始参数文本，非空时调用按 SCHEMA_VIOLATION 回填。
	RawArguments string `json:"raw_arguments,omitempty"`
}

// DecodeArguments 将模型给出的参数文本解码为调用参数。文本不是 JSON 对象时
// 保留原文并返回空参数，由执行引擎作为校验失败回填给模型。
func DecodeArguments(raw []byte) (args map[string]any, malformed string) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, ""
	}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil || args == nil {
		return map[string]any{}, trimmed
	}
	return args, ""
}

// Malformed 报告参数是否无法解码。
func (i Invocation) Malformed() bool {
	return i.RawArguments != ""
}

// Result 是能力调用的结果，会以 capability_result 消息回填到上下文。
type Result struct {
	InvocationID string         `json:"invocation_id"`
	Success      bool           `json:"success"`
	Payload      map[string]any `json:"payload,omitempty"`
	Error        string         `json:"error,omitempty"`
	Code         xerrors.Code   `json:"code,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
}

// Content 将结果序列化为模型可读的 JSON 文本。
func (r Result) Content() string {
	var body any
	if r.Success {
		body = r.Payload
		if r.Payload == nil {
			body = map[string]any{}
		}
	} else {
		body = map[string]any{"error": r.Error, "code": string(r.Code)}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return r.Error
	}
	return string(encoded)
}

// Failure 由错误构造失败结果，保留错误码。
func Failure(invocationID string, err error, attempts int) Result {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeFailed
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return Result{
		InvocationID: invocationID,
		Success:      false,
		Error:        detail,
		Code:         code,
		Attempts:     attempts,
	}
}

// Tool 是工具类能力的执行体。
type Tool interface {
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ToolFunc 允许用普通函数实现 Tool。
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Invoke 实现 Tool 接口。
func (f ToolFunc) Invoke(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Transient 将错误标记为可重试的瞬时失败。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeTransientCapability, err, "")
}

// IsTransient 判断错误是否属于网络或超时类的瞬时失败。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return xerrors.RetryableError(err)
}
