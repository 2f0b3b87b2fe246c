package task

import (
	"encoding/json"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/proofs"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingCapability Status = "awaiting_capability"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Usage 记录模型调用的 token 消耗。
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add 累加另一次调用的消耗。
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Record 是任务的对外视图，也是归档存储中的一行。
type Record struct {
	ID          string            `json:"id"`
	AgentID     string            `json:"agent_id"`
	ParentID    string            `json:"parent_id,omitempty"`
	Input       string            `json:"input"`
	Status      Status            `json:"status"`
	Steps       int               `json:"steps"`
	Output      string            `json:"output,omitempty"`
	Signature   *proofs.Signature `json:"signature,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Transitions []Status          `json:"transitions,omitempty"`
	LastContext json.RawMessage   `json:"last_context,omitempty"`
	Usage       Usage             `json:"usage"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Clone 返回深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Signature != nil {
		sig := *r.Signature
		sig.Value = append([]byte(nil), r.Signature.Value...)
		clone.Signature = &sig
	}
	if r.Transitions != nil {
		clone.Transitions = append([]Status(nil), r.Transitions...)
	}
	if r.LastContext != nil {
		clone.LastContext = append(json.RawMessage(nil), r.LastContext...)
	}
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务已经存在。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusAwaitingCapability, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsNotFound 判断错误是否表示任务不存在。
func IsNotFound(err error) bool {
	return xerrors.HasCode(err, CodeTaskNotFound)
}

// IsConflict 判断错误是否表示任务已存在。
func IsConflict(err error) bool {
	return xerrors.HasCode(err, CodeTaskConflict)
}
