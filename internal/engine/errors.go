package engine

import (
	xerrors "AgentChain/internal/errors"
)

const (
	// CodeTaskCancelled 表示任务被调用方取消。
	CodeTaskCancelled xerrors.Code = "TASK_CANCELLED"
	// CodeTaskNotFinished 表示任务尚未进入终态，结果不可用。
	CodeTaskNotFinished xerrors.Code = "TASK_NOT_FINISHED"
	// CodeIllegalTransition 表示出现了状态机之外的迁移，属于程序缺陷。
	CodeIllegalTransition xerrors.Code = "ILLEGAL_TRANSITION"
)

func init() {
	xerrors.Register(CodeTaskCancelled, xerrors.Attributes{
		Message:   "task cancelled",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskNotFinished, xerrors.Attributes{
		Message:   "task not finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:   "illegal task transition",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// errorDetail 返回不带错误码前缀的错误描述。
func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	coded, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	detail := coded.Message()
	if cause := coded.Unwrap(); cause != nil {
		detail += ": " + cause.Error()
	}
	return detail
}

// structural 判断错误是否属于必须终止任务的委派结构错误。
func structural(code xerrors.Code) bool {
	return code == xerrors.CodeDelegationCycle || code == xerrors.CodeDelegationDepth
}
