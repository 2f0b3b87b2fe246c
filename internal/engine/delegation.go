package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/task"
)

// checkDelegation 在创建子任务之前检查环与深度。
func checkDelegation(stack []string, target string, maxDepth int) error {
	if slices.Contains(stack, target) {
		return xerrors.New(xerrors.CodeDelegationCycle,
			fmt.Sprintf("委派形成环: %s -> %s", strings.Join(stack, " -> "), target))
	}
	if len(stack) >= maxDepth {
		return xerrors.New(xerrors.CodeDelegationDepth,
			fmt.Sprintf("委派深度 %d 已达上限 %d，无法委派给 %s", len(stack), maxDepth, target))
	}
	return nil
}

// delegate 将调用转换为目标智能体上的子任务并同步执行到终态。
//
// 子任务因环或深度失败时，错误原样向上传播并使父任务失败；其余失败作为
// 普通失败结果回填给模型。
func (e *Engine) delegate(ctx context.Context, parent *Task, desc capability.Descriptor, inv capability.Invocation) (capability.Result, error) {
	rt := e.rt
	target := desc.Target()
	if err := checkDelegation(parent.CallStack, target, rt.cfg.MaxDelegationDepth); err != nil {
		return capability.Failure(inv.ID, err, 0), err
	}

	prompt, _ := inv.Arguments["prompt"].(string)
	var child *Task
	attempts, err := rt.cfg.Retry.Do(ctx, rt.sleep, func(ctx context.Context, _ int) error {
		created, err := rt.submit(ctx, target, prompt, parent)
		if err != nil {
			return err
		}
		child = created
		return nil
	})
	if err != nil {
		return capability.Failure(inv.ID, err, attempts), nil
	}

	parent.setChild(child.ID)
	defer parent.setChild("")
	e.log.Info("委派子任务",
		slog.String("task_id", parent.ID),
		slog.String("child_id", child.ID),
		slog.String("target", target),
	)

	runErr := rt.Run(ctx, child.ID)
	rec, err := rt.Status(context.WithoutCancel(ctx), child.ID)
	if err == nil {
		parent.accumulate(rec.Usage)
	}
	if runErr != nil {
		return capability.Failure(inv.ID, runErr, attempts), nil
	}
	if err != nil {
		return capability.Failure(inv.ID, err, attempts), nil
	}
	if parent.cancelled.Load() {
		return capability.Failure(inv.ID, xerrors.New(CodeTaskCancelled, "父任务已取消，丢弃子任务结果"), attempts), nil
	}
	return translateChild(inv, rec, attempts)
}

func translateChild(inv capability.Invocation, rec *task.Record, attempts int) (capability.Result, error) {
	switch rec.Status {
	case task.StatusCompleted:
		payload := map[string]any{
			"output":  rec.Output,
			"task_id": rec.ID,
		}
		if rec.Signature != nil {
			payload["signer"] = rec.Signature.Signer
			payload["address"] = rec.Signature.Address
			payload["signature"] = rec.Signature.Value.String()
		}
		return capability.Result{InvocationID: inv.ID, Success: true, Payload: payload, Attempts: attempts}, nil
	case task.StatusFailed:
		code := xerrors.Code(rec.ErrorCode)
		err := xerrors.New(code, rec.ErrorDetail, xerrors.WithMetadata("task_id", rec.ID))
		if structural(code) {
			return capability.Failure(inv.ID, err, attempts), err
		}
		return capability.Failure(inv.ID, err, attempts), nil
	default:
		err := xerrors.New(CodeTaskNotFinished, fmt.Sprintf("子任务 %s 未结束，状态 %s", rec.ID, rec.Status))
		return capability.Failure(inv.ID, err, attempts), nil
	}
}
