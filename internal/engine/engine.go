package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentChain/internal/agent"
	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
	"AgentChain/internal/memory"
	"AgentChain/internal/observability/alerting"
	"AgentChain/internal/task"
)

// Engine 执行单个智能体的任务，只持有自己的活跃任务。
type Engine struct {
	rt      *Runtime
	profile agent.Profile
	gateway llm.Gateway
	log     *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task
}

// Profile 返回智能体画像。
func (e *Engine) Profile() agent.Profile {
	return e.profile
}

func (e *Engine) add(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks[t.ID] = t
}

func (e *Engine) get(id string) (*Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	return t, ok
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
	e.rt.owners.Delete(id)
}

// Live 返回活跃任务数。
func (e *Engine) Live() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tasks)
}

// step 执行一个推理步骤。任务失败记录在任务上，只有状态机错误才会返回。
func (e *Engine) step(ctx context.Context, t *Task) error {
	t.stepMu.Lock()
	defer t.stepMu.Unlock()

	rt := e.rt
	switch t.Status() {
	case task.StatusCompleted, task.StatusFailed:
		return nil
	case task.StatusPending:
		if err := t.transition(task.StatusRunning, rt.now()); err != nil {
			return err
		}
	}

	if t.cancelled.Load() {
		return e.fail(ctx, t, xerrors.New(CodeTaskCancelled, "任务已被取消"))
	}
	if !rt.now().Before(t.Deadline) {
		return e.fail(ctx, t, xerrors.New(xerrors.CodeTimeout, "任务超过截止时间"))
	}
	if t.Steps() >= rt.cfg.MaxSteps {
		return e.fail(ctx, t, xerrors.New(xerrors.CodeStepLimitExceeded, fmt.Sprintf("推理步数达到上限 %d", rt.cfg.MaxSteps)))
	}
	stepNo := t.beginStep(rt.now())

	stepCtx, cancel := context.WithTimeout(ctx, t.Deadline.Sub(rt.now()))
	defer cancel()

	snapshot := rt.registry.Snapshot()
	descriptors := snapshot.Descriptors(&e.profile.Policy)
	recalled := e.recall(stepCtx, t)

	messages := make([]llm.Message, 0, len(t.Messages())+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: rt.prompter.SystemPrompt(e.profile, t.Input, recalled)})
	messages = append(messages, t.Messages()...)
	t.setContext(messages)

	resp, err := e.complete(stepCtx, llm.Request{AgentID: e.profile.ID, Messages: messages, Capabilities: descriptors})
	if err != nil {
		return e.fail(ctx, t, e.gatewayError(stepCtx, err))
	}
	t.addUsage(resp.Usage)

	if resp.Invocation == nil {
		return e.finish(stepCtx, ctx, t, resp.FinalAnswer)
	}

	inv := *resp.Invocation
	if strings.TrimSpace(inv.ID) == "" {
		inv.ID = fmt.Sprintf("%s-%d", t.ID, stepNo)
	}
	if inv.Arguments == nil {
		inv.Arguments = map[string]any{}
	}
	t.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Thought, Invocation: &inv})
	if err := t.transition(task.StatusAwaitingCapability, rt.now()); err != nil {
		return err
	}

	result, fatal := e.dispatch(stepCtx, t, snapshot, inv)
	t.appendMessage(llm.Message{Role: llm.RoleCapabilityResult, Content: result.Content(), InvocationID: inv.ID})
	if err := t.transition(task.StatusRunning, rt.now()); err != nil {
		return err
	}
	if fatal != nil {
		return e.fail(ctx, t, fatal)
	}
	if stepCtx.Err() != nil && ctx.Err() == nil {
		return e.fail(ctx, t, xerrors.Wrap(xerrors.CodeTimeout, stepCtx.Err(), "任务超过截止时间"))
	}
	return nil
}

// complete 带重试地调用模型网关，并校验响应恰好包含一种结果。
func (e *Engine) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	_, err := e.rt.cfg.Retry.Do(ctx, e.rt.sleep, func(ctx context.Context, attempt int) error {
		started := time.Now()
		out, err := e.gateway.Complete(ctx, req)
		e.rt.metrics.GatewayCall(e.profile.ID, time.Since(started), err)
		if err != nil {
			e.log.Warn("模型网关调用失败", slog.Int("attempt", attempt), slog.Any("error", err))
			return err
		}
		if err := out.Validate(); err != nil {
			return err
		}
		resp = out
		return nil
	})
	return resp, err
}

func (e *Engine) gatewayError(ctx context.Context, err error) error {
	if ctx.Err() != nil && stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "任务超过截止时间")
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(CodeTaskCancelled, err, "执行上下文已取消")
	}
	if xerrors.CodeOf(err) == llm.CodeGatewayFailure {
		return err
	}
	return xerrors.Wrap(llm.CodeGatewayFailure, err, "模型网关调用失败")
}

// recall 检索与任务输入最相关的记忆。检索失败只记录告警，不影响任务。
func (e *Engine) recall(ctx context.Context, t *Task) []memory.Scored {
	rt := e.rt
	k := e.profile.MemoryDepth
	if rt.cfg.MemoryTopK < 0 || rt.memory == nil || rt.embedder == nil || k <= 0 {
		return nil
	}
	vec, err := e.inputEmbedding(ctx, t)
	if err != nil {
		e.log.Warn("生成检索向量失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return nil
	}
	results, err := rt.memory.Query(ctx, vec, k, memory.WithOwner(e.profile.ID), memory.WithMinScore(rt.cfg.MemoryMinScore))
	if err != nil {
		e.log.Warn("检索记忆失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return nil
	}
	return results
}

func (e *Engine) inputEmbedding(ctx context.Context, t *Task) ([]float64, error) {
	t.mu.RLock()
	cached := t.queryVec
	t.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	vec, err := e.rt.embedder.Embed(ctx, t.Input)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.queryVec = vec
	t.mu.Unlock()
	return vec, nil
}

// finish 处理最终答复：签名、写入记忆、迁移到 completed。
func (e *Engine) finish(stepCtx, ctx context.Context, t *Task, answer string) error {
	rt := e.rt
	if rt.signer == nil {
		return e.fail(ctx, t, xerrors.New(xerrors.CodeAttestationUnavailable, "未配置签名服务"))
	}
	sig, err := rt.signer.Sign(stepCtx, e.profile.ID, []byte(answer))
	if err != nil {
		return e.fail(ctx, t, xerrors.Wrap(xerrors.CodeAttestationUnavailable, err, "签名最终答复失败"))
	}

	if err := e.remember(stepCtx, t, answer); err != nil {
		return e.fail(ctx, t, err)
	}

	if err := t.complete(answer, sig, rt.now()); err != nil {
		return err
	}
	e.finalize(ctx, t)
	return nil
}

// remember 在任务完成前持久化记忆记录，写入失败会按重试策略重试。
func (e *Engine) remember(ctx context.Context, t *Task, answer string) error {
	rt := e.rt
	if rt.memory == nil || rt.embedder == nil {
		return nil
	}
	content := fmt.Sprintf("任务: %s\n答复: %s", t.Input, answer)
	vec, err := rt.embedder.Embed(ctx, content)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "生成记忆向量失败")
	}
	record := memory.NewRecord(e.profile.ID, t.ID, content, vec, rt.now())
	if rt.cfg.SignMemory {
		sig, err := rt.signer.Sign(ctx, e.profile.ID, record.SigningPayload())
		if err != nil {
			return xerrors.Wrap(xerrors.CodeAttestationUnavailable, err, "签名记忆记录失败")
		}
		record.Signature = &sig
	}
	attempts, err := rt.cfg.Retry.Do(ctx, rt.sleep, func(ctx context.Context, _ int) error {
		return rt.memory.Put(ctx, record)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入记忆失败，已尝试 %d 次", attempts))
	}
	return nil
}

// fail 将运行中的任务迁移到 failed 并归档。
func (e *Engine) fail(ctx context.Context, t *Task, cause error) error {
	if err := t.fail(cause, e.rt.now()); err != nil {
		return err
	}
	e.finalize(ctx, t)
	return nil
}

// finalize 释放名额、归档并从活跃表移除。归档失败时任务留在内存中继续可查。
func (e *Engine) finalize(ctx context.Context, t *Task) {
	rt := e.rt
	t.releaseSlot()
	rec := t.Record()

	code := rec.ErrorCode
	rt.metrics.TaskFinished(e.profile.ID, string(rec.Status), code, rec.Steps, rec.Usage.InputTokens, rec.Usage.OutputTokens)

	attrs := []any{
		slog.String("task_id", t.ID),
		slog.String("agent_id", e.profile.ID),
		slog.Int("steps", rec.Steps),
	}
	if rec.Status == task.StatusCompleted {
		rt.audit.Info("任务完成", attrs...)
	} else {
		rt.audit.Warn("任务失败", append(attrs, slog.String("error_code", code), slog.String("error", rec.ErrorDetail))...)
		e.alert(ctx, t, rec)
	}

	saveCtx := context.WithoutCancel(ctx)
	if err := rt.archive.Save(saveCtx, rec); err != nil && !task.IsConflict(err) {
		e.log.Error("归档任务失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	e.remove(t.ID)
}

func (e *Engine) alert(ctx context.Context, t *Task, rec *task.Record) {
	cause := t.failure()
	if e.rt.alerts == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.NewEvent(xerrors.Code(rec.ErrorCode), cause, t.ID, e.profile.ID, map[string]string{
		"parent_id": t.ParentID,
		"depth":     fmt.Sprintf("%d", len(t.CallStack)),
	})
	event.Steps = rec.Steps
	if err := e.rt.alerts.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.log.Warn("发送告警失败", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

// dispatch 解析、校验并执行一次能力调用。第二个返回值非 nil 时任务必须失败。
func (e *Engine) dispatch(ctx context.Context, t *Task, snapshot *capability.Snapshot, inv capability.Invocation) (capability.Result, error) {
	entry, ok := snapshot.Entry(inv.Name)
	if !ok {
		_, err := snapshot.Resolve(inv.Name)
		return capability.Failure(inv.ID, err, 0), nil
	}
	if !e.profile.Policy.Allows(inv.Name) {
		err := xerrors.New(capability.CodeDenied, fmt.Sprintf("智能体 %s 无权调用 %s", e.profile.ID, inv.Name))
		return capability.Failure(inv.ID, err, 0), nil
	}
	if inv.Malformed() {
		err := xerrors.New(xerrors.CodeSchemaViolation, fmt.Sprintf("能力 %s 的参数不是合法的 JSON 对象: %s", inv.Name, inv.RawArguments))
		return capability.Failure(inv.ID, err, 0), nil
	}
	if err := snapshot.Validate(inv.Name, inv.Arguments); err != nil {
		return capability.Failure(inv.ID, err, 0), nil
	}

	var (
		result capability.Result
		fatal  error
	)
	if entry.Descriptor.Kind == capability.KindAgent {
		result, fatal = e.delegate(ctx, t, entry.Descriptor, inv)
	} else {
		result = e.invokeTool(ctx, snapshot, entry, inv)
	}
	if result.Success {
		if err := snapshot.ValidateOutput(inv.Name, result.Payload); err != nil {
			return capability.Failure(inv.ID, err, result.Attempts), nil
		}
	}
	return result, fatal
}

// invokeTool 在速率限制与单次超时约束下带重试地执行工具。
func (e *Engine) invokeTool(ctx context.Context, snapshot *capability.Snapshot, entry capability.Entry, inv capability.Invocation) capability.Result {
	rt := e.rt
	desc := entry.Descriptor
	if entry.Tool == nil {
		err := xerrors.New(capability.CodeFailed, fmt.Sprintf("能力 %s 未绑定执行体", desc.Name))
		return capability.Failure(inv.ID, err, 0)
	}
	limiter := snapshot.Limiter(desc.Name)

	var payload map[string]any
	attempts, err := rt.cfg.Retry.Do(ctx, rt.sleep, func(ctx context.Context, attempt int) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		attemptCtx := ctx
		if desc.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
			defer cancel()
		}
		out, err := entry.Tool.Invoke(attemptCtx, inv.Arguments)
		switch {
		case err == nil:
			rt.metrics.CapabilityAttempt(desc.Name, "success")
			payload = out
		case Retryable(err):
			rt.metrics.CapabilityAttempt(desc.Name, "transient")
			e.log.Warn("能力调用瞬时失败", slog.String("capability", desc.Name), slog.Int("attempt", attempt), slog.Any("error", err))
		default:
			rt.metrics.CapabilityAttempt(desc.Name, "failure")
		}
		return err
	})
	if err != nil {
		if Retryable(err) && !xerrors.HasCode(err, xerrors.CodeTransientCapability) {
			err = xerrors.Wrap(xerrors.CodeTransientCapability, err, fmt.Sprintf("能力 %s 重试 %d 次后仍失败", desc.Name, attempts))
		}
		return capability.Failure(inv.ID, err, attempts)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return capability.Result{InvocationID: inv.ID, Success: true, Payload: payload, Attempts: attempts}
}
