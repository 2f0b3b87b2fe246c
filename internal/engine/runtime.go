package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"AgentChain/internal/agent"
	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
	"AgentChain/internal/memory"
	"AgentChain/internal/observability/alerting"
	"AgentChain/internal/observability/metrics"
	"AgentChain/internal/proofs"
	"AgentChain/internal/task"
	"AgentChain/pkg/logger"
)

// Deps 汇总执行引擎依赖的外部协作者。
type Deps struct {
	Registry *capability.Registry
	Memory   memory.Store
	Embedder memory.Embedder
	Signer   proofs.Provider
	Archive  task.Store
	Prompter *agent.Prompter
}

// Option 定义 Runtime 的可选配置。
type Option func(*Runtime)

// WithClock 注入时钟，用于确定性测试。
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator 注入任务 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(r *Runtime) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithSleep 替换重试之间的等待函数。
func WithSleep(sleep SleepFunc) Option {
	return func(r *Runtime) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithLogger 设置运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAuditLogger 设置审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.audit = l
		}
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runtime) {
		r.metrics = c
	}
}

// WithAlertDispatcher 设置告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Runtime) {
		r.alerts = d
	}
}

// Result 是已完成任务的输出与签名。
type Result struct {
	TaskID    string           `json:"task_id"`
	AgentID   string           `json:"agent_id"`
	Output    string           `json:"output"`
	Signature proofs.Signature `json:"signature"`
}

// Runtime 持有所有智能体的 Engine，共享准入名额、注册表与存储。
type Runtime struct {
	cfg      Config
	registry *capability.Registry
	memory   memory.Store
	embedder memory.Embedder
	signer   proofs.Provider
	archive  task.Store
	prompter *agent.Prompter

	metrics *metrics.Collector
	alerts  alerting.Dispatcher
	log     *slog.Logger
	audit   *slog.Logger
	now     func() time.Time
	newID   func() string
	sleep   SleepFunc

	slots *semaphore.Weighted

	mu      sync.RWMutex
	agents  *agent.Directory
	engines map[string]*Engine
	owners  sync.Map // task id -> *Engine
}

// NewRuntime 创建运行时。未提供归档存储时使用内存实现。
func NewRuntime(cfg Config, deps Deps, opts ...Option) (*Runtime, error) {
	if deps.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置能力注册表")
	}
	cfg = cfg.withDefaults()
	agents, err := agent.NewDirectory(cfg.MemoryTopK)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:      cfg,
		registry: deps.Registry,
		memory:   deps.Memory,
		embedder: deps.Embedder,
		signer:   deps.Signer,
		archive:  deps.Archive,
		prompter: deps.Prompter,
		log:      logger.Named("engine"),
		audit:    logger.Audit(),
		now:      time.Now,
		newID:    uuid.NewString,
		sleep:    sleepContext,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrentTasks),
		agents:   agents,
		engines:  make(map[string]*Engine),
	}
	if r.archive == nil {
		r.archive = task.NewMemoryStore(0)
	}
	if r.prompter == nil {
		r.prompter = agent.NewPrompter(nil, 0)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Config 返回生效的配置。
func (r *Runtime) Config() Config {
	return r.cfg
}

// Register 为智能体创建 Engine。
func (r *Runtime) Register(profile agent.Profile, gateway llm.Gateway) (*Engine, error) {
	if gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("智能体 %s 未配置模型网关", strings.TrimSpace(profile.ID)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, err := r.agents.Add(profile)
	if err != nil {
		return nil, err
	}
	eng := &Engine{
		rt:      r,
		profile: profile,
		gateway: gateway,
		tasks:   make(map[string]*Task),
		log:     r.log.With(slog.String("agent_id", profile.ID)),
	}
	r.engines[profile.ID] = eng
	return eng, nil
}

// Agents 返回已注册的智能体 ID。
func (r *Runtime) Agents() []string {
	return r.agents.IDs()
}

// engine 返回智能体的 Engine，未注册时返回携带 UNKNOWN_AGENT 的错误。
func (r *Runtime) engine(agentID string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, err := r.agents.Get(agentID)
	if err != nil {
		return nil, err
	}
	return r.engines[profile.ID], nil
}

func (r *Runtime) lookup(taskID string) (*Engine, *Task, bool) {
	value, ok := r.owners.Load(taskID)
	if !ok {
		return nil, nil, false
	}
	eng := value.(*Engine)
	t, ok := eng.get(taskID)
	if !ok {
		return nil, nil, false
	}
	return eng, t, true
}

// Submit 为智能体创建一个 pending 任务并返回任务 ID。
func (r *Runtime) Submit(ctx context.Context, agentID, input string) (string, error) {
	t, err := r.submit(ctx, strings.TrimSpace(agentID), input, nil)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

func (r *Runtime) submit(ctx context.Context, agentID, input string, parent *Task) (*Task, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "任务输入不能为空")
	}
	eng, err := r.engine(agentID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "无法提交任务")
	}
	if err := r.admit(ctx, parent != nil); err != nil {
		return nil, err
	}

	now := r.now()
	deadline := now.Add(r.cfg.TaskTimeout)
	stack := []string{agentID}
	if parent != nil {
		stack = append(append([]string(nil), parent.CallStack...), agentID)
		if parent.Deadline.Before(deadline) {
			deadline = parent.Deadline
		}
	}
	t := newTask(r.newID(), agentID, input, now, deadline, stack, func() {
		r.slots.Release(1)
	})
	if parent != nil {
		t.ParentID = parent.ID
	}
	if _, loaded := r.owners.LoadOrStore(t.ID, eng); loaded {
		t.releaseSlot()
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("任务 ID %s 重复", t.ID))
	}
	eng.add(t)

	r.metrics.TaskSubmitted(agentID)
	r.audit.Info("任务已提交",
		slog.String("task_id", t.ID),
		slog.String("agent_id", agentID),
		slog.String("parent_id", t.ParentID),
		slog.Int("depth", len(stack)),
	)
	return t, nil
}

// admit 获取一个并发名额。子任务总是非阻塞获取，避免父任务等待自己占用的名额。
func (r *Runtime) admit(ctx context.Context, subTask bool) error {
	if subTask || r.cfg.Admission == AdmissionReject {
		if !r.slots.TryAcquire(1) {
			return xerrors.New(xerrors.CodeEngineSaturated, fmt.Sprintf("并发任务数已达上限 %d", r.cfg.MaxConcurrentTasks))
		}
		return nil
	}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return xerrors.Wrap(xerrors.CodeEngineSaturated, err, "等待执行名额失败")
	}
	return nil
}

// Step 推进任务一个推理步骤。已进入终态的任务不做任何事。
func (r *Runtime) Step(ctx context.Context, taskID string) error {
	eng, t, ok := r.lookup(taskID)
	if !ok {
		return r.missing(ctx, taskID)
	}
	return eng.step(ctx, t)
}

// Run 连续推进任务直到终态。
func (r *Runtime) Run(ctx context.Context, taskID string) error {
	eng, t, ok := r.lookup(taskID)
	if !ok {
		return r.missing(ctx, taskID)
	}
	for !t.Status().Terminal() {
		if err := eng.step(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// missing 区分已归档与不存在的任务，已归档的任务视为处理完毕。
func (r *Runtime) missing(ctx context.Context, taskID string) error {
	if _, err := r.archive.Get(ctx, taskID); err != nil {
		return err
	}
	return nil
}

// Status 返回任务当前视图，终态任务从归档存储读取。
func (r *Runtime) Status(ctx context.Context, taskID string) (*task.Record, error) {
	if _, t, ok := r.lookup(taskID); ok {
		return t.Record(), nil
	}
	return r.archive.Get(ctx, taskID)
}

// Result 返回已完成任务的输出；失败任务返回携带原错误码的错误。
func (r *Runtime) Result(ctx context.Context, taskID string) (*Result, error) {
	rec, err := r.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case task.StatusCompleted:
		res := &Result{TaskID: rec.ID, AgentID: rec.AgentID, Output: rec.Output}
		if rec.Signature != nil {
			res.Signature = *rec.Signature
		}
		return res, nil
	case task.StatusFailed:
		return nil, xerrors.New(xerrors.Code(rec.ErrorCode), rec.ErrorDetail,
			xerrors.WithMetadata("task_id", rec.ID))
	default:
		return nil, xerrors.New(CodeTaskNotFinished, fmt.Sprintf("任务 %s 当前状态为 %s", rec.ID, rec.Status))
	}
}

// Cancel 标记任务取消。未在执行步骤的任务立即失败，否则在下一个步骤边界生效；
// 正在执行的委派子任务会收到尽力而为的取消。
func (r *Runtime) Cancel(ctx context.Context, taskID string) error {
	eng, t, ok := r.lookup(taskID)
	if !ok {
		if _, err := r.archive.Get(ctx, taskID); err != nil {
			return err
		}
		return xerrors.New(xerrors.CodeAlreadyCompleted, fmt.Sprintf("任务 %s 已结束", taskID))
	}
	// 归档失败的终态任务仍留在活跃表中。
	if t.Status().Terminal() {
		return xerrors.New(xerrors.CodeAlreadyCompleted, fmt.Sprintf("任务 %s 已结束", taskID))
	}
	t.cancelled.Store(true)
	r.audit.Info("任务取消请求", slog.String("task_id", taskID), slog.String("agent_id", t.AgentID))

	if child := t.activeChild(); child != "" {
		if err := r.Cancel(ctx, child); err != nil && !xerrors.HasCode(err, xerrors.CodeAlreadyCompleted) {
			eng.log.Warn("转发取消到子任务失败", slog.String("task_id", taskID), slog.String("child_id", child), slog.Any("error", err))
		}
	}

	if t.stepMu.TryLock() {
		defer t.stepMu.Unlock()
		if t.Status() == task.StatusPending {
			if err := t.transition(task.StatusRunning, r.now()); err != nil {
				return err
			}
		}
		if t.Status() == task.StatusRunning {
			eng.fail(ctx, t, xerrors.New(CodeTaskCancelled, "任务已被取消"))
		}
	}
	return nil
}
