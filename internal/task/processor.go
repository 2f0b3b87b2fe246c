package task

import (
	"context"
	"log/slog"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/observability/alerting"
	"AgentChain/pkg/logger"
)

// Executor 驱动一个已提交的任务直到终态。任务自身的失败记录在任务上，
// 只有任务无法被驱动时才返回错误。
type Executor interface {
	Run(ctx context.Context, taskID string) error
}

// Processor 负责从队列消费任务 ID 并交给执行引擎。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("processor")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	err := p.executor.Run(ctx, taskID)
	if err == nil {
		return nil
	}
	if IsNotFound(err) || xerrors.HasCode(err, xerrors.CodeNotFound) {
		// 任务可能已被其他进程执行或进程重启后不再驻留。
		p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	p.logger.Error("任务驱动失败",
		slog.String("task_id", taskID),
		slog.String("error_code", string(code)),
		slog.Any("error", err),
	)
	p.emitAlert(ctx, taskID, code, err)
	return xerrors.Wrap(CodeTaskProcessing, err, "任务驱动失败")
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, code xerrors.Code, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	event := alerting.NewEvent(code, cause, taskID, "", map[string]string{"stage": "dispatch"})
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
		)
	}
}
