package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
	"AgentChain/internal/proofs"
	"AgentChain/internal/task"
)

var allowedTransitions = map[task.Status][]task.Status{
	task.StatusPending:            {task.StatusRunning},
	task.StatusRunning:            {task.StatusAwaitingCapability, task.StatusCompleted, task.StatusFailed},
	task.StatusAwaitingCapability: {task.StatusRunning},
}

// Task 是由某个 Engine 持有的一次执行。字段只能在持有 stepMu 时修改。
type Task struct {
	ID        string
	AgentID   string
	ParentID  string
	Input     string
	CreatedAt time.Time
	Deadline  time.Time
	// CallStack 是委派链上的智能体 ID，根在前，最后一个是本任务的智能体。
	CallStack []string

	stepMu sync.Mutex

	mu          sync.RWMutex
	status      task.Status
	steps       int
	messages    []llm.Message
	lastContext []llm.Message
	transitions []task.Status
	usage       task.Usage
	output      string
	signature   *proofs.Signature
	err         error
	updatedAt   time.Time
	child       string
	queryVec    []float64

	cancelled   atomic.Bool
	releaseOnce sync.Once
	release     func()
}

func newTask(id, agentID, input string, now, deadline time.Time, stack []string, release func()) *Task {
	return &Task{
		ID:          id,
		AgentID:     agentID,
		Input:       input,
		CreatedAt:   now,
		Deadline:    deadline,
		CallStack:   stack,
		status:      task.StatusPending,
		messages:    []llm.Message{{Role: llm.RoleUser, Content: input}},
		transitions: []task.Status{task.StatusPending},
		updatedAt:   now,
		release:     release,
	}
}

// Status 返回当前状态，步骤执行期间也可以安全读取。
func (t *Task) Status() task.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Steps 返回已消耗的推理步数。
func (t *Task) Steps() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.steps
}

// Transitions 返回状态迁移历史的副本。
func (t *Task) Transitions() []task.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]task.Status(nil), t.transitions...)
}

// Messages 返回消息历史的副本。
func (t *Task) Messages() []llm.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]llm.Message(nil), t.messages...)
}

func (t *Task) transition(to task.Status, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, next := range allowedTransitions[t.status] {
		if next == to {
			t.status = to
			t.transitions = append(t.transitions, to)
			t.updatedAt = now
			return nil
		}
	}
	return xerrors.New(CodeIllegalTransition, fmt.Sprintf("任务 %s 不允许从 %s 迁移到 %s", t.ID, t.status, to))
}

func (t *Task) appendMessage(msg llm.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
}

func (t *Task) beginStep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps++
	t.updatedAt = now
	return t.steps
}

func (t *Task) setContext(messages []llm.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastContext = messages
}

func (t *Task) addUsage(u llm.Usage) {
	t.accumulate(task.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens})
}

// accumulate 累加用量，委派子任务的用量也计入父任务。
func (t *Task) accumulate(u task.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = t.usage.Add(u)
}

func (t *Task) setChild(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.child = id
}

func (t *Task) activeChild() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.child
}

func (t *Task) complete(output string, sig proofs.Signature, now time.Time) error {
	if err := t.transition(task.StatusCompleted, now); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output = output
	t.signature = &sig
	return nil
}

func (t *Task) fail(cause error, now time.Time) error {
	if err := t.transition(task.StatusFailed, now); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = cause
	return nil
}

// failure 返回失败原因，未失败时为 nil。
func (t *Task) failure() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

func (t *Task) releaseSlot() {
	t.releaseOnce.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
}

// Record 返回任务的对外视图。
func (t *Task) Record() *task.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := &task.Record{
		ID:          t.ID,
		AgentID:     t.AgentID,
		ParentID:    t.ParentID,
		Input:       t.Input,
		Status:      t.status,
		Steps:       t.steps,
		Output:      t.output,
		Transitions: append([]task.Status(nil), t.transitions...),
		Usage:       t.usage,
		CreatedAt:   t.CreatedAt.Unix(),
		UpdatedAt:   t.updatedAt.Unix(),
	}
	if t.signature != nil {
		sig := *t.signature
		rec.Signature = &sig
	}
	if t.err != nil {
		rec.ErrorCode = string(xerrors.CodeOf(t.err))
		rec.ErrorDetail = errorDetail(t.err)
		if len(t.lastContext) > 0 {
			if encoded, err := json.Marshal(t.lastContext); err == nil {
				rec.LastContext = encoded
			}
		}
	}
	return rec
}
