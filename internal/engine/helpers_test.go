package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentChain/internal/agent"
	"AgentChain/internal/capability"
	"AgentChain/internal/llm"
	"AgentChain/internal/memory"
	"AgentChain/internal/observability/alerting"
	"AgentChain/internal/proofs"
	"AgentChain/internal/task"
	"AgentChain/pkg/logger"
)

// scriptedGateway 按调用序号返回预设响应，并记录每次收到的请求。
type scriptedGateway struct {
	mu       sync.Mutex
	requests []llm.Request
	script   func(call int, req llm.Request) (*llm.Response, error)
}

func (g *scriptedGateway) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	call := len(g.requests)
	g.mu.Unlock()
	return g.script(call, req)
}

func (g *scriptedGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *scriptedGateway) request(i int) llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

func answer(text string) *llm.Response {
	return &llm.Response{FinalAnswer: text, Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}}
}

func invoke(name string, args map[string]any) *llm.Response {
	return &llm.Response{Invocation: &capability.Invocation{Name: name, Arguments: args}, Usage: llm.Usage{InputTokens: 10, OutputTokens: 2}}
}

// lastResult 返回请求中最后一条 capability_result 消息。
func lastResult(t *testing.T, req llm.Request) llm.Message {
	t.Helper()
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleCapabilityResult {
			return req.Messages[i]
		}
	}
	t.Fatalf("no capability result in request: %+v", req.Messages)
	return llm.Message{}
}

type captureAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerts) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

type harness struct {
	rt       *Runtime
	registry *capability.Registry
	memory   *memory.LocalStore
	keyring  *proofs.Keyring
	archive  *task.MemoryStore
	alerts   *captureAlerts
	sleeps   []time.Duration
	sleepMu  sync.Mutex
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	keyring, err := proofs.NewKeyring(proofs.WithEphemeralKeys(true), proofs.WithKeyringLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return newHarnessWithSigner(t, cfg, keyring, opts...)
}

func newHarnessWithSigner(t *testing.T, cfg Config, keyring *proofs.Keyring, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		registry: capability.NewRegistry(capability.WithLogger(logger.Discard())),
		memory:   memory.NewLocalStore(),
		keyring:  keyring,
		archive:  task.NewMemoryStore(0),
		alerts:   &captureAlerts{},
	}
	var seq atomic.Int64
	base := []Option{
		WithLogger(logger.Discard()),
		WithAuditLogger(logger.Discard()),
		WithIDGenerator(func() string { return fmt.Sprintf("task-%d", seq.Add(1)) }),
		WithAlertDispatcher(h.alerts),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleepMu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.sleepMu.Unlock()
			return ctx.Err()
		}),
	}
	rt, err := NewRuntime(cfg, Deps{
		Registry: h.registry,
		Memory:   h.memory,
		Embedder: memory.NewHashEmbedder(64),
		Signer:   keyring,
		Archive:  h.archive,
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	h.rt = rt
	return h
}

func (h *harness) agent(t *testing.T, id string, gateway llm.Gateway, policy ...string) {
	t.Helper()
	if _, err := h.rt.Register(agent.Profile{ID: id, Policy: capability.Policy{Allow: policy}}, gateway); err != nil {
		t.Fatalf("register agent %s: %v", id, err)
	}
}

func (h *harness) tool(t *testing.T, desc capability.Descriptor, fn capability.ToolFunc) {
	t.Helper()
	if err := h.registry.Register(capability.Entry{Descriptor: desc, Tool: fn}); err != nil {
		t.Fatalf("register tool %s: %v", desc.Name, err)
	}
}

func (h *harness) delegation(t *testing.T, name, target string) {
	t.Helper()
	desc := capability.Descriptor{Name: name, Kind: capability.KindAgent, Agent: target}
	if err := h.registry.Register(capability.Entry{Descriptor: desc}); err != nil {
		t.Fatalf("register delegation %s: %v", name, err)
	}
}

func (h *harness) run(t *testing.T, agentID, input string) *task.Record {
	t.Helper()
	ctx := context.Background()
	id, err := h.rt.Submit(ctx, agentID, input)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.rt.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}
	rec, err := h.rt.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return rec
}

func (h *harness) recordedSleeps() []time.Duration {
	h.sleepMu.Lock()
	defer h.sleepMu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

var errFlaky = errors.New("connection reset by peer")

func balanceSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"address": map[string]any{"type": "string", "minLength": 1}},
		"required":   []any{"address"},
	}
}

func profile(id string) agent.Profile {
	return agent.Profile{ID: id}
}
