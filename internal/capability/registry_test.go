package capability

import (
	"context"
	"testing"

	xerrors "AgentChain/internal/errors"
)

func noopTool() Tool {
	return ToolFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
}

func TestRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Entry{
		Descriptor: Descriptor{Name: "balance_of", Kind: KindTool},
		Tool:       noopTool(),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	desc, err := reg.Resolve("balance_of")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Kind != KindTool || desc.InputSchema["type"] != "object" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}

	if _, err := reg.Resolve("missing"); xerrors.CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	entry := Entry{Descriptor: Descriptor{Name: "echo"}, Tool: noopTool()}
	if err := reg.Register(entry); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register(entry)
	if xerrors.CodeOf(err) != CodeDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegisterRejectsToolWithoutImplementation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Entry{Descriptor: Descriptor{Name: "broken", Kind: KindTool}}); err == nil {
		t.Fatalf("expected error for tool without implementation")
	}
}

func TestAgentCapabilityDefaults(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Entry{Descriptor: Descriptor{Name: "research", Kind: KindAgent, Agent: "researcher"}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	desc, _ := reg.Resolve("research")
	if desc.Target() != "researcher" {
		t.Fatalf("unexpected target %q", desc.Target())
	}
	if err := reg.Validate("research", map[string]any{}); xerrors.CodeOf(err) != xerrors.CodeSchemaViolation {
		t.Fatalf("expected schema violation for missing prompt, got %v", err)
	}
	if err := reg.Validate("research", map[string]any{"prompt": "find it"}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Entry{Descriptor: Descriptor{Name: "a"}, Tool: noopTool()})

	captured := reg.Snapshot()
	if err := reg.Replace([]Entry{{Descriptor: Descriptor{Name: "b"}, Tool: noopTool()}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, ok := captured.Entry("a"); !ok {
		t.Fatalf("captured snapshot lost entry after replace")
	}
	if _, ok := captured.Entry("b"); ok {
		t.Fatalf("captured snapshot observed later replace")
	}
	if _, err := reg.Resolve("a"); err == nil {
		t.Fatalf("expected a to be gone from the active snapshot")
	}
	if reg.Snapshot().Version() <= captured.Version() {
		t.Fatalf("expected version to increase")
	}
}

func TestReplaceRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	err := reg.Replace([]Entry{
		{Descriptor: Descriptor{Name: "x"}, Tool: noopTool()},
		{Descriptor: Descriptor{Name: "x"}, Tool: noopTool()},
	})
	if xerrors.CodeOf(err) != CodeDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestDescriptorsHonourPolicy(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"chain_snapshot", "balance_of", "transfer"} {
		_ = reg.Register(Entry{Descriptor: Descriptor{Name: name}, Tool: noopTool()})
	}
	policy := &Policy{Allow: []string{"balance_*", "chain_*", "transfer"}, Deny: []string{"transfer"}}
	descs := reg.Snapshot().Descriptors(policy)
	if len(descs) != 2 || descs[0].Name != "balance_of" || descs[1].Name != "chain_snapshot" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}
	if len(reg.Snapshot().Descriptors(nil)) != 3 {
		t.Fatalf("nil policy should expose every capability")
	}
}

func TestLimiterConfigured(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(Entry{
		Descriptor: Descriptor{Name: "limited", RateLimit: &RateLimit{RPS: 2, Burst: 1}},
		Tool:       noopTool(),
	})
	_ = reg.Register(Entry{Descriptor: Descriptor{Name: "free"}, Tool: noopTool()})
	snap := reg.Snapshot()
	if snap.Limiter("limited") == nil {
		t.Fatalf("expected limiter for rate limited capability")
	}
	if snap.Limiter("free") != nil {
		t.Fatalf("unexpected limiter for free capability")
	}
}

func TestResultContent(t *testing.T) {
	ok := Result{InvocationID: "1", Success: true, Payload: map[string]any{"balance": 100}}
	if ok.Content() != `{"balance":100}` {
		t.Fatalf("unexpected content: %s", ok.Content())
	}
	failed := Failure("2", xerrors.New(xerrors.CodeSchemaViolation, "$.account: missing"), 1)
	if failed.Code != xerrors.CodeSchemaViolation || failed.Success {
		t.Fatalf("unexpected failure result: %+v", failed)
	}
}

func TestPolicyMerge(t *testing.T) {
	defaults := Policy{Allow: []string{"balance_*"}, Deny: []string{"transfer"}}

	inherited := (&Policy{Deny: []string{"balance_history"}}).Merge(defaults)
	if !inherited.Allows("balance_of") || inherited.Allows("balance_history") || inherited.Allows("transfer") || inherited.Allows("chain_snapshot") {
		t.Fatalf("unexpected inherited policy %+v", inherited)
	}

	own := (&Policy{Allow: []string{"chain_*"}}).Merge(defaults)
	if !own.Allows("chain_snapshot") || own.Allows("balance_of") {
		t.Fatalf("own allow list should replace the default: %+v", own)
	}

	var missing *Policy
	if merged := missing.Merge(defaults); merged.Allows("transfer") {
		t.Fatalf("nil policy should fall back to defaults: %+v", merged)
	}
}

func TestDecodeArguments(t *testing.T) {
	cases := []struct {
		raw       string
		malformed string
		keys      int
	}{
		{raw: `{"address":"0xabc"}`, keys: 1},
		{raw: "  ", keys: 0},
		{raw: "null", keys: 0},
		{raw: `{"address": `, malformed: `{"address":`},
		{raw: `[1,2]`, malformed: `[1,2]`},
	}
	for _, tc := range cases {
		args, malformed := DecodeArguments([]byte(tc.raw))
		if malformed != tc.malformed || len(args) != tc.keys || args == nil {
			t.Fatalf("%q: args=%v malformed=%q", tc.raw, args, malformed)
		}
	}
	if (Invocation{RawArguments: "x"}).Malformed() != true || (Invocation{}).Malformed() {
		t.Fatalf("unexpected Malformed result")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(Transient(context.DeadlineExceeded)) {
		t.Fatalf("wrapped transient error should be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatalf("cancellation must not be retried")
	}
	if IsTransient(xerrors.New(xerrors.CodeSchemaViolation, "bad")) {
		t.Fatalf("schema violation must not be retried")
	}
}
