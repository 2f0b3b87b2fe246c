package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
)

// 测试使用 sh 脚本模拟桥接协议，避免依赖本机 Python 环境。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCompleteInvocation(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo '{"invocation":{"id":"c1","name":"balance_of","arguments":{"address":"0xabc"}},"usage":{"input_tokens":3,"output_tokens":2}}'
`)
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Complete(context.Background(), llm.Request{AgentID: "treasurer", Messages: []llm.Message{{Role: llm.RoleUser, Content: "余额"}}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("response should validate: %v", err)
	}
	if resp.Invocation.Name != "balance_of" || resp.Invocation.Arguments["address"] != "0xabc" || resp.Usage.OutputTokens != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCompleteEchoesRequest(t *testing.T) {
	script := writeScript(t, `read -r line
case "$line" in
  *'"agent_id":"treasurer"'*) echo '{"final_answer":"ok"}' ;;
  *) echo '{"final_answer":"wrong"}' ;;
esac
`)
	client, _ := NewClient("sh", script, "")
	resp, err := client.Complete(context.Background(), llm.Request{AgentID: "treasurer"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.FinalAnswer != "ok" {
		t.Fatalf("request was not forwarded on stdin: %+v", resp)
	}
}

func TestCompleteFailures(t *testing.T) {
	failing := writeScript(t, "echo boom >&2\nexit 3\n")
	client, _ := NewClient("sh", failing, "")
	if _, err := client.Complete(context.Background(), llm.Request{}); xerrors.CodeOf(err) != llm.CodeGatewayFailure {
		t.Fatalf("expected gateway failure, got %v", err)
	}

	garbage := writeScript(t, "echo not-json\n")
	client, _ = NewClient("sh", garbage, "")
	if _, err := client.Complete(context.Background(), llm.Request{}); xerrors.CodeOf(err) != llm.CodeGatewayFailure {
		t.Fatalf("expected parse failure, got %v", err)
	}

	if _, err := NewClient("", "", ""); err == nil {
		t.Fatalf("expected error without script path")
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt", "bridge.py"); got != "/opt/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/opt", "/abs/bridge.py"); got != "/abs/bridge.py" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("", ""); got != "" {
		t.Fatalf("unexpected path %s", got)
	}
}
