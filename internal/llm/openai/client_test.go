package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteFinalAnswer(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "余额为 100"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4},
		})
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		AgentID: "treasurer",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "you are a treasurer"},
			{Role: llm.RoleUser, Content: "余额多少"},
		},
		Capabilities: []capability.Descriptor{{
			Name:        "balance_of",
			Description: "查询余额",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinalAnswer != "余额为 100" || resp.Invocation != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	tools, _ := captured.Body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %v", captured.Body["tools"])
	}
}

func TestCompleteToolCall(t *testing.T) {
	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"balance_of","arguments":"{\"address\":\"0xabc\"}"}}]}}]}`))
	})

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "余额"},
			{Role: llm.RoleAssistant, Invocation: &capability.Invocation{ID: "call_0", Name: "balance_of", Arguments: map[string]any{"address": "0x1"}}},
			{Role: llm.RoleCapabilityResult, InvocationID: "call_0", Content: `{"balance":"1"}`},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Invocation == nil || resp.Invocation.ID != "call_1" || resp.Invocation.Name != "balance_of" {
		t.Fatalf("unexpected invocation: %+v", resp.Invocation)
	}
	if resp.Invocation.Arguments["address"] != "0xabc" {
		t.Fatalf("unexpected arguments: %+v", resp.Invocation.Arguments)
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("response should validate: %v", err)
	}

	if len(body.Messages) != 3 {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}
	if body.Messages[1]["content"] != nil || body.Messages[1]["tool_calls"] == nil {
		t.Fatalf("assistant invocation not encoded as tool call: %+v", body.Messages[1])
	}
	if body.Messages[2]["role"] != "tool" || body.Messages[2]["tool_call_id"] != "call_0" {
		t.Fatalf("capability result not encoded as tool message: %+v", body.Messages[2])
	}
}

func TestCompleteHTTPErrors(t *testing.T) {
	cases := map[int]xerrors.Code{
		http.StatusBadRequest:         llm.CodeGatewayFailure,
		http.StatusTooManyRequests:    llm.CodeGatewayTransient,
		http.StatusServiceUnavailable: llm.CodeGatewayTransient,
	}
	for status, want := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", status)
		})
		_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
		if xerrors.CodeOf(err) != want {
			t.Fatalf("status %d: expected %s, got %v", status, want, err)
		}
	}
}

func TestCompleteBadArguments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"name":"x","arguments":"{not json"}}]}}]}`))
	})
	resp, err := client.Complete(context.Background(), llm.Request{})
	if err != nil {
		t.Fatalf("malformed arguments should not fail the call: %v", err)
	}
	inv := resp.Invocation
	if inv == nil || inv.Name != "x" || !inv.Malformed() || inv.RawArguments != "{not json" || len(inv.Arguments) != 0 {
		t.Fatalf("unexpected invocation %+v", inv)
	}

	replay := convertMessage(llm.Message{Role: llm.RoleAssistant, Invocation: inv})
	if len(replay.ToolCalls) != 1 || replay.ToolCalls[0].Function.Arguments != "{not json" {
		t.Fatalf("raw arguments should be replayed as sent: %+v", replay.ToolCalls)
	}
}

func TestCompleteNonObjectArguments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[{"id":"c","function":{"name":"x","arguments":"[1,2]"}}]}}]}`))
	})
	resp, err := client.Complete(context.Background(), llm.Request{})
	if err != nil || !resp.Invocation.Malformed() {
		t.Fatalf("array arguments should be kept as malformed: %+v %v", resp, err)
	}
}

func TestEmbed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != defaultEmbeddingModel || body["input"] != "hello" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	})

	vec, err := client.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Fatalf("unexpected embedding %v", vec)
	}
}
