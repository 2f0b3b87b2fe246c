package llm

import (
	"errors"
	"testing"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
)

func TestResponseValidate(t *testing.T) {
	cases := []struct {
		name string
		resp *Response
		ok   bool
	}{
		{"answer", &Response{FinalAnswer: "done"}, true},
		{"invocation", &Response{Invocation: &capability.Invocation{Name: "balance_of"}}, true},
		{"both", &Response{FinalAnswer: "done", Invocation: &capability.Invocation{Name: "balance_of"}}, false},
		{"neither", &Response{Thought: "hmm"}, false},
		{"blank answer", &Response{FinalAnswer: "  "}, false},
		{"unnamed invocation", &Response{Invocation: &capability.Invocation{}}, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		err := tc.resp.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && xerrors.CodeOf(err) != CodeGatewayFailure {
			t.Fatalf("%s: expected gateway failure, got %v", tc.name, err)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	if !xerrors.RetryableError(Transient(errors.New("503"), "busy")) {
		t.Fatalf("transient gateway errors must be retryable")
	}
	if xerrors.RetryableError(Failure(errors.New("400"), "bad request")) {
		t.Fatalf("gateway failures must not be retryable")
	}
	if Transient(nil, "noop") != nil {
		t.Fatalf("nil error should stay nil")
	}
	for status, want := range map[int]bool{200: false, 400: false, 429: true, 500: true, 503: true} {
		if StatusTransient(status) != want {
			t.Fatalf("status %d: want %v", status, want)
		}
	}
}

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt([]Message{
		{Role: RoleSystem, Content: "you are a treasurer"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "memory: none"},
	})
	if got != "you are a treasurer\n\nmemory: none" {
		t.Fatalf("unexpected system prompt %q", got)
	}
}
