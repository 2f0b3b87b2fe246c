package agentchain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitSendsToken(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["agent_id"] != "treasurer" {
			t.Errorf("unexpected body %v %v", body, err)
		}
		writeJSON(w, http.StatusAccepted, TaskSummary{TaskID: "task-1", Status: "pending"})
	})
	client.SetAccessToken("secret")

	summary, err := client.Submit(context.Background(), "treasurer", "balance")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if summary.TaskID != "task-1" || summary.Status != "pending" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestStatusNotFound(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-404" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeAPIError(w, http.StatusNotFound, "TASK_NOT_FOUND", "missing")
	})

	_, err := client.Status(context.Background(), "task-404")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TASK_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForResultPollsUntilFinished(t *testing.T) {
	var calls atomic.Int32
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-1/result" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if calls.Add(1) < 3 {
			writeAPIError(w, http.StatusConflict, "TASK_NOT_FINISHED", "running")
			return
		}
		writeJSON(w, http.StatusOK, TaskResult{TaskID: "task-1", Output: "100 wei", Signature: Signature{Signer: "treasurer"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.WaitForResult(ctx, "task-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Output != "100 wei" || calls.Load() != 3 {
		t.Fatalf("unexpected result %+v after %d calls", result, calls.Load())
	}
}

func TestWaitForResultReturnsTaskFailure(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusUnprocessableEntity, "STEP_LIMIT_EXCEEDED", "limit 16")
	})

	_, err := client.WaitForResult(context.Background(), "task-1", time.Millisecond)
	apiErr, ok := TaskFailed(err)
	if !ok || apiErr.Code != "STEP_LIMIT_EXCEEDED" {
		t.Fatalf("expected task failure, got %v", err)
	}
}

func TestWaitForResultHonoursContext(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusConflict, "TASK_NOT_FINISHED", "running")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := client.WaitForResult(ctx, "task-1", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestCancelAndVerify(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tasks/task-1/cancel":
			writeJSON(w, http.StatusAccepted, TaskSummary{TaskID: "task-1", Status: "failed"})
		case "/api/v1/signatures/verify":
			var body struct {
				Payload   string    `json:"payload"`
				Signature Signature `json:"signature"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, Verification{Valid: body.Payload == "ok", Signer: body.Signature.Signer})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	summary, err := client.Cancel(ctx, "task-1")
	if err != nil || summary.Status != "failed" {
		t.Fatalf("cancel: %+v %v", summary, err)
	}
	v, err := client.Verify(ctx, "ok", Signature{Signer: "treasurer"})
	if err != nil || !v.Valid || v.Signer != "treasurer" {
		t.Fatalf("verify: %+v %v", v, err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("://bad", nil); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
