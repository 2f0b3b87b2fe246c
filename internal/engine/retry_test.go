package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/llm"
	"AgentChain/internal/task"
)

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Initial: 100 * time.Millisecond, Multiplier: 2, Max: 350 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, expected := range want {
		if got := p.Backoff(i + 1); got != expected {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, expected)
		}
	}
	if got := DefaultRetryPolicy(); got.MaxAttempts != 3 || got.Initial != 200*time.Millisecond {
		t.Fatalf("unexpected defaults %+v", got)
	}
}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return ctx.Err()
}

func TestDoExhaustsAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxAttempts: 3, Initial: 10 * time.Millisecond}
	calls := 0
	attempts, err := p.Do(context.Background(), rec.sleep, func(context.Context, int) error {
		calls++
		return capability.Transient(errFlaky)
	})
	if attempts != 3 || calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got attempts=%d calls=%d", attempts, calls)
	}
	if !xerrors.HasCode(err, xerrors.CodeTransientCapability) || !errors.Is(err, errFlaky) {
		t.Fatalf("last error should be returned, got %v", err)
	}
	if want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}; !reflect.DeepEqual(rec.sleeps, want) {
		t.Fatalf("unexpected sleeps %v", rec.sleeps)
	}
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	rec := &sleepRecorder{}
	attempts, err := RetryPolicy{}.Do(context.Background(), rec.sleep, func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil || attempts != 2 || len(rec.sleeps) != 1 {
		t.Fatalf("expected success on second attempt: attempts=%d err=%v sleeps=%v", attempts, err, rec.sleeps)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	rec := &sleepRecorder{}
	permanent := xerrors.New(xerrors.CodeSchemaViolation, "bad payload")
	attempts, err := RetryPolicy{MaxAttempts: 5}.Do(context.Background(), rec.sleep, func(context.Context, int) error {
		return permanent
	})
	if attempts != 1 || err != permanent || len(rec.sleeps) != 0 {
		t.Fatalf("permanent errors must not be retried: attempts=%d err=%v", attempts, err)
	}

	attempts, _ = RetryPolicy{MaxAttempts: 5}.Do(context.Background(), rec.sleep, func(context.Context, int) error {
		return context.Canceled
	})
	if attempts != 1 {
		t.Fatalf("cancellation must not be retried, got %d attempts", attempts)
	}
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := RetryPolicy{MaxAttempts: 5, Initial: time.Hour}.Do(ctx, nil, func(context.Context, int) error {
		cancel()
		return capability.Transient(errFlaky)
	})
	if attempts != 1 || !xerrors.HasCode(err, xerrors.CodeTransientCapability) {
		t.Fatalf("unexpected result attempts=%d err=%v", attempts, err)
	}
}

func TestToolAttemptTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, Config{Retry: RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond}})
	calls := 0
	h.tool(t, capability.Descriptor{Name: "slow", Timeout: 20 * time.Millisecond},
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			calls++
			if calls == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return map[string]any{"ok": true}, nil
		})
	gw := &scriptedGateway{script: func(call int, _ llm.Request) (*llm.Response, error) {
		if call == 1 {
			return invoke("slow", nil), nil
		}
		return answer("done"), nil
	}}
	h.agent(t, "a", gw)

	rec := h.run(t, "a", "go")
	if rec.Status != task.StatusCompleted || calls != 2 {
		t.Fatalf("timed out attempt should be retried: %+v calls=%d", rec, calls)
	}
	if got := lastResult(t, gw.request(1)).Content; got != `{"ok":true}` {
		t.Fatalf("unexpected result %s", got)
	}
	if sleeps := h.recordedSleeps(); len(sleeps) != 1 || sleeps[0] != time.Millisecond {
		t.Fatalf("unexpected sleeps %v", sleeps)
	}
}

func TestToolTransientExhaustion(t *testing.T) {
	h := newHarness(t, Config{Retry: RetryPolicy{MaxAttempts: 2, Initial: time.Millisecond}})
	h.tool(t, capability.Descriptor{Name: "down"}, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errFlaky
	})
	h.tool(t, capability.Descriptor{Name: "flappy"}, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, capability.Transient(errFlaky)
	})
	gw := &scriptedGateway{script: func(call int, _ llm.Request) (*llm.Response, error) {
		switch call {
		case 1:
			return invoke("down", nil), nil
		case 2:
			return invoke("flappy", nil), nil
		default:
			return answer("giving up"), nil
		}
	}}
	h.agent(t, "a", gw)
	h.run(t, "a", "go")

	down := lastResult(t, gw.request(1)).Content
	if !strings.Contains(down, string(capability.CodeFailed)) {
		t.Fatalf("plain errors are permanent failures: %s", down)
	}
	flappy := lastResult(t, gw.request(2)).Content
	if !strings.Contains(flappy, string(xerrors.CodeTransientCapability)) {
		t.Fatalf("exhausted transient failure should keep its kind: %s", flappy)
	}
	if sleeps := h.recordedSleeps(); len(sleeps) != 1 {
		t.Fatalf("only the transient tool should be retried, sleeps=%v", sleeps)
	}
}
