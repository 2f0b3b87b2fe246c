package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentChain/internal/errors"
	"AgentChain/pkg/logger"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure})
	if err == nil {
		t.Fatalf("expected joined error from failing channel")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every notifier should receive the event")
	}
}

func TestNewEventUsesRegistryAttributes(t *testing.T) {
	cause := xerrors.New(xerrors.CodeStorageFailure, "disk full")
	event := NewEvent(xerrors.CodeStorageFailure, cause, "t-1", "agent", map[string]string{"stage": "memory"})
	if event.Severity != xerrors.SeverityOf(cause) {
		t.Fatalf("unexpected severity %s", event.Severity)
	}
	if event.TaskID != "t-1" || event.AgentID != "agent" || event.Message != cause.Error() {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestWebhookNotifier(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, TaskID: "t-9"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.TaskID != "t-9" || received.Code != xerrors.CodeTimeout {
		t.Fatalf("unexpected payload: %+v", received)
	}

	bad := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := bad.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: logger.Discard()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Metadata: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
}
