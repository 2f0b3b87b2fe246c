package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleCatalog = `
capabilities:
  - name: balance_of
    kind: tool
    description: Query the native balance of an account
    timeout: 3s
    rate_limit:
      rps: 5
      burst: 2
    input_schema:
      type: object
      properties:
        account:
          type: string
      required: [account]
  - name: research
    kind: agent
    agent: researcher
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(catalog.Capabilities) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(catalog.Capabilities))
	}
	balance := catalog.Capabilities[0]
	if balance.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", balance.Timeout)
	}
	if balance.RateLimit == nil || balance.RateLimit.Burst != 2 {
		t.Fatalf("unexpected rate limit %+v", balance.RateLimit)
	}

	entries, err := catalog.Entries(Toolbox{"balance_of": noopTool()})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	reg := NewRegistry()
	if err := reg.Replace(entries); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := reg.Validate("balance_of", map[string]any{"account": "0x1"}); err != nil {
		t.Fatalf("yaml schema should validate: %v", err)
	}
	if err := reg.Validate("balance_of", map[string]any{}); err == nil {
		t.Fatalf("expected violation for missing account")
	}
}

func TestCatalogEntriesMissingTool(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := catalog.Entries(Toolbox{}); err == nil {
		t.Fatalf("expected error when tool implementation is missing")
	}
}

func TestWatchReloadsCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	if err := os.WriteFile(path, []byte("capabilities:\n  - name: research\n    kind: agent\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg := NewRegistry()
	entries, err := LoadEntries(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := reg.Replace(entries); err != nil {
		t.Fatalf("replace: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, reg, nil, nil)
	}()

	updated := "capabilities:\n  - name: research\n    kind: agent\n  - name: audit\n    kind: agent\n"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		if _, err := reg.Resolve("audit"); err == nil {
			cancel()
			<-done
			return
		}
	}
	t.Fatalf("registry was not reloaded after catalog change")
}
