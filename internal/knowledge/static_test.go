package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticProviderQuery(t *testing.T) {
	provider := NewStaticProvider([]Snippet{
		{Title: "余额", Content: "eth_getBalance 返回 wei", Keywords: []string{"balance", "余额"}},
		{Title: "Nonce", Content: "eth_getTransactionCount", Tags: []string{"nonce"}},
		{Title: "通用", Content: "always included"},
	}, 2)

	got := provider.Query("查询 Balance", 0)
	if len(got) != 2 || got[0].Title != "余额" || got[1].Title != "通用" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
	if got := provider.Query("nonce please", 1); len(got) != 1 || got[0].Title != "Nonce" {
		t.Fatalf("unexpected limited result: %+v", got)
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("x", 1) != nil || nilProvider.Len() != 0 {
		t.Fatalf("nil provider should be empty")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	if err := os.WriteFile(path, []byte(`[{"title":"gas","content":"21000","keywords":["gas"]}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	provider, err := LoadStaticProvider(path, 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if provider.Len() != 1 || len(provider.Query("gas price", 0)) != 1 {
		t.Fatalf("unexpected provider state")
	}
	if _, err := LoadStaticProvider("", 3); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
