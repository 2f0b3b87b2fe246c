package web3

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(`
default: sepolia
chains:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    description: test network
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if defs.Default != "sepolia" || len(defs.Chains) != 2 {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	if defs.Chains["local"].RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected local chain %+v", defs.Chains["local"])
	}

	if _, err := ParseChainDefinitions([]byte("chains: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	empty, err := LoadChainDefinitions("")
	if err != nil || empty.Chains == nil {
		t.Fatalf("empty path should yield empty definitions: %+v %v", empty, err)
	}

	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains: {}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("unexpected result %+v %v", defs, err)
	}
	if _, err := LoadChainDefinitions(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestToHexBig(t *testing.T) {
	if got := ToHexBig(nil); got != "0x0" {
		t.Fatalf("unexpected %s", got)
	}
	if got := ToHexBig(big.NewInt(255)); got != "0xff" {
		t.Fatalf("unexpected %s", got)
	}
}
