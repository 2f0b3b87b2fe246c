package provider

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"AgentChain/internal/config"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/web3"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) ChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Chain: s.name}, nil
}
func (s *stubClient) Balance(context.Context, string) (*big.Int, error)       { return big.NewInt(0), nil }
func (s *stubClient) TransactionCount(context.Context, string) (uint64, error) { return 0, nil }
func (s *stubClient) Close()                                                  { s.closed = true }

func TestStaticRegistry(t *testing.T) {
	b, a := &stubClient{name: "b"}, &stubClient{name: "a"}
	registry, err := NewStaticRegistry("", map[string]web3.Client{"b": b, "a": a})
	require.NoError(t, err)
	require.Equal(t, "a", registry.Default())
	require.Equal(t, []string{"a", "b"}, registry.Chains())

	client, err := registry.Resolve("")
	require.NoError(t, err)
	require.Same(t, a, client)

	_, err = registry.Resolve("polygon")
	require.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	registry.Close()
	require.True(t, a.closed)
	require.True(t, b.closed)

	_, err = NewStaticRegistry("x", map[string]web3.Client{"a": a})
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = NewStaticRegistry("", nil)
	require.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestNewRegistryFromDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default: sepolia
chains:
  sepolia:
    rpc_url: http://127.0.0.1:8545
  local:
    rpc_url: http://127.0.0.1:9545
`), 0o600))

	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	require.NoError(t, err)
	defer registry.Close()
	require.Equal(t, "sepolia", registry.Default())
	require.Equal(t, []string{"local", "sepolia"}, registry.Chains())

	fallback, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:8545"})
	require.NoError(t, err)
	defer fallback.Close()
	require.Equal(t, "default", fallback.Default())

	_, err = NewRegistry(context.Background(), config.Web3Config{})
	require.Error(t, err)
}
