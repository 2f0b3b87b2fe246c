package web3

import (
	"context"
	"math/big"

	xerrors "AgentChain/internal/errors"
)

// CodeChainUnavailable 表示链节点暂不可用，调用方可以重试。
const CodeChainUnavailable xerrors.Code = "CHAIN_UNAVAILABLE"

func init() {
	xerrors.Register(CodeChainUnavailable, xerrors.Attributes{
		Message:   "chain endpoint unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// ChainSnapshot 汇总链的基础元数据。
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client 定义各链实现需要提供的只读接口。
type Client interface {
	ChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	TransactionCount(ctx context.Context, address string) (uint64, error)
	Close()
}

// ToHexBig 将大整数格式化为 0x 前缀的十六进制字符串。
func ToHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
