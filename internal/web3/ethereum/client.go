package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/web3"
)

// Config 描述如何连接一条 EVM 兼容链。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client 基于 ethclient 实现 web3.Client。
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient 连接配置的 RPC 端点。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(web3.CodeChainUnavailable, err, "连接以太坊节点失败")
	}
	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// Close 释放连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
}

func (c *Client) backend() (*ethclient.Client, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 的客户端已关闭", c.name))
	}
	return c.eth, nil
}

// ChainSnapshot 查询链 ID 与最新区块高度。
func (c *Client) ChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, classify(err, "获取链 ID 失败")
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, classify(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     web3.ToHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance 查询地址在最新区块的余额（wei）。
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	balance, err := eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, classify(err, "查询余额失败")
	}
	return balance, nil
}

// TransactionCount 查询地址在最新区块已确认的交易数。
func (c *Client) TransactionCount(ctx context.Context, address string) (uint64, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	nonce, err := eth.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, classify(err, "查询交易计数失败")
	}
	return nonce, nil
}

func parseAddress(address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的地址: %q", address))
	}
	return common.HexToAddress(address), nil
}

// classify 区分节点返回的 JSON-RPC 错误与传输层错误，后者可以重试。
func classify(err error, msg string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return xerrors.Wrap(web3.CodeChainUnavailable, err, msg)
}

var _ web3.Client = (*Client)(nil)
