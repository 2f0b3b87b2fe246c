package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"AgentChain/internal/config"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/web3"
	"AgentChain/internal/web3/ethereum"
)

// Registry 按名称管理链客户端。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry 读取链配置并创建对应客户端。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 使用了不支持的类型 %s", name, chain.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	registry, err := NewStaticRegistry(defaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewStaticRegistry 使用现成的客户端构造注册表，默认链为空时取名称最小者。
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	r := &Registry{defaultChain: defaultChain, clients: clients}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := clients[r.defaultChain]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("默认链 %s 未在配置中找到", r.defaultChain))
	}
	return r, nil
}

// Default 返回默认链名称。
func (r *Registry) Default() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Resolve 返回指定名称的客户端，名称为空时返回默认链。
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的链: %s", name))
	}
	return client, nil
}

// Close 释放所有客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains 返回已注册的链名称，按字母序排列。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
