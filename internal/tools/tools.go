// Package tools 提供内置的工具类能力：链上只读查询与知识库检索。
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AgentChain/internal/capability"
	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/knowledge"
	"AgentChain/internal/web3"
)

const (
	BalanceOf        = "balance_of"
	TransactionCount = "transaction_count"
	ChainSnapshot    = "chain_snapshot"
	KnowledgeLookup  = "knowledge_lookup"

	defaultLookupLimit = 3
	defaultToolTimeout = 10 * time.Second
)

// ChainResolver 按名称返回链客户端，名称为空表示默认链。
type ChainResolver interface {
	Resolve(name string) (web3.Client, error)
}

// Toolbox 汇总内置工具的执行体，可为 nil 的后端对应的工具不会出现。
type Toolbox struct {
	chains    ChainResolver
	knowledge knowledge.Provider
	extra     capability.Toolbox
}

// New 创建内置工具集。
func New(chains ChainResolver, kb knowledge.Provider) *Toolbox {
	return &Toolbox{chains: chains, knowledge: kb}
}

// Extend 加入外部提供的工具（例如插件），不允许覆盖内置工具或重复登记。
func (t *Toolbox) Extend(tools capability.Toolbox) error {
	builtin := t.Tools()
	for name, tool := range tools {
		if _, exists := builtin[name]; exists {
			return xerrors.New(capability.CodeDuplicate, fmt.Sprintf("工具 %s 已存在", name))
		}
		if t.extra == nil {
			t.extra = capability.Toolbox{}
		}
		t.extra[name] = tool
	}
	return nil
}

// Tools 返回可供能力目录绑定的工具表。
func (t *Toolbox) Tools() capability.Toolbox {
	tools := capability.Toolbox{}
	for name, tool := range t.extra {
		tools[name] = tool
	}
	if t.chains != nil {
		tools[BalanceOf] = capability.ToolFunc(t.balanceOf)
		tools[TransactionCount] = capability.ToolFunc(t.transactionCount)
		tools[ChainSnapshot] = capability.ToolFunc(t.chainSnapshot)
	}
	if t.knowledge != nil {
		tools[KnowledgeLookup] = capability.ToolFunc(t.knowledgeLookup)
	}
	return tools
}

// Entries 返回带默认描述的注册表条目，未提供能力目录时使用。
func (t *Toolbox) Entries() []capability.Entry {
	tools := t.Tools()
	entries := make([]capability.Entry, 0, len(tools))
	for _, desc := range Descriptors() {
		if tool, ok := tools[desc.Name]; ok {
			entries = append(entries, capability.Entry{Descriptor: desc, Tool: tool})
		}
	}
	return entries
}

// Descriptors 返回内置工具的默认描述。
func Descriptors() []capability.Descriptor {
	chain := map[string]any{"type": "string", "description": "chain name, empty for the default chain"}
	address := map[string]any{"type": "string", "minLength": 42, "maxLength": 42, "description": "0x-prefixed hex address"}
	return []capability.Descriptor{
		{
			Name:        BalanceOf,
			Description: "Return the balance in wei of an address on an EVM chain.",
			Kind:        capability.KindTool,
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"address": address, "chain": chain},
				"required":             []any{"address"},
				"additionalProperties": false,
			},
			OutputSchema: map[string]any{
				"type":     "object",
				"required": []any{"address", "balance_wei"},
			},
			Timeout: defaultToolTimeout,
		},
		{
			Name:        TransactionCount,
			Description: "Return the number of confirmed transactions sent from an address.",
			Kind:        capability.KindTool,
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"address": address, "chain": chain},
				"required":             []any{"address"},
				"additionalProperties": false,
			},
			Timeout: defaultToolTimeout,
		},
		{
			Name:        ChainSnapshot,
			Description: "Return the chain id and latest block number of an EVM chain.",
			Kind:        capability.KindTool,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"chain": chain},
			},
			Timeout: defaultToolTimeout,
		},
		{
			Name:        KnowledgeLookup,
			Description: "Search the static knowledge base for snippets relevant to a query.",
			Kind:        capability.KindTool,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "minLength": 1},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
				},
				"required": []any{"query"},
			},
		},
	}
}

func (t *Toolbox) client(args map[string]any) (web3.Client, string, error) {
	name := stringArg(args, "chain")
	client, err := t.chains.Resolve(name)
	if err != nil {
		return nil, "", err
	}
	return client, name, nil
}

func (t *Toolbox) balanceOf(ctx context.Context, args map[string]any) (map[string]any, error) {
	client, chain, err := t.client(args)
	if err != nil {
		return nil, err
	}
	address := stringArg(args, "address")
	balance, err := client.Balance(ctx, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":     address,
		"chain":       chain,
		"balance_wei": balance.String(),
		"balance_hex": web3.ToHexBig(balance),
	}, nil
}

func (t *Toolbox) transactionCount(ctx context.Context, args map[string]any) (map[string]any, error) {
	client, chain, err := t.client(args)
	if err != nil {
		return nil, err
	}
	address := stringArg(args, "address")
	count, err := client.TransactionCount(ctx, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": address, "chain": chain, "count": count}, nil
}

func (t *Toolbox) chainSnapshot(ctx context.Context, args map[string]any) (map[string]any, error) {
	client, _, err := t.client(args)
	if err != nil {
		return nil, err
	}
	snapshot, err := client.ChainSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"chain":        snapshot.Chain,
		"chain_id":     snapshot.ChainID,
		"block_number": snapshot.BlockNumber,
		"notes":        snapshot.Notes,
	}, nil
}

func (t *Toolbox) knowledgeLookup(ctx context.Context, args map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := stringArg(args, "query")
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query 不能为空")
	}
	limit := defaultLookupLimit
	switch raw := args["limit"].(type) {
	case float64:
		if raw >= 1 {
			limit = int(raw)
		}
	case int:
		if raw >= 1 {
			limit = raw
		}
	}
	snippets := t.knowledge.Query(query, limit)
	items := make([]any, 0, len(snippets))
	for _, s := range snippets {
		items = append(items, map[string]any{"title": s.Title, "content": s.Content})
	}
	return map[string]any{"query": query, "snippets": items}, nil
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
