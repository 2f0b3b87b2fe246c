package proofs

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"

	xerrors "AgentChain/internal/errors"
	"AgentChain/pkg/logger"
)

const defaultRecoverCacheSize = 4096

// Keyring 为每个智能体保存一把 secp256k1 私钥，并实现 Provider。
type Keyring struct {
	mu             sync.RWMutex
	keys           map[string]*ecdsa.PrivateKey
	addresses      map[string]common.Address
	allowEphemeral bool
	cacheSize      int
	recovered      *lru.ARCCache
	logger         *slog.Logger
}

// KeyringOption 定义密钥环的可选配置。
type KeyringOption func(*Keyring)

// WithEphemeralKeys 允许为缺少密钥的智能体临时生成密钥。
func WithEphemeralKeys(allow bool) KeyringOption {
	return func(k *Keyring) {
		k.allowEphemeral = allow
	}
}

// WithRecoverCacheSize 设置签名恢复缓存的容量。
func WithRecoverCacheSize(size int) KeyringOption {
	return func(k *Keyring) {
		if size > 0 {
			k.cacheSize = size
		}
	}
}

// WithKeyringLogger 指定日志输出。
func WithKeyringLogger(l *slog.Logger) KeyringOption {
	return func(k *Keyring) {
		if l != nil {
			k.logger = l
		}
	}
}

// NewKeyring 创建空的密钥环。
func NewKeyring(opts ...KeyringOption) (*Keyring, error) {
	k := &Keyring{
		keys:      make(map[string]*ecdsa.PrivateKey),
		addresses: make(map[string]common.Address),
		cacheSize: defaultRecoverCacheSize,
		logger:    logger.Named("proofs"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	cache, err := lru.NewARC(k.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("创建签名缓存失败: %w", err)
	}
	k.recovered = cache
	return k, nil
}

// AddKey 为智能体登记私钥，已存在时覆盖。
func (k *Keyring) AddKey(agentID string, key *ecdsa.PrivateKey) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" || key == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 与私钥不能为空")
	}
	k.mu.Lock()
	k.keys[agentID] = key
	k.addresses[agentID] = crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Unlock()
	return nil
}

// AddHexKey 以十六进制私钥登记密钥。
func (k *Keyring) AddHexKey(agentID, hexKey string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析智能体 %s 的私钥失败", agentID))
	}
	return k.AddKey(agentID, key)
}

// LoadKeystore 从 go-ethereum keystore 文件解密并登记密钥。
func (k *Keyring) LoadKeystore(agentID, path, passphrase string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("读取 keystore %s 失败", path))
	}
	key, err := keystore.DecryptKey(content, passphrase)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("解密 keystore %s 失败", path))
	}
	return k.AddKey(agentID, key.PrivateKey)
}

// Address 返回智能体的签名地址。
func (k *Keyring) Address(agentID string) (common.Address, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	addr, ok := k.addresses[agentID]
	return addr, ok
}

// Addresses 返回所有智能体的地址，供外部验证方固定身份。
func (k *Keyring) Addresses() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.addresses))
	for id, addr := range k.addresses {
		out[id] = addr.Hex()
	}
	return out
}

// Agents 返回已登记密钥的智能体列表。
func (k *Keyring) Agents() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sign 使用智能体私钥对 payload 的 keccak256 摘要签名。
func (k *Keyring) Sign(ctx context.Context, agentID string, payload []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	key, err := k.keyFor(agentID)
	if err != nil {
		return Signature{}, err
	}
	hash := crypto.Keccak256(payload)
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return Signature{}, xerrors.Wrap(CodeKeyUnavailable, err, "签名失败")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.recovered.Add(cacheKey(hash, sig), addr)
	return Signature{
		Signer:      agentID,
		Address:     addr.Hex(),
		PayloadHash: hexutil.Encode(hash),
		Value:       sig,
	}, nil
}

// Verify 校验签名；若签名者在密钥环中登记过，还要求地址与登记地址一致。
func (k *Keyring) Verify(sig Signature, payload []byte) bool {
	hash, ok := checkHash(sig, payload)
	if !ok {
		return false
	}
	addr, err := k.recover(hash, sig.Value)
	if err != nil {
		return false
	}
	if addr != common.HexToAddress(sig.Address) {
		return false
	}
	if pinned, ok := k.Address(sig.Signer); ok && pinned != addr {
		return false
	}
	return true
}

func (k *Keyring) keyFor(agentID string) (*ecdsa.PrivateKey, error) {
	k.mu.RLock()
	key, ok := k.keys[agentID]
	k.mu.RUnlock()
	if ok {
		return key, nil
	}
	if !k.allowEphemeral {
		return nil, xerrors.Wrap(CodeKeyUnavailable, ErrKeyUnavailable,
			fmt.Sprintf("智能体 %s 未配置签名密钥", agentID),
			xerrors.WithMetadata("agent_id", agentID))
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.keys[agentID]; ok {
		return key, nil
	}
	generated, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(CodeKeyUnavailable, err, "生成临时密钥失败")
	}
	k.keys[agentID] = generated
	k.addresses[agentID] = crypto.PubkeyToAddress(generated.PublicKey)
	k.logger.Warn("为智能体生成了临时签名密钥，重启后地址会变化",
		slog.String("agent_id", agentID),
		slog.String("address", k.addresses[agentID].Hex()))
	return generated, nil
}

func (k *Keyring) recover(hash, sig []byte) (common.Address, error) {
	key := cacheKey(hash, sig)
	if cached, ok := k.recovered.Get(key); ok {
		return cached.(common.Address), nil
	}
	addr, err := RecoverAddress(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	k.recovered.Add(key, addr)
	return addr, nil
}

func cacheKey(hash, sig []byte) string {
	return string(hash) + string(sig)
}

// GenerateKey 生成新的私钥，返回十六进制私钥与地址。
func GenerateKey() (string, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", err
	}
	return hexutil.Encode(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
