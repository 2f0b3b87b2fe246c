package proofs

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentChain/internal/errors"
)

// Signature 是附着在任务输出或记忆记录上的签名。
type Signature struct {
	Signer      string        `json:"signer"`
	Address     string        `json:"address"`
	PayloadHash string        `json:"payload_hash"`
	Value       hexutil.Bytes `json:"signature"`
}

// Provider 定义签名与验签能力。
type Provider interface {
	Sign(ctx context.Context, agentID string, payload []byte) (Signature, error)
	Verify(sig Signature, payload []byte) bool
}

const CodeKeyUnavailable xerrors.Code = "SIGNING_KEY_UNAVAILABLE"

// ErrKeyUnavailable 表示智能体没有可用的签名密钥。
var ErrKeyUnavailable = xerrors.New(CodeKeyUnavailable, "signing key unavailable")

func init() {
	xerrors.Register(CodeKeyUnavailable, xerrors.Attributes{
		Message:   "signing key unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// HashPayload 返回 payload 的 keccak256 摘要（0x 前缀十六进制）。
func HashPayload(payload []byte) string {
	return hexutil.Encode(crypto.Keccak256(payload))
}

// RecoverAddress 从签名中恢复签名者地址。
func RecoverAddress(hash, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 在不依赖密钥环的情况下校验签名：
// 摘要必须与 payload 一致，且恢复出的地址必须等于签名声明的地址。
func VerifySignature(sig Signature, payload []byte) bool {
	hash, ok := checkHash(sig, payload)
	if !ok {
		return false
	}
	addr, err := RecoverAddress(hash, sig.Value)
	if err != nil {
		return false
	}
	return addr == common.HexToAddress(sig.Address)
}

func checkHash(sig Signature, payload []byte) ([]byte, bool) {
	if len(sig.Value) != crypto.SignatureLength {
		return nil, false
	}
	if !common.IsHexAddress(sig.Address) {
		return nil, false
	}
	hash := crypto.Keccak256(payload)
	if !strings.EqualFold(hexutil.Encode(hash), sig.PayloadHash) {
		return nil, false
	}
	return hash, true
}
