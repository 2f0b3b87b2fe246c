// Package memory 定义执行引擎使用的持久记忆：只追加的记录日志，按向量相似度检索。
// 记录写入后不再修改，逻辑删除通过追加墓碑记录实现，被删除的记录不再出现在后续检索中。
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/proofs"
)

const (
	CodeRecordExists  xerrors.Code = "MEMORY_RECORD_EXISTS"
	CodeRecordInvalid xerrors.Code = "MEMORY_RECORD_INVALID"
)

func init() {
	xerrors.Register(CodeRecordExists, xerrors.Attributes{
		Message:   "memory record already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordInvalid, xerrors.Attributes{
		Message:   "memory record invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Record 是一条不可变的记忆。
type Record struct {
	ID         string            `json:"id"`
	Owner      string            `json:"owner"`
	TaskID     string            `json:"task_id,omitempty"`
	Embedding  []float64         `json:"embedding,omitempty"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Signature  *proofs.Signature `json:"signature,omitempty"`
	Supersedes string            `json:"supersedes,omitempty"`
	Tombstone  bool              `json:"tombstone,omitempty"`
}

// NewRecord 构造一条新的记忆记录。
func NewRecord(owner, taskID, content string, embedding []float64, ts time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		Owner:     owner,
		TaskID:    taskID,
		Embedding: embedding,
		Content:   content,
		Timestamp: ts.UTC(),
	}
}

// NewTombstone 构造一条隐藏 target 的墓碑记录。
func NewTombstone(owner, target string, ts time.Time) Record {
	return Record{
		ID:         uuid.NewString(),
		Owner:      owner,
		Supersedes: target,
		Tombstone:  true,
		Timestamp:  ts.UTC(),
	}
}

// Validate 检查记录是否满足写入条件。
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" || strings.TrimSpace(r.Owner) == "" {
		return xerrors.New(CodeRecordInvalid, "记忆记录缺少 ID 或所属智能体")
	}
	if r.Tombstone {
		if strings.TrimSpace(r.Supersedes) == "" {
			return xerrors.New(CodeRecordInvalid, "墓碑记录必须指明被隐藏的记录")
		}
		return nil
	}
	if len(r.Embedding) == 0 {
		return xerrors.New(CodeRecordInvalid, fmt.Sprintf("记忆记录 %s 缺少向量", r.ID))
	}
	return nil
}

// SigningPayload 返回用于溯源签名的规范化字节。
func (r Record) SigningPayload() []byte {
	payload, _ := json.Marshal(struct {
		ID         string `json:"id"`
		Owner      string `json:"owner"`
		TaskID     string `json:"task_id,omitempty"`
		Content    string `json:"content"`
		Timestamp  int64  `json:"timestamp"`
		Supersedes string `json:"supersedes,omitempty"`
	}{r.ID, r.Owner, r.TaskID, r.Content, r.Timestamp.UnixNano(), r.Supersedes})
	return payload
}

func (r Record) clone() Record {
	if r.Embedding != nil {
		r.Embedding = append([]float64(nil), r.Embedding...)
	}
	if r.Signature != nil {
		sig := *r.Signature
		r.Signature = &sig
	}
	return r
}

// Scored 是带相似度得分的检索结果。
type Scored struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// QueryOptions 控制检索行为。
type QueryOptions struct {
	Owner    string
	MinScore float64
}

// QueryOption 修改 QueryOptions。
type QueryOption func(*QueryOptions)

// WithOwner 只检索指定智能体的记忆。
func WithOwner(owner string) QueryOption {
	return func(o *QueryOptions) {
		o.Owner = owner
	}
}

// WithMinScore 过滤低于阈值的结果。
func WithMinScore(score float64) QueryOption {
	return func(o *QueryOptions) {
		o.MinScore = score
	}
}

// BuildQueryOptions 应用选项。
func BuildQueryOptions(opts []QueryOption) QueryOptions {
	var options QueryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Store 是执行引擎依赖的记忆存储契约，实现必须支持并发调用。
type Store interface {
	Put(ctx context.Context, record Record) error
	Query(ctx context.Context, embedding []float64, k int, opts ...QueryOption) ([]Scored, error)
}

// Embedder 将文本转换为向量。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
