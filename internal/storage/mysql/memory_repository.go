package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/memory"
	"AgentChain/internal/proofs"
)

const insertMemorySQL = `INSERT INTO memory_records
        (id, owner, task_id, embedding, content, recorded_at, signature, supersedes, tombstone)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectLiveMemorySQL = `SELECT r.id, r.owner, r.task_id, r.embedding, r.content, r.recorded_at, r.signature
        FROM memory_records r
        WHERE r.tombstone = 0
        AND NOT EXISTS (SELECT 1 FROM memory_records t WHERE t.tombstone = 1 AND t.supersedes = r.id)`

// MemoryRepository 将记忆记录保存在 memory_records 表中。
//
// 表只追加不更新；相似度在 Go 中计算，因此单个智能体的记忆规模应保持在可全量扫描的范围内。
type MemoryRepository struct {
	db *sql.DB
}

// NewMemoryRepository 基于已完成迁移的连接创建仓库。
func NewMemoryRepository(db *sql.DB) *MemoryRepository {
	return &MemoryRepository{db: db}
}

// Put 插入一条记录，ID 冲突时返回 MEMORY_RECORD_EXISTS。
func (r *MemoryRepository) Put(ctx context.Context, record memory.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	embedding, err := encodeEmbedding(record.Embedding)
	if err != nil {
		return xerrors.Wrap(memory.CodeRecordInvalid, err, "编码记忆向量失败")
	}
	signature, err := encodeSignature(record.Signature)
	if err != nil {
		return xerrors.Wrap(memory.CodeRecordInvalid, err, "编码记忆签名失败")
	}
	tombstone := 0
	if record.Tombstone {
		tombstone = 1
	}
	_, err = r.db.ExecContext(ctx, insertMemorySQL,
		record.ID,
		record.Owner,
		record.TaskID,
		embedding,
		record.Content,
		record.Timestamp.UnixNano(),
		signature,
		record.Supersedes,
		tombstone,
	)
	if err != nil {
		if IsDuplicateKey(err) {
			return xerrors.New(memory.CodeRecordExists, fmt.Sprintf("记忆记录 %s 已存在", record.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆记录失败")
	}
	return nil
}

// Query 扫描存活记录并按余弦相似度排序。
func (r *MemoryRepository) Query(ctx context.Context, embedding []float64, k int, opts ...memory.QueryOption) ([]memory.Scored, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	options := memory.BuildQueryOptions(opts)

	query := selectLiveMemorySQL
	var args []any
	if options.Owner != "" {
		query += " AND r.owner = ?"
		args = append(args, options.Owner)
	}
	query += " ORDER BY r.seq"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询记忆记录失败")
	}
	defer rows.Close()

	var candidates []memory.Scored
	for rows.Next() {
		var (
			record    memory.Record
			rawEmb    sql.NullString
			rawSig    sql.NullString
			content   sql.NullString
			timestamp int64
		)
		if err := rows.Scan(&record.ID, &record.Owner, &record.TaskID, &rawEmb, &content, &timestamp, &rawSig); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析记忆记录失败")
		}
		record.Content = content.String
		record.Timestamp = time.Unix(0, timestamp).UTC()
		if record.Embedding, err = decodeEmbedding(rawEmb); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析记忆 %s 的向量失败", record.ID))
		}
		if record.Signature, err = decodeSignature(rawSig); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析记忆 %s 的签名失败", record.ID))
		}
		score, ok := memory.Cosine(embedding, record.Embedding)
		if !ok || score < options.MinScore {
			continue
		}
		candidates = append(candidates, memory.Scored{Record: record, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历记忆记录失败")
	}
	return memory.Rank(candidates, k), nil
}

func encodeEmbedding(embedding []float64) (sql.NullString, error) {
	if len(embedding) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(embedding)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeEmbedding(raw sql.NullString) ([]float64, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var embedding []float64
	if err := json.Unmarshal([]byte(raw.String), &embedding); err != nil {
		return nil, err
	}
	return embedding, nil
}

func encodeSignature(sig *proofs.Signature) (sql.NullString, error) {
	if sig == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeSignature(raw sql.NullString) (*proofs.Signature, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var sig proofs.Signature
	if err := json.Unmarshal([]byte(raw.String), &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

var _ memory.Store = (*MemoryRepository)(nil)
