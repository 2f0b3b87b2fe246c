package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentChain/internal/errors"
	"AgentChain/internal/proofs"
	storagemysql "AgentChain/internal/storage/mysql"
)

const archiveColumns = `id, agent_id, parent_id, input, status, steps, output, signature, error_code, error_detail,
        transitions, last_context, input_tokens, output_tokens, created_at, updated_at`

// MySQLStore 将终态任务归档到 task_archive 表。表结构由 storage/mysql 的迁移创建。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接创建归档存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

// Save 插入一条归档记录。
func (s *MySQLStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}

	signature, err := marshalNullable(record.Signature, record.Signature == nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务签名失败")
	}
	transitions, err := marshalNullable(record.Transitions, len(record.Transitions) == 0)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务状态轨迹失败")
	}
	lastContext := sql.NullString{}
	if len(record.LastContext) > 0 {
		lastContext = sql.NullString{String: string(record.LastContext), Valid: true}
	}

	const stmt = `INSERT INTO task_archive (` + archiveColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.AgentID,
		record.ParentID,
		record.Input,
		string(record.Status),
		record.Steps,
		record.Output,
		signature,
		record.ErrorCode,
		record.ErrorDetail,
		transitions,
		lastContext,
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if storagemysql.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "归档任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM task_archive WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return record, nil
}

// List 返回符合条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + archiveColumns + ` FROM task_archive`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return records, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(steps), 0) AS steps,
        COALESCE(SUM(input_tokens), 0) AS input_tokens,
        COALESCE(SUM(output_tokens), 0) AS output_tokens,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_archive`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Completed,
		&stats.Failed,
		&stats.Steps,
		&stats.InputTokens,
		&stats.OutputTokens,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record      Record
		status      string
		output      sql.NullString
		signature   sql.NullString
		detail      sql.NullString
		transitions sql.NullString
		lastContext sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.AgentID,
		&record.ParentID,
		&record.Input,
		&status,
		&record.Steps,
		&output,
		&signature,
		&record.ErrorCode,
		&detail,
		&transitions,
		&lastContext,
		&record.Usage.InputTokens,
		&record.Usage.OutputTokens,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Status = Status(status)
	record.Output = output.String
	record.ErrorDetail = detail.String
	if signature.Valid && signature.String != "" {
		var sig proofs.Signature
		if err := json.Unmarshal([]byte(signature.String), &sig); err != nil {
			return nil, fmt.Errorf("解析签名失败: %w", err)
		}
		record.Signature = &sig
	}
	if transitions.Valid && transitions.String != "" {
		if err := json.Unmarshal([]byte(transitions.String), &record.Transitions); err != nil {
			return nil, fmt.Errorf("解析状态轨迹失败: %w", err)
		}
	}
	if lastContext.Valid && lastContext.String != "" {
		record.LastContext = json.RawMessage(lastContext.String)
	}
	return &record, nil
}

func marshalNullable(value any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, opts.ParentID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasOutput != nil {
		if *opts.HasOutput {
			conditions = append(conditions, "(output IS NOT NULL AND output <> '')")
		} else {
			conditions = append(conditions, "(output IS NULL OR output = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR agent_id LIKE ? OR input LIKE ? OR output LIKE ? OR error_code LIKE ? OR error_detail LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
