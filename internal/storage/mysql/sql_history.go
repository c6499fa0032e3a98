package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	xerrors "cronos-sentinel/internal/errors"
)

const historyColumns = `id, kind, job_id, agent_id, user_address, status, requested_amount, proposed_limit, final_limit, amount, mode, reason, error_code, tx_ref, block_number, occurred_at`

// SQLHistoryRepository 使用 MySQL 存储结算历史与事件游标。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并执行内嵌迁移。
func NewSQLHistoryRepository(ctx context.Context, cfg Config) (*SQLHistoryRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &SQLHistoryRepository{db: db}, nil
}

// Save 写入一条历史记录，主键冲突视为已写入。
func (s *SQLHistoryRepository) Save(ctx context.Context, record HistoryRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	const stmt = `INSERT INTO settlement_history
        (` + historyColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		string(record.Kind),
		record.JobID,
		record.AgentID,
		strings.ToLower(record.User),
		record.Status,
		record.RequestedAmount,
		record.ProposedLimit,
		record.FinalLimit,
		record.Amount,
		record.Mode,
		record.Reason,
		record.ErrorCode,
		record.TxRef,
		record.BlockNumber,
		record.OccurredAt,
	)
	if err != nil {
		if isDuplicateEntry(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算历史失败")
	}
	return nil
}

// List 按条件查询历史记录。
func (s *SQLHistoryRepository) List(ctx context.Context, opts ...ListOption) ([]HistoryRecord, error) {
	options := buildListOptions(opts)
	query, args := buildListQuery(options)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算历史失败")
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0, options.Limit)
	for rows.Next() {
		var (
			record HistoryRecord
			kind   string
			reason sql.NullString
		)
		if err := rows.Scan(&record.ID, &kind, &record.JobID, &record.AgentID, &record.User, &record.Status,
			&record.RequestedAmount, &record.ProposedLimit, &record.FinalLimit, &record.Amount, &record.Mode,
			&reason, &record.ErrorCode, &record.TxRef, &record.BlockNumber, &record.OccurredAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算历史失败")
		}
		record.Kind = RecordKind(kind)
		record.Reason = reason.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算历史失败")
	}
	return records, nil
}

func buildListQuery(options ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if options.User != "" {
		clauses = append(clauses, "user_address = ?")
		args = append(args, options.User)
	}
	if keys := options.jobKeys(); len(keys) > 0 {
		clauses = append(clauses, "job_id IN (?, ?)")
		args = append(args, keys[0], keys[1])
	}
	if len(options.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(options.Kinds)), ", ")
		clauses = append(clauses, fmt.Sprintf("kind IN (%s)", placeholders))
		for _, kind := range options.Kinds {
			args = append(args, string(kind))
		}
	}
	if options.Since > 0 {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, options.Since)
	}
	if options.Until > 0 {
		clauses = append(clauses, "occurred_at <= ?")
		args = append(args, options.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(historyColumns)
	b.WriteString(" FROM settlement_history")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	if options.Order == SortOldestFirst {
		b.WriteString(" ORDER BY occurred_at ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY occurred_at DESC, id DESC")
	}
	b.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, options.Limit, options.Offset)
	return b.String(), args
}

// LoadCursor 实现 CursorStore。
func (s *SQLHistoryRepository) LoadCursor(ctx context.Context, name string) (uint64, bool, error) {
	var block uint64
	err := s.db.QueryRowContext(ctx, `SELECT block_number FROM watcher_cursors WHERE name = ?`, name).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件游标失败")
	}
	return block, true, nil
}

// SaveCursor 实现 CursorStore。
func (s *SQLHistoryRepository) SaveCursor(ctx context.Context, name string, block uint64) error {
	const stmt = `INSERT INTO watcher_cursors (name, block_number, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE block_number = VALUES(block_number), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, name, block, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件游标失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ HistoryRepository = (*SQLHistoryRepository)(nil)
	_ CursorStore       = (*SQLHistoryRepository)(nil)
)
