package indexer

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenSettle-Chain/internal/errors"
	storagemysql "OpenSettle-Chain/internal/storage/mysql"
)

// MySQLHistory 将结算回执写入 MySQL，供跨进程查询与对账。
type MySQLHistory struct {
	db *sql.DB
}

// NewMySQLHistory 建立连接并确保表结构存在。
func NewMySQLHistory(dsn string) (*MySQLHistory, error) {
	if dsn == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 MySQL 连接失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
	}
	return &MySQLHistory{db: db}, nil
}

// Append 实现 History 接口。利用主键冲突实现按回执幂等。
func (h *MySQLHistory) Append(ctx context.Context, record Record) error {
	if record.ReceiptID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执 ID 不能为空")
	}
	const stmt = `INSERT INTO settlement_history
        (receipt_id, agent_id, execution_nonce, action_commitment, applied_actions, settled_at, indexed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE receipt_id = receipt_id`
	_, err := h.db.ExecContext(ctx, stmt,
		record.ReceiptID,
		record.AgentID.Hex(),
		record.ExecutionNonce,
		record.ActionCommitment.Hex(),
		record.AppliedActions,
		record.SettledAt,
		record.IndexedAt,
	)
	if err != nil {
		return xerrors.Wrap(CodeHistoryAppend, err, "写入结算历史失败")
	}
	return nil
}

// List 实现 History 接口。
func (h *MySQLHistory) List(ctx context.Context, agentID common.Hash, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT receipt_id, agent_id, execution_nonce, action_commitment, applied_actions, settled_at, indexed_at
        FROM settlement_history`
	args := make([]any, 0, 2)
	if agentID != (common.Hash{}) {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID.Hex())
	}
	query += ` ORDER BY settled_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算历史失败")
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			record     Record
			agent      string
			commitment string
		)
		if err := rows.Scan(&record.ReceiptID, &agent, &record.ExecutionNonce, &commitment,
			&record.AppliedActions, &record.SettledAt, &record.IndexedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描结算历史失败")
		}
		record.AgentID = common.HexToHash(agent)
		record.ActionCommitment = common.HexToHash(commitment)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算历史失败")
	}
	return records, nil
}

// Close 实现 History 接口。
func (h *MySQLHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
