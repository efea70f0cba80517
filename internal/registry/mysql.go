package registry

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenSettle-Chain/internal/errors"
	storagemysql "OpenSettle-Chain/internal/storage/mysql"
)

// MySQLRegistry 从 MySQL 读取身份子系统维护的 agent 记录。
type MySQLRegistry struct {
	db *sql.DB
}

// NewMySQLRegistry 创建 MySQLRegistry。
func NewMySQLRegistry(dsn string) (*MySQLRegistry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &MySQLRegistry{db: db}, nil
}

// Lookup 实现 Registry 接口。
func (r *MySQLRegistry) Lookup(ctx context.Context, agentID common.Hash) (*AgentRecord, error) {
	const stmt = `SELECT agent_id, image_commitment, code_hash FROM agent_records WHERE agent_id = ?`

	var id, commitment, codeHash string
	if err := r.db.QueryRowContext(ctx, stmt, agentID.Hex()).Scan(&id, &commitment, &codeHash); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotRegistered
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 agent 记录失败")
	}

	return &AgentRecord{
		AgentID:         common.HexToHash(id),
		ImageCommitment: common.HexToHash(commitment),
		CodeHash:        common.HexToHash(codeHash),
	}, nil
}

// Register 写入一条 agent 记录，供部署工具与测试使用。
func (r *MySQLRegistry) Register(ctx context.Context, record AgentRecord) error {
	const stmt = `INSERT INTO agent_records (agent_id, image_commitment, code_hash, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE image_commitment = VALUES(image_commitment),
        code_hash = VALUES(code_hash), updated_at = VALUES(updated_at)`

	_, err := r.db.ExecContext(ctx, stmt,
		record.AgentID.Hex(),
		record.ImageCommitment.Hex(),
		record.CodeHash.Hex(),
		time.Now().Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 agent 记录失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (r *MySQLRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
