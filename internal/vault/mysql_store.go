package vault

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "OpenSettle-Chain/internal/errors"
	storagemysql "OpenSettle-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 持久化 vault 状态与托管账本，
// 结算的全有或全无依赖数据库事务。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, state *VaultState) error {
	if state == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "vault 状态不能为空")
	}
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	const stmt = `INSERT INTO vault_states
        (agent_id, trusted_image_commitment, last_execution_nonce, created_at, updated_at)
        VALUES (?, ?, 0, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt, state.AgentID.Hex(), state.TrustedImageCommitment.Hex(), now, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrVaultConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 vault 状态失败")
	}

	const balanceStmt = `INSERT INTO vault_balances (holder, asset, amount) VALUES (?, ?, ?)`
	for asset, amount := range state.Balances {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, balanceStmt, state.AgentID.Hex(), asset.Hex(), amount.String()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化托管余额失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交 vault 创建失败")
	}
	return nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, agentID common.Hash) (*VaultState, error) {
	const stmt = `SELECT trusted_image_commitment, last_execution_nonce, created_at, updated_at
        FROM vault_states WHERE agent_id = ?`

	var commitment string
	state := &VaultState{AgentID: agentID}
	if err := s.db.QueryRowContext(ctx, stmt, agentID.Hex()).Scan(
		&commitment,
		&state.LastExecutionNonce,
		&state.CreatedAt,
		&state.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 vault 状态失败")
	}
	state.TrustedImageCommitment = common.HexToHash(commitment)

	balances, err := s.loadBalances(ctx, s.db, agentID)
	if err != nil {
		return nil, err
	}
	state.Balances = balances
	return state, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *MySQLStore) loadBalances(ctx context.Context, q queryer, holder common.Hash) (map[common.Hash]*big.Int, error) {
	const stmt = `SELECT asset, amount FROM vault_balances WHERE holder = ?`
	rows, err := q.QueryContext(ctx, stmt, holder.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询托管余额失败")
	}
	defer rows.Close()

	balances := make(map[common.Hash]*big.Int)
	for rows.Next() {
		var asset, amount string
		if err := rows.Scan(&asset, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取托管余额失败")
		}
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeStorageFailure, "托管余额格式不合法")
		}
		balances[common.HexToHash(asset)] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历托管余额失败")
	}
	return balances, nil
}

// Begin 实现 Store 接口。行锁保证同一 vault 上的结算串行化。
func (s *MySQLStore) Begin(ctx context.Context, agentID common.Hash) (Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启结算事务失败")
	}

	const stmt = `SELECT trusted_image_commitment, last_execution_nonce, created_at, updated_at
        FROM vault_states WHERE agent_id = ? FOR UPDATE`

	var commitment string
	state := &VaultState{AgentID: agentID}
	if err := sqlTx.QueryRowContext(ctx, stmt, agentID.Hex()).Scan(
		&commitment,
		&state.LastExecutionNonce,
		&state.CreatedAt,
		&state.UpdatedAt,
	); err != nil {
		_ = sqlTx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定 vault 状态失败")
	}
	state.TrustedImageCommitment = common.HexToHash(commitment)

	balances, err := s.loadBalances(ctx, sqlTx, agentID)
	if err != nil {
		_ = sqlTx.Rollback()
		return nil, err
	}
	state.Balances = balances

	return &mysqlTx{tx: sqlTx, state: state}, nil
}

// Close 实现 Store 接口。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type mysqlTx struct {
	tx    *sql.Tx
	state *VaultState
	done  bool
}

// State 实现 Tx 接口。
func (t *mysqlTx) State() *VaultState {
	return t.state
}

// CommitNonce 实现 Tx 接口。
func (t *mysqlTx) CommitNonce(nonce uint64) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	const stmt = `UPDATE vault_states SET last_execution_nonce = ?, updated_at = ? WHERE agent_id = ?`
	if _, err := t.tx.Exec(stmt, nonce, time.Now().Unix(), t.state.AgentID.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行 nonce 失败")
	}
	t.state.LastExecutionNonce = nonce
	return nil
}

// Transfer 实现 Tx 接口。
func (t *mysqlTx) Transfer(asset common.Hash, target common.Hash, amount *big.Int) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账数量不合法")
	}
	balance := t.state.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	const debitStmt = `UPDATE vault_balances SET amount = amount - ? WHERE holder = ? AND asset = ?`
	if _, err := t.tx.Exec(debitStmt, amount.String(), t.state.AgentID.Hex(), asset.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减托管余额失败")
	}
	const creditStmt = `INSERT INTO vault_balances (holder, asset, amount) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`
	if _, err := t.tx.Exec(creditStmt, target.Hex(), asset.Hex(), amount.String()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记入目标账户失败")
	}

	t.state.Balances[asset] = balance.Sub(balance, amount)
	return nil
}

// Commit 实现 Tx 接口。
func (t *mysqlTx) Commit(_ context.Context) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算事务失败")
	}
	return nil
}

// Rollback 实现 Tx 接口。
func (t *mysqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
