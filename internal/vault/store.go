package vault

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象 vault 状态的持久化。实现必须提供事务边界：
// 一次结算要么全部落账，要么什么都不改变。
type Store interface {
	// Create 以创世 nonce 0 建立新的 vault 状态。
	Create(ctx context.Context, state *VaultState) error
	// Get 返回 vault 状态的只读快照。
	Get(ctx context.Context, agentID common.Hash) (*VaultState, error)
	// Begin 打开一次结算事务并锁定对应的 vault。
	Begin(ctx context.Context, agentID common.Hash) (Tx, error)
	Close() error
}

// Tx 是单次结算的事务句柄。所有修改在 Commit 之前都不可观察。
type Tx interface {
	// State 返回事务开始时加载的 vault 状态快照。
	State() *VaultState
	// CommitNonce 在事务内落账新的执行 nonce。
	CommitNonce(nonce uint64) error
	// Transfer 将托管资产从 vault 转移到目标账户，余额不足返回 ErrInsufficientBalance。
	Transfer(asset common.Hash, target common.Hash, amount *big.Int) error
	// Commit 原子地提交全部修改。
	Commit(ctx context.Context) error
	// Rollback 丢弃全部修改。对已提交的事务调用是无害的空操作。
	Rollback() error
}
