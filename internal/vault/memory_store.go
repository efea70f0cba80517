package vault

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
)

// MemoryStore 以内存方式保存 vault 状态与托管账本，主要用于测试与单机部署。
// 事务通过写时拷贝实现：Commit 前所有修改都只作用于快照。
type MemoryStore struct {
	mu     sync.Mutex
	vaults map[common.Hash]*VaultState
	// accounts 记录从 vault 转出后各目标账户持有的资产。
	accounts map[common.Hash]map[common.Hash]*big.Int
	// locks 为每个 vault 维护一把事务锁，对齐 MySQL 实现的行锁语义：
	// 同一 vault 的结算从 Begin 到 Commit/Rollback 全程互斥。
	locks map[common.Hash]*sync.Mutex
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:   make(map[common.Hash]*VaultState),
		accounts: make(map[common.Hash]map[common.Hash]*big.Int),
		locks:    make(map[common.Hash]*sync.Mutex),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, state *VaultState) error {
	if state == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "vault 状态不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[state.AgentID]; ok {
		return ErrVaultConflict
	}
	now := time.Now().Unix()
	clone := cloneState(state)
	clone.LastExecutionNonce = 0
	if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	m.vaults[state.AgentID] = clone
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, agentID common.Hash) (*VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.vaults[agentID]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return cloneState(state), nil
}

// AccountBalance 返回目标账户持有的资产数量，供测试与查询接口使用。
func (m *MemoryStore) AccountBalance(target, asset common.Hash) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if assets, ok := m.accounts[target]; ok {
		if amount, ok := assets[asset]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return new(big.Int)
}

// Begin 实现 Store 接口。拿到 vault 事务锁后才加载快照，
// 否则两笔并发结算会基于同一个 nonce 各自提交。
func (m *MemoryStore) Begin(_ context.Context, agentID common.Hash) (Tx, error) {
	m.mu.Lock()
	if _, ok := m.vaults[agentID]; !ok {
		m.mu.Unlock()
		return nil, ErrVaultNotFound
	}
	lock, ok := m.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[agentID] = lock
	}
	m.mu.Unlock()

	lock.Lock()

	m.mu.Lock()
	state := m.vaults[agentID]
	working := cloneState(state)
	m.mu.Unlock()

	return &memoryTx{
		store:   m,
		lock:    lock,
		working: working,
		credits: make(map[common.Hash]map[common.Hash]*big.Int),
	}, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	lock    *sync.Mutex
	working *VaultState
	credits map[common.Hash]map[common.Hash]*big.Int
	done    bool
}

// State 实现 Tx 接口。
func (t *memoryTx) State() *VaultState {
	return t.working
}

// CommitNonce 实现 Tx 接口。
func (t *memoryTx) CommitNonce(nonce uint64) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	t.working.LastExecutionNonce = nonce
	return nil
}

// Transfer 实现 Tx 接口。
func (t *memoryTx) Transfer(asset common.Hash, target common.Hash, amount *big.Int) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账数量不合法")
	}
	balance := t.working.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if t.working.Balances == nil {
		t.working.Balances = make(map[common.Hash]*big.Int)
	}
	t.working.Balances[asset] = balance.Sub(balance, amount)

	if t.credits[target] == nil {
		t.credits[target] = make(map[common.Hash]*big.Int)
	}
	if existing, ok := t.credits[target][asset]; ok {
		existing.Add(existing, amount)
	} else {
		t.credits[target][asset] = new(big.Int).Set(amount)
	}
	return nil
}

// Commit 实现 Tx 接口。
func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return xerrors.New(xerrors.CodeConflict, "事务已结束")
	}
	t.done = true
	defer t.lock.Unlock()

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.working.UpdatedAt = time.Now().Unix()
	t.store.vaults[t.working.AgentID] = t.working
	for target, assets := range t.credits {
		if t.store.accounts[target] == nil {
			t.store.accounts[target] = make(map[common.Hash]*big.Int)
		}
		for asset, amount := range assets {
			if existing, ok := t.store.accounts[target][asset]; ok {
				existing.Add(existing, amount)
			} else {
				t.store.accounts[target][asset] = new(big.Int).Set(amount)
			}
		}
	}
	return nil
}

// Rollback 实现 Tx 接口。
func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.lock.Unlock()
	return nil
}

func cloneState(state *VaultState) *VaultState {
	clone := *state
	clone.Balances = make(map[common.Hash]*big.Int, len(state.Balances))
	for asset, amount := range state.Balances {
		clone.Balances[asset] = new(big.Int).Set(amount)
	}
	return &clone
}
