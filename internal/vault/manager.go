package vault

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/events"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
)

// Manager 按 agent 维护 Vault 实例：每个 vault 独占自己的状态，
// 跨 vault 之间没有任何顺序保证。
type Manager struct {
	adapter   *proofs.Adapter
	store     Store
	registry  registry.Registry
	executor  *Executor
	publisher events.Publisher
	nonceGap  uint64

	mu     sync.Mutex
	vaults map[common.Hash]*Vault
}

// ManagerOption 定义可选的 Manager 配置。
type ManagerOption func(*Manager)

// WithManagerPublisher 配置结算事件队列。
func WithManagerPublisher(publisher events.Publisher) ManagerOption {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

// WithManagerNonceGap 配置所有 vault 的最大 nonce 跳跃。
func WithManagerNonceGap(gap uint64) ManagerOption {
	return func(m *Manager) {
		m.nonceGap = gap
	}
}

// NewManager 构造 Manager。
func NewManager(adapter *proofs.Adapter, store Store, reg registry.Registry, executor *Executor, opts ...ManagerOption) *Manager {
	m := &Manager{
		adapter:  adapter,
		store:    store,
		registry: reg,
		executor: executor,
		nonceGap: DefaultMaxNonceGap,
		vaults:   make(map[common.Hash]*Vault),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Open 为 agent 建立创世 vault 状态并返回其 Vault。
// 可信承诺来自注册表，初始余额由托管方注入。
func (m *Manager) Open(ctx context.Context, agentID common.Hash, balances map[common.Hash]*big.Int) (*Vault, error) {
	record, err := m.registry.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	state := &VaultState{
		AgentID:                agentID,
		TrustedImageCommitment: record.ImageCommitment,
		Balances:               balances,
	}
	if err := m.store.Create(ctx, state); err != nil && !stdErrors.Is(err, ErrVaultConflict) {
		return nil, err
	}
	return m.vault(agentID), nil
}

// Submit 是结算入口：将三元组路由到对应 agent 的 Vault。
func (m *Manager) Submit(ctx context.Context, agentID common.Hash, journalBytes, proofBytes, actionBatchBytes []byte) (*SettlementReceipt, error) {
	if m == nil || m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "vault 管理器未初始化")
	}
	if _, err := m.store.Get(ctx, agentID); err != nil {
		return nil, err
	}
	return m.vault(agentID).Settle(ctx, journalBytes, proofBytes, actionBatchBytes)
}

// State 返回指定 agent 的 vault 状态快照。
func (m *Manager) State(ctx context.Context, agentID common.Hash) (*VaultState, error) {
	if m == nil || m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "vault 管理器未初始化")
	}
	return m.store.Get(ctx, agentID)
}

func (m *Manager) vault(agentID common.Hash) *Vault {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.vaults[agentID]; ok {
		return v
	}
	v := New(agentID, m.adapter, m.store, m.registry, m.executor,
		WithMaxNonceGap(m.nonceGap),
		WithPublisher(m.publisher),
	)
	m.vaults[agentID] = v
	return v
}

// Close 释放底层存储资源。
func (m *Manager) Close() error {
	if m == nil || m.store == nil {
		return nil
	}
	return m.store.Close()
}
