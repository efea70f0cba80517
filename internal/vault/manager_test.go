package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/events"
	"OpenSettle-Chain/internal/journal"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
)

func newManagerFixture(t *testing.T, opts ...ManagerOption) (*Manager, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	reg.Put(registry.AgentRecord{
		AgentID:         testAgentID,
		ImageCommitment: testCommitment,
		CodeHash:        testCodeHash,
	})
	adapter := proofs.NewAdapter(proofs.NewDigestChecker())
	m := NewManager(adapter, NewMemoryStore(), reg, NewExecutor(&fakeInvoker{}, AllowAllPolicy()), opts...)
	return m, reg
}

func TestManagerOpenAndSubmit(t *testing.T) {
	queue := events.NewMemoryQueue(16)
	m, _ := newManagerFixture(t, WithManagerPublisher(queue))
	defer func() { _ = m.Close() }()

	if _, err := m.Open(context.Background(), testAgentID, map[common.Hash]*big.Int{testAsset: big.NewInt(50)}); err != nil {
		t.Fatalf("open: %v", err)
	}
	// 重复 Open 幂等，不清空已有状态。
	if _, err := m.Open(context.Background(), testAgentID, nil); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	batch := transferBatch(20)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	receipt, err := m.Submit(context.Background(), testAgentID, journalBytes, proofBytes, batch)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.ExecutionNonce != 1 {
		t.Fatalf("unexpected receipt nonce: %d", receipt.ExecutionNonce)
	}

	state, err := m.State(context.Background(), testAgentID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected balance 30, got %s", got)
	}
}

func TestManagerSubmitUnknownVault(t *testing.T) {
	m, _ := newManagerFixture(t)
	defer func() { _ = m.Close() }()

	batch := transferBatch(1)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	if _, err := m.Submit(context.Background(), testAgentID, journalBytes, proofBytes, batch); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestManagerOpenUnregisteredAgent(t *testing.T) {
	m, _ := newManagerFixture(t)
	defer func() { _ = m.Close() }()

	unknown := common.HexToHash("0xfeed")
	if _, err := m.Open(context.Background(), unknown, nil); !errors.Is(err, registry.ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
}
