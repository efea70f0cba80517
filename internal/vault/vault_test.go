package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/action"
	"OpenSettle-Chain/internal/journal"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
)

var (
	testAgentID    = common.HexToHash("0x01")
	testCodeHash   = common.HexToHash("0x02")
	testCommitment = common.HexToHash("0x03")
	testAsset      = common.HexToHash("0xaa")
	testTarget     = common.HexToHash("0xbb")
)

type invokedCall struct {
	target common.Address
	value  *big.Int
	data   []byte
}

type fakeInvoker struct {
	calls []invokedCall
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, target common.Address, value *big.Int, data []byte) error {
	f.calls = append(f.calls, invokedCall{target: target, value: value, data: data})
	return f.err
}

func (f *fakeInvoker) Close() {}

type settleFixture struct {
	store   *MemoryStore
	reg     *registry.MemoryRegistry
	invoker *fakeInvoker
	vault   *Vault
}

func newSettleFixture(t *testing.T, balance int64, policy TargetPolicy, opts ...Option) *settleFixture {
	t.Helper()
	store := NewMemoryStore()
	if err := store.Create(context.Background(), &VaultState{
		AgentID:                testAgentID,
		TrustedImageCommitment: testCommitment,
		Balances:               map[common.Hash]*big.Int{testAsset: big.NewInt(balance)},
	}); err != nil {
		t.Fatalf("create vault state: %v", err)
	}

	reg := registry.NewMemoryRegistry()
	reg.Put(registry.AgentRecord{
		AgentID:         testAgentID,
		ImageCommitment: testCommitment,
		CodeHash:        testCodeHash,
	})

	if policy == nil {
		policy = AllowAllPolicy()
	}
	invoker := &fakeInvoker{}
	adapter := proofs.NewAdapter(proofs.NewDigestChecker())
	v := New(testAgentID, adapter, store, reg, NewExecutor(invoker, policy), opts...)
	return &settleFixture{store: store, reg: reg, invoker: invoker, vault: v}
}

// sealTriple 组装一份可通过 DigestChecker 校验的 (journal, proof) 对。
func sealTriple(nonce uint64, status journal.ExecutionStatus, batch []byte, mutate func(*journal.Journal)) ([]byte, []byte) {
	j := &journal.Journal{
		ProtocolVersion:  SupportedProtocolVersion,
		KernelVersion:    SupportedKernelVersion,
		AgentID:          testAgentID,
		AgentCodeHash:    testCodeHash,
		ExecutionNonce:   nonce,
		ActionCommitment: action.BatchDigest(batch),
		ExecutionStatus:  status,
	}
	if mutate != nil {
		mutate(j)
	}
	journalBytes := journal.Encode(j)
	return journalBytes, proofs.Seal(testCommitment, journalBytes)
}

func transferBatch(amount int64) []byte {
	return action.EncodeBatch([]Action{
		{Type: action.TypeTransferToken, Target: testTarget, Payload: TransferPayload(testAsset, big.NewInt(amount))},
	})
}

// Action 别名仅为收窄测试里的书写长度。
type Action = action.Action

func (f *settleFixture) mustState(t *testing.T) *VaultState {
	t.Helper()
	state, err := f.store.Get(context.Background(), testAgentID)
	if err != nil {
		t.Fatalf("get vault state: %v", err)
	}
	return state
}

func TestSettleTransfer(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	receipt, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if receipt.ReceiptID == "" {
		t.Fatal("expected non-empty receipt id")
	}
	if receipt.AgentID != testAgentID || receipt.ExecutionNonce != 1 || receipt.AppliedActions != 1 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	state := fx.mustState(t)
	if state.LastExecutionNonce != 1 {
		t.Fatalf("expected nonce 1, got %d", state.LastExecutionNonce)
	}
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("expected balance 60, got %s", got)
	}
	if got := fx.store.AccountBalance(testTarget, testAsset); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("expected target credit 40, got %s", got)
	}
}

func TestSettleReplayRejected(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	// 同一份三元组原样重放：证明仍然有效，必须倒在 nonce 上。
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrNonceNotIncreasing) {
		t.Fatalf("expected ErrNonceNotIncreasing, got %v", err)
	}

	state := fx.mustState(t)
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("replay mutated balance: %s", got)
	}
	if state.LastExecutionNonce != 1 {
		t.Fatalf("replay mutated nonce: %d", state.LastExecutionNonce)
	}
}

func TestSettleConcurrentReplayAppliesOnce(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	// 同一份三元组并发提交：恰好一笔落账，另一笔倒在 nonce 上。
	const submissions = 2
	errs := make(chan error, submissions)
	var start sync.WaitGroup
	start.Add(submissions)
	for i := 0; i < submissions; i++ {
		go func() {
			start.Done()
			start.Wait()
			_, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch)
			errs <- err
		}()
	}

	var accepted, replayed int
	for i := 0; i < submissions; i++ {
		switch err := <-errs; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrNonceNotIncreasing):
			replayed++
		default:
			t.Fatalf("unexpected settle error: %v", err)
		}
	}
	if accepted != 1 || replayed != 1 {
		t.Fatalf("expected 1 accepted and 1 replayed, got %d/%d", accepted, replayed)
	}

	state := fx.mustState(t)
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("transfer applied more than once: %s", got)
	}
	if got := fx.store.AccountBalance(testTarget, testAsset); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("target credited more than once: %s", got)
	}
}

func TestSettleUnsupportedVersion(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, func(j *journal.Journal) {
		j.ProtocolVersion = 99
	})

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if state := fx.mustState(t); state.LastExecutionNonce != 0 {
		t.Fatalf("rejected settlement mutated nonce: %d", state.LastExecutionNonce)
	}
}

func TestSettleWrongAgent(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, func(j *journal.Journal) {
		j.AgentID = common.HexToHash("0xdead")
	})

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrWrongAgent) {
		t.Fatalf("expected ErrWrongAgent, got %v", err)
	}
}

func TestSettleFailureStatusRejected(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	// 证明本身有效，但它证明的是一次失败执行。
	journalBytes, proofBytes := sealTriple(1, journal.StatusFailure, batch, nil)

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrExecutionStatusFailure) {
		t.Fatalf("expected ErrExecutionStatusFailure, got %v", err)
	}
	state := fx.mustState(t)
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failure journal mutated balance: %s", got)
	}
	if state.LastExecutionNonce != 0 {
		t.Fatalf("failure journal mutated nonce: %d", state.LastExecutionNonce)
	}
}

func TestSettleActionCommitmentMismatch(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	// 对批次做一字节替换：凭证承诺的是原批次，结算方必须拒绝。
	tampered := append([]byte(nil), batch...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, tampered); !errors.Is(err, ErrActionCommitmentMismatch) {
		t.Fatalf("expected ErrActionCommitmentMismatch, got %v", err)
	}
}

func TestSettleStaleNonceReportedBeforeCommitmentMismatch(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	// 过期 nonce 且批次与承诺不符：nonce 校验在承诺比对之前，
	// 调用方收到的必须是可重试的 nonce 错误而非看似永久的承诺错误。
	tampered := append([]byte(nil), batch...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, tampered); !errors.Is(err, ErrNonceNotIncreasing) {
		t.Fatalf("expected ErrNonceNotIncreasing, got %v", err)
	}
}

func TestSettleInvalidProofRejected(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := transferBatch(40)
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	proofBytes[0] ^= 0x01

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, proofs.ErrProofInvalid) {
		t.Fatalf("expected ErrProofInvalid, got %v", err)
	}
}

func TestSettleMidBatchFailureRollsBackEverything(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := action.EncodeBatch([]Action{
		{Type: action.TypeTransferToken, Target: testTarget, Payload: TransferPayload(testAsset, big.NewInt(30))},
		{Type: action.TypeTransferToken, Target: testTarget, Payload: TransferPayload(testAsset, big.NewInt(1000))},
	})
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// 第一条转账已经在事务内成功，回滚后不得留下任何痕迹，包括 nonce。
	state := fx.mustState(t)
	if got := state.Balance(testAsset); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("partial batch leaked into balance: %s", got)
	}
	if state.LastExecutionNonce != 0 {
		t.Fatalf("partial batch leaked into nonce: %d", state.LastExecutionNonce)
	}
	if got := fx.store.AccountBalance(testTarget, testAsset); got.Sign() != 0 {
		t.Fatalf("partial batch credited target: %s", got)
	}
}

func TestSettleNonceGap(t *testing.T) {
	fx := newSettleFixture(t, 100, nil, WithMaxNonceGap(10))
	batch := transferBatch(1)

	journalBytes, proofBytes := sealTriple(11, journal.StatusSuccess, batch, nil)
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrNonceGapTooLarge) {
		t.Fatalf("expected ErrNonceGapTooLarge, got %v", err)
	}

	journalBytes, proofBytes = sealTriple(10, journal.StatusSuccess, batch, nil)
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); err != nil {
		t.Fatalf("gap at bound rejected: %v", err)
	}
}

func TestSettleUnknownActionType(t *testing.T) {
	fx := newSettleFixture(t, 100, nil)
	batch := action.EncodeBatch([]Action{{Type: 9, Target: testTarget}})
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)

	// 编解码器放行未知类型，执行器必须硬失败而不是静默跳过。
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("expected ErrUnknownActionType, got %v", err)
	}
	if state := fx.mustState(t); state.LastExecutionNonce != 0 {
		t.Fatalf("unknown action mutated nonce: %d", state.LastExecutionNonce)
	}
}

func TestSettleCallAuthorization(t *testing.T) {
	payload := CallPayload(big.NewInt(7), []byte{0xde, 0xad})
	batch := action.EncodeBatch([]Action{{Type: action.TypeCall, Target: testTarget, Payload: payload}})

	// 默认白名单为空，Call 一律拒绝。
	fx := newSettleFixture(t, 100, NewAllowListPolicy())
	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrTargetNotAuthorized) {
		t.Fatalf("expected ErrTargetNotAuthorized, got %v", err)
	}

	fx = newSettleFixture(t, 100, NewAllowListPolicy(testTarget))
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); err != nil {
		t.Fatalf("allow-listed call rejected: %v", err)
	}
	if len(fx.invoker.calls) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(fx.invoker.calls))
	}
	call := fx.invoker.calls[0]
	if call.value.Cmp(big.NewInt(7)) != 0 || string(call.data) != string([]byte{0xde, 0xad}) {
		t.Fatalf("unexpected call payload: value=%s data=%x", call.value, call.data)
	}
}

func TestSettleCallFailureRollsBack(t *testing.T) {
	payload := CallPayload(big.NewInt(0), nil)
	batch := action.EncodeBatch([]Action{
		{Type: action.TypeTransferToken, Target: testTarget, Payload: TransferPayload(testAsset, big.NewInt(10))},
		{Type: action.TypeCall, Target: testTarget, Payload: payload},
	})
	fx := newSettleFixture(t, 100, nil)
	fx.invoker.err = errors.New("execution reverted")

	journalBytes, proofBytes := sealTriple(1, journal.StatusSuccess, batch, nil)
	if _, err := fx.vault.Settle(context.Background(), journalBytes, proofBytes, batch); !errors.Is(err, ErrTargetCallFailed) {
		t.Fatalf("expected ErrTargetCallFailed, got %v", err)
	}
	if got := fx.mustState(t).Balance(testAsset); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failed call leaked transfer: %s", got)
	}
}
