package indexer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/events"
)

// Record 是一条已落库的结算回执，供查询接口与下游对账使用。
type Record struct {
	ReceiptID        string      `json:"receipt_id"`
	AgentID          common.Hash `json:"agent_id"`
	ExecutionNonce   uint64      `json:"execution_nonce"`
	ActionCommitment common.Hash `json:"action_commitment"`
	AppliedActions   int         `json:"applied_actions"`
	SettledAt        int64       `json:"settled_at"`
	IndexedAt        int64       `json:"indexed_at"`
}

// History 抽象结算回执的持久化。
type History interface {
	// Append 写入一条回执记录，按 ReceiptID 幂等。
	Append(ctx context.Context, record Record) error
	// List 返回指定 agent 最近的回执，agentID 为零值时返回全部 agent。
	List(ctx context.Context, agentID common.Hash, limit int) ([]Record, error)
	Close() error
}

const (
	CodeHistoryAppend xerrors.Code = "SETTLEMENT_HISTORY_APPEND_FAILED"
)

func init() {
	xerrors.Register(CodeHistoryAppend, xerrors.Attributes{
		Message:   "failed to append settlement history",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// recordFromEvent 将队列事件转换为落库记录。
func recordFromEvent(event events.SettlementAccepted) Record {
	return Record{
		ReceiptID:        event.ReceiptID,
		AgentID:          event.AgentID,
		ExecutionNonce:   event.ExecutionNonce,
		ActionCommitment: event.ActionCommitment,
		AppliedActions:   event.AppliedActions,
		SettledAt:        event.SettledAt,
		IndexedAt:        time.Now().Unix(),
	}
}

// MemoryHistory 以内存方式保存回执，主要用于测试与单机部署。
type MemoryHistory struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]struct{}
}

// NewMemoryHistory 创建 MemoryHistory。
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{byID: make(map[string]struct{})}
}

// Append 实现 History 接口。
func (h *MemoryHistory) Append(_ context.Context, record Record) error {
	if record.ReceiptID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "回执 ID 不能为空")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byID[record.ReceiptID]; ok {
		return nil
	}
	h.byID[record.ReceiptID] = struct{}{}
	h.records = append(h.records, record)
	return nil
}

// List 实现 History 接口。
func (h *MemoryHistory) List(_ context.Context, agentID common.Hash, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	matched := make([]Record, 0, limit)
	for _, record := range h.records {
		if agentID != (common.Hash{}) && record.AgentID != agentID {
			continue
		}
		matched = append(matched, record)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SettledAt > matched[j].SettledAt
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Close 实现 History 接口。
func (h *MemoryHistory) Close() error {
	return nil
}
