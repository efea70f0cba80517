package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
)

// SettlementAccepted 是结算被接受后对外广播的事件，
// 供声誉、校验等下游子系统消费。
type SettlementAccepted struct {
	ReceiptID        string      `json:"receipt_id"`
	AgentID          common.Hash `json:"agent_id"`
	ExecutionNonce   uint64      `json:"execution_nonce"`
	ActionCommitment common.Hash `json:"action_commitment"`
	AppliedActions   int         `json:"applied_actions"`
	SettledAt        int64       `json:"settled_at"`
}

// Handler 处理来自消息队列的结算事件。
type Handler func(ctx context.Context, event SettlementAccepted) error

// Publisher 负责向队列投递结算事件。
type Publisher interface {
	Publish(ctx context.Context, event SettlementAccepted) error
	Close() error
}

// Consumer 负责从队列中消费结算事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Publisher
	Consumer
}

const (
	CodeEventPublish xerrors.Code = "SETTLEMENT_EVENT_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeEventPublish, xerrors.Attributes{
		Message:   "failed to publish settlement event",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func marshalEvent(event SettlementAccepted) ([]byte, error) {
	if event.SettledAt == 0 {
		event.SettledAt = time.Now().Unix()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(CodeEventPublish, err, "编码结算事件失败")
	}
	return body, nil
}

func unmarshalEvent(body []byte) (SettlementAccepted, error) {
	var event SettlementAccepted
	if err := json.Unmarshal(body, &event); err != nil {
		return SettlementAccepted{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解码结算事件失败")
	}
	return event, nil
}
