package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
)

// AgentRecord 记录一个 agent 的可信程序承诺，由外部身份子系统维护。
type AgentRecord struct {
	AgentID         common.Hash `json:"agent_id"`
	ImageCommitment common.Hash `json:"image_commitment"`
	CodeHash        common.Hash `json:"code_hash"`
}

// Registry 抽象 agent 注册表的只读查询，结算核心只消费、从不修改。
type Registry interface {
	Lookup(ctx context.Context, agentID common.Hash) (*AgentRecord, error)
}

const (
	CodeAgentNotRegistered xerrors.Code = "AGENT_NOT_REGISTERED"
)

var (
	// ErrAgentNotRegistered 表示注册表中不存在指定的 agent。
	ErrAgentNotRegistered = xerrors.New(CodeAgentNotRegistered, "agent 未注册")
)

func init() {
	xerrors.Register(CodeAgentNotRegistered, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}
