package journal

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
)

// ExecutionStatus 标记一次已证明执行的最终结果。
type ExecutionStatus uint8

const (
	// StatusSuccess 表示执行成功，动作批次可以被结算。
	StatusSuccess ExecutionStatus = 1
	// StatusFailure 表示执行失败，对应的动作批次不得产生任何副作用。
	StatusFailure ExecutionStatus = 2
)

// EncodedLength 是 journal 定长编码的字节数。
const EncodedLength = 209

// Journal 是链下证明系统产出的定长执行凭证，一次结算内解码、校验后即丢弃。
type Journal struct {
	ProtocolVersion   uint32          `json:"protocol_version"`
	KernelVersion     uint32          `json:"kernel_version"`
	AgentID           common.Hash     `json:"agent_id"`
	AgentCodeHash     common.Hash     `json:"agent_code_hash"`
	ConstraintSetHash common.Hash     `json:"constraint_set_hash"`
	InputRoot         common.Hash     `json:"input_root"`
	ExecutionNonce    uint64          `json:"execution_nonce"`
	InputCommitment   common.Hash     `json:"input_commitment"`
	ActionCommitment  common.Hash     `json:"action_commitment"`
	ExecutionStatus   ExecutionStatus `json:"execution_status"`
}

const (
	CodeBadJournalLength xerrors.Code = "BAD_JOURNAL_LENGTH"
)

var (
	// ErrBadJournalLength 表示 journal 字节串长度不是 209。
	ErrBadJournalLength = xerrors.New(CodeBadJournalLength, "journal 长度必须为 209 字节")
)

func init() {
	xerrors.Register(CodeBadJournalLength, xerrors.Attributes{
		Message:   "journal byte length mismatch",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(status ExecutionStatus) bool {
	switch status {
	case StatusSuccess, StatusFailure:
		return true
	default:
		return false
	}
}
