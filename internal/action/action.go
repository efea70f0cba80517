package action

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenSettle-Chain/internal/errors"
)

// Type 标识一条动作的种类，未知种类必须被拒绝而不是跳过。
type Type uint32

const (
	// TypeCall 以 payload 作为调用数据调用目标地址。
	TypeCall Type = 2
	// TypeTransferToken 将指定数量的资产转移到目标地址。
	TypeTransferToken Type = 3
	// TypeNoOp 不产生任何效果，用于填充。
	TypeNoOp Type = 4
)

// Action 是一条离散的、带类型的副作用指令。
type Action struct {
	Type    Type        `json:"type"`
	Target  common.Hash `json:"target"`
	Payload []byte      `json:"payload"`
}

const (
	CodeBadActionBatch xerrors.Code = "BAD_ACTION_BATCH"
)

var (
	// ErrBadActionBatch 表示动作批次的字节串不符合声明的布局。
	ErrBadActionBatch = xerrors.New(CodeBadActionBatch, "动作批次编码不合法")
)

func init() {
	xerrors.Register(CodeBadActionBatch, xerrors.Attributes{
		Message:   "malformed action batch",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsKnownType 检查动作类型是否在已枚举的集合内。
func IsKnownType(t Type) bool {
	switch t {
	case TypeCall, TypeTransferToken, TypeNoOp:
		return true
	default:
		return false
	}
}

// BatchDigest 计算原始批次字节串的 Keccak-256 摘要。
// Vault 用它与 journal.ActionCommitment 比对，编解码层自身不做比对。
func BatchDigest(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}

// TargetAddress 将 32 字节的目标值截取为 20 字节地址。
func (a Action) TargetAddress() common.Address {
	return common.BytesToAddress(a.Target.Bytes())
}
