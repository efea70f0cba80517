package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/action"
	"OpenSettle-Chain/internal/chain"
	xerrors "OpenSettle-Chain/internal/errors"
)

// ExecutionReport 汇总一次批次执行的结果。
type ExecutionReport struct {
	AppliedCount      int `json:"applied_count"`
	FirstFailureIndex int `json:"first_failure_index"`
}

// TargetPolicy 决定动作的目标地址是否被授权。
// 证明系统明确不保证目标合法性，授权是 vault 自己的责任。
type TargetPolicy interface {
	Authorize(a action.Action) error
}

// AllowListPolicy 仅放行白名单内的 Call 目标，转账与 NoOp 不受限。
type AllowListPolicy struct {
	targets map[common.Hash]struct{}
}

// NewAllowListPolicy 构造 AllowListPolicy。空白名单即对 Call 全量拒绝。
func NewAllowListPolicy(targets ...common.Hash) *AllowListPolicy {
	set := make(map[common.Hash]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return &AllowListPolicy{targets: set}
}

// Authorize 实现 TargetPolicy 接口。
func (p *AllowListPolicy) Authorize(a action.Action) error {
	if a.Type != action.TypeCall {
		return nil
	}
	if p == nil {
		return ErrTargetNotAuthorized
	}
	if _, ok := p.targets[a.Target]; !ok {
		return ErrTargetNotAuthorized
	}
	return nil
}

// allowAllPolicy 放行一切目标，仅供测试使用。
type allowAllPolicy struct{}

func (allowAllPolicy) Authorize(action.Action) error { return nil }

// AllowAllPolicy 返回不做任何限制的策略。
func AllowAllPolicy() TargetPolicy { return allowAllPolicy{} }

// Executor 将批次中的每条动作分发到对应的效果上，任何一条失败
// 都终止整个批次；未知动作类型必须硬失败，绝不静默跳过。
type Executor struct {
	invoker chain.Invoker
	policy  TargetPolicy
}

// NewExecutor 构造 Executor。policy 为 nil 时对 Call 采取默认拒绝。
func NewExecutor(invoker chain.Invoker, policy TargetPolicy) *Executor {
	if policy == nil {
		policy = NewAllowListPolicy()
	}
	return &Executor{invoker: invoker, policy: policy}
}

// Execute 在给定事务内依次应用动作。
// 返回的 ExecutionReport 记录已应用条数与首个失败下标（-1 表示无失败）。
func (e *Executor) Execute(ctx context.Context, tx Tx, actions []action.Action) (ExecutionReport, error) {
	report := ExecutionReport{FirstFailureIndex: -1}
	for i, a := range actions {
		if err := e.apply(ctx, tx, a); err != nil {
			report.FirstFailureIndex = i
			return report, err
		}
		report.AppliedCount++
	}
	return report, nil
}

func (e *Executor) apply(ctx context.Context, tx Tx, a action.Action) error {
	if !action.IsKnownType(a.Type) {
		return xerrors.Wrap(CodeUnknownActionType, ErrUnknownActionType,
			fmt.Sprintf("动作类型 %d 未被枚举", a.Type))
	}
	if err := e.policy.Authorize(a); err != nil {
		return err
	}

	switch a.Type {
	case action.TypeCall:
		return e.applyCall(ctx, a)
	case action.TypeTransferToken:
		return e.applyTransfer(tx, a)
	case action.TypeNoOp:
		return nil
	default:
		return ErrUnknownActionType
	}
}

func (e *Executor) applyCall(ctx context.Context, a action.Action) error {
	value, data, err := parseCallPayload(a.Payload)
	if err != nil {
		return err
	}
	if e.invoker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置链调用客户端")
	}
	if err := e.invoker.Invoke(ctx, a.TargetAddress(), value, data); err != nil {
		// 被调用方的非成功结果终止整个批次，忽略调用结果是已知的漏洞模式。
		return xerrors.Wrap(CodeTargetCallFailed, err, "目标调用返回非成功结果")
	}
	return nil
}

func (e *Executor) applyTransfer(tx Tx, a action.Action) error {
	asset, amount, err := parseTransferPayload(a.Payload)
	if err != nil {
		return err
	}
	return tx.Transfer(asset, a.Target, amount)
}

// Call 动作的 payload：32 字节大端 value，其后为不定长调用数据。
func parseCallPayload(payload []byte) (*big.Int, []byte, error) {
	if len(payload) < common.HashLength {
		return nil, nil, xerrors.Wrap(action.CodeBadActionBatch, action.ErrBadActionBatch,
			"Call 动作 payload 缺少 value 字段")
	}
	value := new(big.Int).SetBytes(payload[:common.HashLength])
	return value, payload[common.HashLength:], nil
}

// TransferToken 动作的 payload：32 字节资产标识 + 32 字节大端数量。
func parseTransferPayload(payload []byte) (common.Hash, *big.Int, error) {
	if len(payload) != 2*common.HashLength {
		return common.Hash{}, nil, xerrors.Wrap(action.CodeBadActionBatch, action.ErrBadActionBatch,
			"TransferToken 动作 payload 必须为 64 字节")
	}
	asset := common.BytesToHash(payload[:common.HashLength])
	amount := new(big.Int).SetBytes(payload[common.HashLength:])
	return asset, amount, nil
}

// TransferPayload 编码 TransferToken 动作的 payload，供调用方与测试构造批次。
func TransferPayload(asset common.Hash, amount *big.Int) []byte {
	payload := make([]byte, 2*common.HashLength)
	copy(payload[:common.HashLength], asset.Bytes())
	amount.FillBytes(payload[common.HashLength:])
	return payload
}

// CallPayload 编码 Call 动作的 payload。
func CallPayload(value *big.Int, data []byte) []byte {
	payload := make([]byte, common.HashLength, common.HashLength+len(data))
	value.FillBytes(payload[:common.HashLength])
	return append(payload, data...)
}
