package vault

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"OpenSettle-Chain/internal/action"
	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/events"
	"OpenSettle-Chain/internal/journal"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
	"OpenSettle-Chain/pkg/logger"
)

// 当前支持的凭证版本常量。
const (
	SupportedProtocolVersion uint32 = 1
	SupportedKernelVersion   uint32 = 1
)

// VaultState 是每个 agent 独占的可变状态：资产托管余额与单调递增的执行 nonce。
type VaultState struct {
	AgentID                common.Hash              `json:"agent_id"`
	TrustedImageCommitment common.Hash              `json:"trusted_image_commitment"`
	LastExecutionNonce     uint64                   `json:"last_execution_nonce"`
	Balances               map[common.Hash]*big.Int `json:"balances"`
	CreatedAt              int64                    `json:"created_at"`
	UpdatedAt              int64                    `json:"updated_at"`
}

// Balance 返回指定资产的托管余额，未持有返回 0。
func (s *VaultState) Balance(asset common.Hash) *big.Int {
	if s == nil || s.Balances == nil {
		return new(big.Int)
	}
	if amount, ok := s.Balances[asset]; ok && amount != nil {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

// SettlementReceipt 是一次结算被接受后返回给调用方的回执。
type SettlementReceipt struct {
	ReceiptID        string      `json:"receipt_id"`
	AgentID          common.Hash `json:"agent_id"`
	ExecutionNonce   uint64      `json:"execution_nonce"`
	ActionCommitment common.Hash `json:"action_commitment"`
	AppliedActions   int         `json:"applied_actions"`
	SettledAt        int64       `json:"settled_at"`
}

const (
	CodeUnsupportedVersion       xerrors.Code = "UNSUPPORTED_VERSION"
	CodeWrongAgent               xerrors.Code = "WRONG_AGENT"
	CodeNonceNotIncreasing       xerrors.Code = "NONCE_NOT_INCREASING"
	CodeNonceGapTooLarge         xerrors.Code = "NONCE_GAP_TOO_LARGE"
	CodeExecutionStatusFailure   xerrors.Code = "EXECUTION_STATUS_FAILURE"
	CodeActionCommitmentMismatch xerrors.Code = "ACTION_COMMITMENT_MISMATCH"
	CodeUnknownActionType        xerrors.Code = "UNKNOWN_ACTION_TYPE"
	CodeActionExecutionFailed    xerrors.Code = "ACTION_EXECUTION_FAILED"
	CodeInsufficientBalance      xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeTargetCallFailed         xerrors.Code = "TARGET_CALL_FAILED"
	CodeTargetNotAuthorized      xerrors.Code = "TARGET_NOT_AUTHORIZED"
	CodeVaultNotFound            xerrors.Code = "VAULT_NOT_FOUND"
	CodeVaultConflict            xerrors.Code = "VAULT_CONFLICT"
)

var (
	// ErrUnsupportedVersion 表示凭证的协议或内核版本不被当前实现支持。
	ErrUnsupportedVersion = xerrors.New(CodeUnsupportedVersion, "不支持的凭证版本")
	// ErrWrongAgent 表示凭证中的 agent 身份与 vault 绑定身份不一致。
	ErrWrongAgent = xerrors.New(CodeWrongAgent, "凭证 agent 与 vault 绑定身份不一致")
	// ErrNonceNotIncreasing 表示提交的 nonce 不大于已记录的 nonce。
	ErrNonceNotIncreasing = xerrors.New(CodeNonceNotIncreasing, "执行 nonce 未严格递增")
	// ErrNonceGapTooLarge 表示提交的 nonce 跳跃超出允许的最大间隔。
	ErrNonceGapTooLarge = xerrors.New(CodeNonceGapTooLarge, "执行 nonce 跳跃过大")
	// ErrExecutionStatusFailure 表示凭证证明的是一次失败执行，不得产生副作用。
	ErrExecutionStatusFailure = xerrors.New(CodeExecutionStatusFailure, "凭证执行状态为失败")
	// ErrActionCommitmentMismatch 表示动作批次摘要与凭证承诺不一致。
	ErrActionCommitmentMismatch = xerrors.New(CodeActionCommitmentMismatch, "动作批次与凭证承诺不一致")
	// ErrUnknownActionType 表示批次中出现未枚举的动作类型。
	ErrUnknownActionType = xerrors.New(CodeUnknownActionType, "未知的动作类型")
	// ErrActionExecutionFailed 表示动作执行失败，整个批次回滚。
	ErrActionExecutionFailed = xerrors.New(CodeActionExecutionFailed, "动作执行失败")
	// ErrInsufficientBalance 表示托管余额不足以完成转账。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "托管余额不足")
	// ErrTargetCallFailed 表示目标调用返回非成功结果。
	ErrTargetCallFailed = xerrors.New(CodeTargetCallFailed, "目标调用失败")
	// ErrTargetNotAuthorized 表示目标地址未通过授权策略。
	ErrTargetNotAuthorized = xerrors.New(CodeTargetNotAuthorized, "目标地址未被授权")
	// ErrVaultNotFound 表示指定的 vault 不存在。
	ErrVaultNotFound = xerrors.New(CodeVaultNotFound, "vault 不存在")
	// ErrVaultConflict 表示 vault 已存在，不能重复创建。
	ErrVaultConflict = xerrors.New(CodeVaultConflict, "vault 已存在")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeUnsupportedVersion:       {Message: "unsupported journal version", Severity: xerrors.SeverityInfo},
		CodeWrongAgent:               {Message: "journal agent mismatch", Severity: xerrors.SeverityWarning},
		CodeNonceNotIncreasing:       {Message: "execution nonce not increasing", Severity: xerrors.SeverityInfo},
		CodeNonceGapTooLarge:         {Message: "execution nonce gap too large", Severity: xerrors.SeverityInfo},
		CodeExecutionStatusFailure:   {Message: "journal attests a failed execution", Severity: xerrors.SeverityInfo},
		CodeActionCommitmentMismatch: {Message: "action batch does not match commitment", Severity: xerrors.SeverityWarning},
		CodeUnknownActionType:        {Message: "unknown action type", Severity: xerrors.SeverityWarning},
		CodeActionExecutionFailed:    {Message: "action execution failed", Severity: xerrors.SeverityWarning},
		CodeInsufficientBalance:      {Message: "insufficient custodied balance", Severity: xerrors.SeverityInfo},
		CodeTargetCallFailed:         {Message: "target call failed", Severity: xerrors.SeverityWarning},
		CodeTargetNotAuthorized:      {Message: "target not authorized", Severity: xerrors.SeverityWarning},
		CodeVaultNotFound:            {Message: "vault not found", Severity: xerrors.SeverityInfo},
		CodeVaultConflict:            {Message: "vault already exists", Severity: xerrors.SeverityWarning},
	} {
		xerrors.Register(code, attr)
	}
}

// Vault 驱动单个 agent 的结算状态机：
// Idle → Verifying → Validating → Executing → Settled，
// 任何一步失败都以无副作用的方式退回 Idle。
type Vault struct {
	agentID     common.Hash
	adapter     *proofs.Adapter
	store       Store
	registry    registry.Registry
	executor    *Executor
	publisher   events.Publisher
	maxNonceGap uint64
	logger      *slog.Logger
}

// Option 定义可选的 Vault 配置。
type Option func(*Vault)

// WithMaxNonceGap 限制一次结算允许的最大 nonce 跳跃，0 表示不限制。
func WithMaxNonceGap(gap uint64) Option {
	return func(v *Vault) {
		v.maxNonceGap = gap
	}
}

// WithPublisher 配置结算事件的投递队列。
func WithPublisher(publisher events.Publisher) Option {
	return func(v *Vault) {
		v.publisher = publisher
	}
}

// WithVaultLogger 指定日志输出。
func WithVaultLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}

// New 构造绑定单个 agent 的 Vault。
func New(agentID common.Hash, adapter *proofs.Adapter, store Store, reg registry.Registry, executor *Executor, opts ...Option) *Vault {
	v := &Vault{
		agentID:     agentID,
		adapter:     adapter,
		store:       store,
		registry:    reg,
		executor:    executor,
		maxNonceGap: DefaultMaxNonceGap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.logger == nil {
		v.logger = logger.Named("vault")
	}
	return v
}

// AgentID 返回 vault 绑定的 agent 身份。
func (v *Vault) AgentID() common.Hash {
	return v.agentID
}

// Settle 是结算入口：校验 (journal, proof, actionBatch) 三元组并原子地应用动作。
// 被拒绝的结算不会留下任何可观察的状态变化。
func (v *Vault) Settle(ctx context.Context, journalBytes, proofBytes, actionBatchBytes []byte) (*SettlementReceipt, error) {
	if v == nil || v.adapter == nil || v.store == nil || v.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "vault 未初始化")
	}

	// Idle → Verifying：按注册表中的可信承诺校验证明。
	record, err := v.registry.Lookup(ctx, v.agentID)
	if err != nil {
		return nil, err
	}
	j, err := v.adapter.VerifyAndParse(ctx, record.ImageCommitment, journalBytes, proofBytes)
	if err != nil {
		v.auditReject(err, nil)
		return nil, err
	}

	// Verifying → Validating：业务校验，全部只读。
	// nonce 预检基于状态快照，权威判定仍在事务内。
	snapshot, err := v.store.Get(ctx, v.agentID)
	if err != nil {
		return nil, err
	}
	if err := v.validate(j, snapshot.LastExecutionNonce); err != nil {
		v.auditReject(err, j)
		return nil, err
	}

	// Validating → Executing：动作批次必须与凭证中的承诺绑定。
	if digest := action.BatchDigest(actionBatchBytes); digest != j.ActionCommitment {
		v.auditReject(ErrActionCommitmentMismatch, j)
		return nil, ErrActionCommitmentMismatch
	}
	actions, err := action.DecodeBatch(actionBatchBytes)
	if err != nil {
		v.auditReject(err, j)
		return nil, err
	}

	// 打开事务：nonce 先于任何外部可见效果提交，失败则整体回滚。
	tx, err := v.store.Begin(ctx, v.agentID)
	if err != nil {
		return nil, err
	}
	if err := v.settleInTx(ctx, tx, j, actions); err != nil {
		_ = tx.Rollback()
		v.auditReject(err, j)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算事务失败")
	}

	receipt := &SettlementReceipt{
		ReceiptID:        uuid.NewString(),
		AgentID:          v.agentID,
		ExecutionNonce:   j.ExecutionNonce,
		ActionCommitment: j.ActionCommitment,
		AppliedActions:   len(actions),
		SettledAt:        time.Now().Unix(),
	}
	v.publishAccepted(ctx, receipt)

	logger.Audit().Info("结算已接受",
		slog.String("agent_id", v.agentID.Hex()),
		slog.Uint64("execution_nonce", receipt.ExecutionNonce),
		slog.String("action_commitment", receipt.ActionCommitment.Hex()),
		slog.Int("applied_actions", receipt.AppliedActions),
	)
	return receipt, nil
}

// validate 执行凭证的业务校验，不触碰任何状态。
// 过期 nonce 要在承诺比对之前暴露出来，调用方才能把它当作可重试错误处理。
func (v *Vault) validate(j *journal.Journal, lastNonce uint64) error {
	if j.ProtocolVersion != SupportedProtocolVersion || j.KernelVersion != SupportedKernelVersion {
		return ErrUnsupportedVersion
	}
	if j.AgentID != v.agentID {
		return ErrWrongAgent
	}
	// 一次失败执行的有效证明必须零副作用地拒绝。
	if j.ExecutionStatus != journal.StatusSuccess {
		return ErrExecutionStatusFailure
	}
	return acceptNonce(lastNonce, j.ExecutionNonce, v.maxNonceGap)
}

// settleInTx 在事务里完成 nonce 提交与动作执行。
func (v *Vault) settleInTx(ctx context.Context, tx Tx, j *journal.Journal, actions []action.Action) error {
	state := tx.State()
	if err := acceptNonce(state.LastExecutionNonce, j.ExecutionNonce, v.maxNonceGap); err != nil {
		return err
	}
	// nonce 必须先于任何外部可见效果落账，否则同一对证明可能被重放。
	if err := tx.CommitNonce(j.ExecutionNonce); err != nil {
		return err
	}
	if v.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置动作执行器")
	}
	report, err := v.executor.Execute(ctx, tx, actions)
	if err != nil {
		v.logger.Debug("动作批次执行失败",
			slog.String("agent_id", v.agentID.Hex()),
			slog.Int("applied", report.AppliedCount),
			slog.Int("failure_index", report.FirstFailureIndex),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

func (v *Vault) publishAccepted(ctx context.Context, receipt *SettlementReceipt) {
	if v.publisher == nil {
		return
	}
	event := events.SettlementAccepted{
		ReceiptID:        receipt.ReceiptID,
		AgentID:          receipt.AgentID,
		ExecutionNonce:   receipt.ExecutionNonce,
		ActionCommitment: receipt.ActionCommitment,
		AppliedActions:   receipt.AppliedActions,
		SettledAt:        receipt.SettledAt,
	}
	if err := v.publisher.Publish(ctx, event); err != nil {
		// 事件丢失不回滚已提交的结算，但必须告警排查。
		logger.L().Error("结算事件投递失败",
			slog.Any("error", err),
			slog.String("agent_id", receipt.AgentID.Hex()),
			slog.Uint64("execution_nonce", receipt.ExecutionNonce),
		)
	}
}

func (v *Vault) auditReject(err error, j *journal.Journal) {
	attrs := []any{
		slog.String("agent_id", v.agentID.Hex()),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
	}
	if j != nil {
		attrs = append(attrs, slog.Uint64("execution_nonce", j.ExecutionNonce))
	}
	logger.Audit().Warn("结算被拒绝", attrs...)
}
