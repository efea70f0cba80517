package proofs

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenSettle-Chain/internal/errors"
	"OpenSettle-Chain/internal/journal"
)

// Checker 抽象外部的证明检查原语。
// 实现必须对 (imageCommitment, journalBytes, proofBytes) 三元组整体判定，
// 这里不重新实现任何密码学。
type Checker interface {
	Check(ctx context.Context, imageCommitment common.Hash, journalBytes, proofBytes []byte) (bool, error)
}

const (
	CodeProofInvalid xerrors.Code = "PROOF_INVALID"
)

var (
	// ErrProofInvalid 表示证明未通过外部原语的校验。
	ErrProofInvalid = xerrors.New(CodeProofInvalid, "证明校验未通过")
)

func init() {
	xerrors.Register(CodeProofInvalid, xerrors.Attributes{
		Message:   "proof rejected by checker",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Adapter 将证明检查与 journal 解码组合成结算入口需要的单一操作。
type Adapter struct {
	checker Checker
}

// NewAdapter 构造 Adapter。
func NewAdapter(checker Checker) *Adapter {
	return &Adapter{checker: checker}
}

// VerifyAndParse 先对准确的 (承诺, journal, 证明) 三元组调用外部检查原语，
// 通过后再解码 journal。这里不做任何业务校验（nonce、状态、agent 身份），
// 那些属于 Vault 层。
func (a *Adapter) VerifyAndParse(ctx context.Context, trustedImageCommitment common.Hash, journalBytes, proofBytes []byte) (*journal.Journal, error) {
	if a == nil || a.checker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明检查器")
	}

	ok, err := a.checker.Check(ctx, trustedImageCommitment, journalBytes, proofBytes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeVerificationFailure, err, "调用证明检查器失败")
	}
	if !ok {
		return nil, ErrProofInvalid
	}

	return journal.Decode(journalBytes)
}
