package proofs

import (
	"context"
	"crypto/subtle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DigestChecker 是面向开发与测试环境的确定性检查器：
// 证明必须等于 Keccak256(imageCommitment || journalBytes)。
// 它不提供任何密码学安全性，生产环境必须换成真实的验证服务。
type DigestChecker struct{}

// NewDigestChecker 构造 DigestChecker。
func NewDigestChecker() *DigestChecker {
	return &DigestChecker{}
}

// Check 实现 Checker 接口。
func (c *DigestChecker) Check(_ context.Context, imageCommitment common.Hash, journalBytes, proofBytes []byte) (bool, error) {
	expected := Seal(imageCommitment, journalBytes)
	return subtle.ConstantTimeCompare(expected, proofBytes) == 1, nil
}

// Seal 生成 DigestChecker 可接受的"证明"，供测试夹具使用。
func Seal(imageCommitment common.Hash, journalBytes []byte) []byte {
	return crypto.Keccak256(imageCommitment.Bytes(), journalBytes)
}
