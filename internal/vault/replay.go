package vault

// DefaultMaxNonceGap 是一次结算允许的默认最大 nonce 跳跃，
// 在容忍合法乱序投递的同时限制跳号的爆炸半径。
const DefaultMaxNonceGap = 100

// acceptNonce 执行重放保护的 nonce 策略：
// proposed 必须严格大于 last；maxGap 大于 0 时还必须满足 proposed-last <= maxGap。
// 这里只做判定，落账发生在同一事务内的 CommitNonce。
func acceptNonce(last, proposed, maxGap uint64) error {
	if proposed <= last {
		return ErrNonceNotIncreasing
	}
	if maxGap > 0 && proposed-last > maxGap {
		return ErrNonceGapTooLarge
	}
	return nil
}
