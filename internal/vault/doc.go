// Package vault implements the custodial settlement core: it verifies a
// zero-knowledge attested execution against a registered agent commitment,
// enforces replay protection through a per-vault monotonic nonce and applies
// the attested action batch to custodied balances exactly once. A settlement
// either fully commits or leaves the vault untouched.
package vault
