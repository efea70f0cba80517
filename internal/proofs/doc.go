// Package proofs binds the settlement core to an external zero-knowledge
// proof-checking primitive. The primitive is treated as a trusted oracle and
// injected as a capability so business validation stays independently
// testable.
package proofs
