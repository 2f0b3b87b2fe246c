// Package proofs implements cryptographic attestation for agent output. Each
// agent owns a secp256k1 key; completed task output is hashed with keccak256
// and signed so any holder of the agent's address can verify attribution
// independently of the runtime that produced it.
package proofs
