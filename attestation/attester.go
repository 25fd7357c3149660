// Package attestation models the external attestation service that records
// immutable proof records for escrow milestones. The escrow engine only
// depends on the narrow Attester capability; the production implementation is
// an HTTP client, tests substitute deterministic doubles.
package attestation

import "context"

// ProofIDFailure is the universal failure sentinel: the service returns proof
// id zero when no proof record was created.
const ProofIDFailure uint64 = 0

// Record describes one proof submission. Recipients are ordered; the order is
// part of the recorded proof and differs between shipment and receipt proofs.
type Record struct {
	SchemaID   [32]byte
	Recipients [][20]byte
	Timestamp  int64
	Payload    []byte
}

// Attester records a proof and returns its opaque identifier. Implementations
// must treat a returned id of zero as "no proof recorded". A non-zero id means
// the proof is durable.
type Attester interface {
	Attest(ctx context.Context, rec Record) (uint64, error)
}

// AttesterFunc adapts a plain function to the Attester interface.
type AttesterFunc func(ctx context.Context, rec Record) (uint64, error)

// Attest implements the Attester interface.
func (f AttesterFunc) Attest(ctx context.Context, rec Record) (uint64, error) {
	return f(ctx, rec)
}
