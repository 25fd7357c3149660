package escrow

import "errors"

// Every rejected operation signals exactly one of these kinds. All of them are
// terminal for the attempted call; the engine never retries internally.
var (
	// ErrInvalidAmount rejects a deposit that is nil, zero or negative.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrAlreadyInitialized rejects a deposit while an escrow lifecycle is in
	// progress.
	ErrAlreadyInitialized = errors.New("escrow: already initialized")
	// ErrNotAuthorized rejects a caller that is not the party the operation
	// requires.
	ErrNotAuthorized = errors.New("escrow: not authorized")
	// ErrInvalidState rejects an operation that the current milestone flags do
	// not permit.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrAttestationFailed means the attestation service recorded no proof.
	// State is unchanged and the same call is safe to retry.
	ErrAttestationFailed = errors.New("escrow: attestation failed")
	// ErrTransferFailed means a fund movement could not complete. State is
	// unchanged; the caller must resolve the destination before retrying.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrInvalidParty rejects a self-escrow: the shipper must be distinct from
	// the depositing customer.
	ErrInvalidParty = errors.New("escrow: invalid party")
	// ErrNotFound is returned for an unknown escrow identifier.
	ErrNotFound = errors.New("escrow: not found")
)
