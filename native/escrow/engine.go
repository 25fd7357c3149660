package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/attestation"
	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/observability"
)

// Ledger is the fund-custody backend. The engine owns no balances itself; it
// moves value between party accounts and the module vault, and keeps a custody
// record per escrow so releases and refunds reconcile exactly.
type Ledger interface {
	VaultAddress() [20]byte
	Transfer(from, to [20]byte, amount *big.Int) error
	EscrowCredit(id [32]byte, amount *big.Int) error
	EscrowDebit(id [32]byte, amount *big.Int) error
}

type engineEvent struct {
	evt *types.Event
}

func (e engineEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e engineEvent) Event() *types.Event { return e.evt }

// Engine validates caller identity and current state before any mutation and
// performs the four lifecycle operations. Mutating calls are serialised: one
// transition runs to completion before the next observes state, so milestone
// ordering never needs locking beyond the engine mutex.
type Engine struct {
	mu       sync.Mutex
	ledger   Ledger
	attester attestation.Attester
	emitter  events.Emitter
	nowFn    func() int64
	escrows  map[[32]byte]*State
}

// NewEngine wires an engine to its ledger and attestation gateway. Events are
// discarded until an emitter is configured.
func NewEngine(ledger Ledger, attester attestation.Attester) (*Engine, error) {
	if ledger == nil {
		return nil, fmt.Errorf("escrow engine: ledger not configured")
	}
	if attester == nil {
		return nil, fmt.Errorf("escrow engine: attester not configured")
	}
	return &Engine{
		ledger:   ledger,
		attester: attester,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		escrows:  make(map[[32]byte]*State),
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the proof timestamp source. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(engineEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// CreateInstance registers a new escrow instance owned by owner and bound to
// the given attestation schema. The identifier is deterministic over the
// inputs, and re-registering an identical definition is idempotent.
func (e *Engine) CreateInstance(owner [20]byte, schemaID [32]byte, salt []byte) ([32]byte, error) {
	if owner == ([20]byte{}) {
		return [32]byte{}, fmt.Errorf("%w: owner required", ErrInvalidParty)
	}
	var id [32]byte
	copy(id[:], ethcrypto.Keccak256(owner[:], schemaID[:], salt))

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.escrows[id]; ok {
		if existing.owner != owner || existing.schemaID != schemaID {
			return [32]byte{}, fmt.Errorf("escrow: identifier collision for instance %x", id)
		}
		return id, nil
	}
	e.escrows[id] = newState(owner, schemaID)
	return id, nil
}

// Initialize opens a new escrow lifecycle: the caller becomes the customer,
// the deposit moves from the caller's account into vault custody, and the
// shipper is recorded as the counterparty.
func (e *Engine) Initialize(id [32]byte, caller, shipper [20]byte, amount *big.Int) error {
	defer observability.Escrow().ObserveOp("initialize", time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()
	es, ok := e.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	if es.initialized() {
		return ErrAlreadyInitialized
	}
	if shipper == ([20]byte{}) {
		return fmt.Errorf("%w: shipper required", ErrInvalidParty)
	}
	if shipper == caller {
		return fmt.Errorf("%w: shipper must differ from customer", ErrInvalidParty)
	}
	deposit := new(big.Int).Set(amount)
	if err := e.ledger.Transfer(caller, e.ledger.VaultAddress(), deposit); err != nil {
		return fmt.Errorf("%w: deposit: %s", ErrTransferFailed, err)
	}
	if err := e.ledger.EscrowCredit(id, deposit); err != nil {
		return fmt.Errorf("%w: record custody: %s", ErrTransferFailed, err)
	}
	es.customer = caller
	es.shipper = shipper
	es.amount = deposit
	e.emit(NewInitializedEvent(id, caller, shipper, deposit))
	return nil
}

// ConfirmShipment records the shipment proof through the attestation gateway
// and sets the shipment milestone. Only the recorded shipper may call it. The
// proof names {shipper, customer} as recipients in that order.
func (e *Engine) ConfirmShipment(ctx context.Context, id [32]byte, caller [20]byte, proofData []byte) (uint64, error) {
	defer observability.Escrow().ObserveOp("confirm_shipment", time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()
	es, ok := e.escrows[id]
	if !ok {
		return 0, ErrNotFound
	}
	if !es.initialized() {
		return 0, fmt.Errorf("%w: escrow not initialized", ErrInvalidState)
	}
	if caller != es.shipper {
		return 0, fmt.Errorf("%w: only the shipper may confirm shipment", ErrNotAuthorized)
	}
	if es.shipmentConfirmed {
		return 0, fmt.Errorf("%w: shipment already confirmed", ErrInvalidState)
	}
	proofID, err := e.recordProof(ctx, es, [][20]byte{es.shipper, es.customer}, proofData)
	if err != nil {
		return 0, err
	}
	es.shipmentConfirmed = true
	e.emit(NewShipmentConfirmedEvent(id, es.shipper, proofID, proofData))
	return proofID, nil
}

// ConfirmReceipt records the receipt proof and, on success, releases the full
// custodied amount to the shipper and resets the escrow. Only the recorded
// customer may call it, and only after shipment confirmation. The proof names
// {customer, shipper} as recipients, the reverse of the shipment proof.
func (e *Engine) ConfirmReceipt(ctx context.Context, id [32]byte, caller [20]byte, proofData []byte) (uint64, error) {
	defer observability.Escrow().ObserveOp("confirm_receipt", time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()
	es, ok := e.escrows[id]
	if !ok {
		return 0, ErrNotFound
	}
	if !es.initialized() {
		return 0, fmt.Errorf("%w: escrow not initialized", ErrInvalidState)
	}
	if caller != es.customer {
		return 0, fmt.Errorf("%w: only the customer may confirm receipt", ErrNotAuthorized)
	}
	if !es.shipmentConfirmed {
		return 0, fmt.Errorf("%w: shipment not yet confirmed", ErrInvalidState)
	}
	if es.receiptConfirmed {
		return 0, fmt.Errorf("%w: receipt already confirmed", ErrInvalidState)
	}
	proofID, err := e.recordProof(ctx, es, [][20]byte{es.customer, es.shipper}, proofData)
	if err != nil {
		return 0, err
	}

	// Release and reset happen as one unit with the flag update: if the
	// transfer cannot complete the flag is rolled back and the call fails with
	// no observable effect.
	customer := es.customer
	shipper := es.shipper
	amount := es.Amount()
	es.receiptConfirmed = true
	if err := e.releaseFunds(id, es); err != nil {
		es.receiptConfirmed = false
		return 0, err
	}
	e.emit(NewReceiptConfirmedEvent(id, customer, proofID, proofData))
	e.emit(NewFundsReleasedEvent(id, shipper, amount))
	return proofID, nil
}

// releaseFunds transfers the full custodied amount to the shipper and resets
// the escrow. Both milestone flags are re-checked even though ConfirmReceipt
// is the only caller.
func (e *Engine) releaseFunds(id [32]byte, es *State) error {
	if !es.shipmentConfirmed || !es.receiptConfirmed {
		return fmt.Errorf("%w: release requires both confirmations", ErrInvalidState)
	}
	amount := es.Amount()
	if err := e.ledger.Transfer(e.ledger.VaultAddress(), es.shipper, amount); err != nil {
		return fmt.Errorf("%w: release to shipper: %s", ErrTransferFailed, err)
	}
	if err := e.ledger.EscrowDebit(id, amount); err != nil {
		return fmt.Errorf("%w: clear custody: %s", ErrTransferFailed, err)
	}
	es.reset()
	return nil
}

// Cancel aborts an escrow before any confirmation, refunding the full balance
// to the customer. Only the instance owner may cancel, and never after either
// milestone has been recorded.
func (e *Engine) Cancel(id [32]byte, caller [20]byte) error {
	defer observability.Escrow().ObserveOp("cancel", time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()
	es, ok := e.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if caller != es.owner {
		return fmt.Errorf("%w: only the owner may cancel", ErrNotAuthorized)
	}
	if !es.initialized() {
		return fmt.Errorf("%w: no escrow in progress", ErrInvalidState)
	}
	if es.shipmentConfirmed || es.receiptConfirmed {
		return fmt.Errorf("%w: cannot cancel after confirmation", ErrInvalidState)
	}
	amount := es.Amount()
	if err := e.ledger.Transfer(e.ledger.VaultAddress(), es.customer, amount); err != nil {
		return fmt.Errorf("%w: refund to customer: %s", ErrTransferFailed, err)
	}
	if err := e.ledger.EscrowDebit(id, amount); err != nil {
		return fmt.Errorf("%w: clear custody: %s", ErrTransferFailed, err)
	}
	es.reset()
	return nil
}

// Snapshot returns the read-only view of the escrow state.
func (e *Engine) Snapshot(id [32]byte) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	es, ok := e.escrows[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return es.snapshot(id), nil
}

// recordProof submits one proof record and maps every gateway failure mode to
// ErrAttestationFailed: transport errors and the zero-id sentinel alike leave
// state untouched, so the same call is safe to retry.
func (e *Engine) recordProof(ctx context.Context, es *State, recipients [][20]byte, proofData []byte) (uint64, error) {
	rec := attestation.Record{
		SchemaID:   es.schemaID,
		Recipients: recipients,
		Timestamp:  e.now(),
		Payload:    proofData,
	}
	proofID, err := e.attester.Attest(ctx, rec)
	if err != nil {
		observability.Escrow().RecordAttestation("error")
		return 0, fmt.Errorf("%w: %s", ErrAttestationFailed, err)
	}
	if proofID == attestation.ProofIDFailure {
		observability.Escrow().RecordAttestation("rejected")
		return 0, fmt.Errorf("%w: gateway returned no proof id", ErrAttestationFailed)
	}
	observability.Escrow().RecordAttestation("recorded")
	return proofID, nil
}
