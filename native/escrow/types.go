package escrow

import (
	"fmt"
	"math/big"

	"escrowd/crypto"
)

// State holds one escrow lifecycle: the custodied amount, the party
// identities and the two milestone flags. The zero value of the identity
// fields stands for "unset"; amount is positive exactly when both customer and
// shipper are set. All mutation goes through the Engine.
type State struct {
	owner    [20]byte
	schemaID [32]byte

	customer          [20]byte
	shipper           [20]byte
	amount            *big.Int
	shipmentConfirmed bool
	receiptConfirmed  bool
}

// newState builds an uninitialized escrow owned by owner. Owner and schema id
// are fixed for the lifetime of the instance.
func newState(owner [20]byte, schemaID [32]byte) *State {
	return &State{owner: owner, schemaID: schemaID, amount: big.NewInt(0)}
}

// Owner returns the identity with exclusive cancellation rights.
func (s *State) Owner() [20]byte { return s.owner }

// SchemaID returns the attestation schema used for both proof records.
func (s *State) SchemaID() [32]byte { return s.schemaID }

// Customer returns the depositing party, or the zero address when unset.
func (s *State) Customer() [20]byte { return s.customer }

// Shipper returns the delivering party, or the zero address when unset.
func (s *State) Shipper() [20]byte { return s.shipper }

// Amount returns a copy of the custodied amount.
func (s *State) Amount() *big.Int {
	if s.amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.amount)
}

// ShipmentConfirmed reports whether the shipment proof has been recorded.
func (s *State) ShipmentConfirmed() bool { return s.shipmentConfirmed }

// ReceiptConfirmed reports whether the receipt proof has been recorded.
func (s *State) ReceiptConfirmed() bool { return s.receiptConfirmed }

// initialized reports whether a lifecycle is in progress. The validity
// invariant ties this to a positive amount.
func (s *State) initialized() bool {
	return s.customer != [20]byte{} || s.shipper != [20]byte{}
}

// reset clears the escrow back to the uninitialized state. Owner and schema id
// survive so a new lifecycle can begin on the same instance.
func (s *State) reset() {
	s.customer = [20]byte{}
	s.shipper = [20]byte{}
	s.amount = big.NewInt(0)
	s.shipmentConfirmed = false
	s.receiptConfirmed = false
}

// wellFormed verifies the state invariants. The engine checks it after every
// transition in tests; violations indicate an engine bug, never bad input.
func (s *State) wellFormed() error {
	if s == nil {
		return fmt.Errorf("nil escrow state")
	}
	amount := s.Amount()
	bothSet := s.customer != [20]byte{} && s.shipper != [20]byte{}
	if amount.Sign() > 0 != bothSet {
		return fmt.Errorf("partial escrow state: amount=%s customerSet=%t shipperSet=%t",
			amount, s.customer != [20]byte{}, s.shipper != [20]byte{})
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative custody amount %s", amount)
	}
	if s.receiptConfirmed && !s.shipmentConfirmed {
		return fmt.Errorf("receipt confirmed before shipment")
	}
	if !s.initialized() && (s.shipmentConfirmed || s.receiptConfirmed) {
		return fmt.Errorf("milestone flags set on uninitialized escrow")
	}
	return nil
}

// Snapshot is the read-only view of an escrow exposed over the gateway.
type Snapshot struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	SchemaID          string `json:"schemaId"`
	Customer          string `json:"customer,omitempty"`
	Shipper           string `json:"shipper,omitempty"`
	Amount            string `json:"amount"`
	ShipmentConfirmed bool   `json:"shipmentConfirmed"`
	ReceiptConfirmed  bool   `json:"receiptConfirmed"`
	Initialized       bool   `json:"initialized"`
}

func (s *State) snapshot(id [32]byte) Snapshot {
	snap := Snapshot{
		ID:                fmt.Sprintf("%x", id),
		Owner:             crypto.AddressFromBytes(s.owner).String(),
		SchemaID:          fmt.Sprintf("%x", s.schemaID),
		Amount:            s.Amount().String(),
		ShipmentConfirmed: s.shipmentConfirmed,
		ReceiptConfirmed:  s.receiptConfirmed,
		Initialized:       s.initialized(),
	}
	if s.customer != [20]byte{} {
		snap.Customer = crypto.AddressFromBytes(s.customer).String()
	}
	if s.shipper != [20]byte{} {
		snap.Shipper = crypto.AddressFromBytes(s.shipper).String()
	}
	return snap
}
