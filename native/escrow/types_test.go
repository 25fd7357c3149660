package escrow

import (
	"math/big"
	"testing"
)

func TestStateWellFormed(t *testing.T) {
	owner := testAddress(0x01)
	var schema [32]byte

	es := newState(owner, schema)
	if err := es.wellFormed(); err != nil {
		t.Fatalf("fresh state must be well formed: %v", err)
	}

	// Fully initialized state.
	es.customer = testAddress(0x02)
	es.shipper = testAddress(0x03)
	es.amount = big.NewInt(10)
	if err := es.wellFormed(); err != nil {
		t.Fatalf("initialized state must be well formed: %v", err)
	}

	// Partial state: parties without custody.
	es.amount = big.NewInt(0)
	if err := es.wellFormed(); err == nil {
		t.Fatalf("parties without custody must violate the invariant")
	}

	// Receipt before shipment.
	es.amount = big.NewInt(10)
	es.receiptConfirmed = true
	if err := es.wellFormed(); err == nil {
		t.Fatalf("receipt before shipment must violate the invariant")
	}
	es.shipmentConfirmed = true
	if err := es.wellFormed(); err != nil {
		t.Fatalf("both flags set is valid: %v", err)
	}
}

func TestStateReset(t *testing.T) {
	owner := testAddress(0x01)
	schema := [32]byte{0xAB}

	es := newState(owner, schema)
	es.customer = testAddress(0x02)
	es.shipper = testAddress(0x03)
	es.amount = big.NewInt(42)
	es.shipmentConfirmed = true
	es.receiptConfirmed = true

	es.reset()

	if es.initialized() || es.ShipmentConfirmed() || es.ReceiptConfirmed() {
		t.Fatalf("reset must clear parties and flags")
	}
	if es.Amount().Sign() != 0 {
		t.Fatalf("reset must zero the amount")
	}
	if es.Owner() != owner || es.SchemaID() != schema {
		t.Fatalf("owner and schema must survive a reset")
	}
}

func TestSnapshotOmitsUnsetParties(t *testing.T) {
	es := newState(testAddress(0x01), [32]byte{0x05})
	snap := es.snapshot([32]byte{0x09})

	if snap.Customer != "" || snap.Shipper != "" {
		t.Fatalf("unset parties must render empty, got %+v", snap)
	}
	if snap.Owner == "" || snap.SchemaID == "" || snap.ID == "" {
		t.Fatalf("owner, schema and id must always render, got %+v", snap)
	}
	if snap.Amount != "0" {
		t.Fatalf("amount = %q, want 0", snap.Amount)
	}
}
