package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
	"escrowd/crypto"
)

// The four observable escrow events consumed by external monitors. Cancel is
// deliberately silent: it is a pre-commitment abort, not a milestone.
const (
	EventTypeInitialized       = "escrow.initialized"
	EventTypeShipmentConfirmed = "escrow.shipment_confirmed"
	EventTypeReceiptConfirmed  = "escrow.receipt_confirmed"
	EventTypeFundsReleased     = "escrow.funds_released"
)

// NewInitializedEvent is the canonical payload emitted when a deposit opens a
// new escrow lifecycle.
func NewInitializedEvent(id [32]byte, customer, shipper [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(id)
	attrs["customer"] = crypto.AddressFromBytes(customer).String()
	attrs["shipper"] = crypto.AddressFromBytes(shipper).String()
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeInitialized, Attributes: attrs}
}

// NewShipmentConfirmedEvent is the canonical payload emitted once the shipment
// proof is recorded.
func NewShipmentConfirmedEvent(id [32]byte, shipper [20]byte, proofID uint64, payload []byte) *types.Event {
	attrs := baseAttributes(id)
	attrs["shipper"] = crypto.AddressFromBytes(shipper).String()
	attrs["proofId"] = strconv.FormatUint(proofID, 10)
	attrs["payloadHash"] = hex.EncodeToString(ethcrypto.Keccak256(payload))
	return &types.Event{Type: EventTypeShipmentConfirmed, Attributes: attrs}
}

// NewReceiptConfirmedEvent is the canonical payload emitted once the receipt
// proof is recorded, immediately before funds release.
func NewReceiptConfirmedEvent(id [32]byte, customer [20]byte, proofID uint64, payload []byte) *types.Event {
	attrs := baseAttributes(id)
	attrs["customer"] = crypto.AddressFromBytes(customer).String()
	attrs["proofId"] = strconv.FormatUint(proofID, 10)
	attrs["payloadHash"] = hex.EncodeToString(ethcrypto.Keccak256(payload))
	return &types.Event{Type: EventTypeReceiptConfirmed, Attributes: attrs}
}

// NewFundsReleasedEvent is the canonical payload emitted when the full
// custodied amount is transferred to the shipper.
func NewFundsReleasedEvent(id [32]byte, shipper [20]byte, amount *big.Int) *types.Event {
	attrs := baseAttributes(id)
	attrs["shipper"] = crypto.AddressFromBytes(shipper).String()
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeFundsReleased, Attributes: attrs}
}

func baseAttributes(id [32]byte) map[string]string {
	return map[string]string{"id": hex.EncodeToString(id[:])}
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
