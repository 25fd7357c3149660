package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part used for escrow identities.
const AddressPrefix = "esc"

// AddressLength is the raw byte length of an identity address.
const AddressLength = 20

// Address is a 20-byte identity rendered as a bech32 string. The zero value
// stands for "unset" throughout the escrow state machine.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress builds an address from raw bytes. It returns an error when the
// input is not exactly 20 bytes long.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressLength, len(b))
	}
	var addr Address
	copy(addr.bytes[:], b)
	return addr, nil
}

// AddressFromBytes builds an address from a fixed-size array.
func AddressFromBytes(b [AddressLength]byte) Address {
	return Address{bytes: b}
}

// String renders the address in bech32 with the escrow prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.bytes[:])
	return out
}

// Array returns the raw address as a fixed-size array.
func (a Address) Array() [AddressLength]byte {
	return a.bytes
}

// IsZero reports whether the address is the unset sentinel.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// DecodeAddress parses a bech32 address string and verifies the prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

// --- Key management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 private key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes restores a private key from its raw byte form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the 20-byte identity address for the public key.
func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	addr, err := NewAddress(addrBytes)
	if err != nil {
		panic(err)
	}
	return addr
}

// Equal reports whether two addresses are byte-identical.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes[:], other.bytes[:])
}
