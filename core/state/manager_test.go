package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func TestCreditAndBalance(t *testing.T) {
	m := NewManager()
	alice := addr(0x01)

	require.Zero(t, m.Balance(alice).Sign())
	require.NoError(t, m.Credit(alice, big.NewInt(100)))
	require.Equal(t, int64(100), m.Balance(alice).Int64())

	require.ErrorIs(t, m.Credit(alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, m.Credit(alice, nil), ErrInvalidAmount)
}

func TestTransfer(t *testing.T) {
	m := NewManager()
	alice, bob := addr(0x01), addr(0x02)
	require.NoError(t, m.Credit(alice, big.NewInt(100)))

	require.NoError(t, m.Transfer(alice, bob, big.NewInt(60)))
	require.Equal(t, int64(40), m.Balance(alice).Int64())
	require.Equal(t, int64(60), m.Balance(bob).Int64())

	err := m.Transfer(alice, bob, big.NewInt(50))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, int64(40), m.Balance(alice).Int64(), "failed transfer must not move funds")
	require.Equal(t, int64(60), m.Balance(bob).Int64())

	require.NoError(t, m.Transfer(alice, bob, big.NewInt(0)), "zero transfer is a no-op")
	require.ErrorIs(t, m.Transfer(alice, bob, big.NewInt(-1)), ErrInvalidAmount)
}

func TestEscrowCustody(t *testing.T) {
	m := NewManager()
	id := [32]byte{0x01}

	require.Zero(t, m.Custody(id).Sign())
	require.NoError(t, m.EscrowCredit(id, big.NewInt(100)))
	require.Equal(t, int64(100), m.Custody(id).Int64())

	require.ErrorIs(t, m.EscrowDebit(id, big.NewInt(150)), ErrInsufficientCustody)
	require.NoError(t, m.EscrowDebit(id, big.NewInt(100)))
	require.Zero(t, m.Custody(id).Sign())
	require.ErrorIs(t, m.EscrowDebit(id, big.NewInt(1)), ErrInsufficientCustody)
}

func TestVaultAddressStable(t *testing.T) {
	a := NewManager()
	b := NewManager()
	require.Equal(t, a.VaultAddress(), b.VaultAddress(), "vault address must be deterministic")
	require.NotEqual(t, [20]byte{}, a.VaultAddress())
}

func TestGetAccountReturnsCopy(t *testing.T) {
	m := NewManager()
	alice := addr(0x01)
	require.NoError(t, m.Credit(alice, big.NewInt(10)))

	acc := m.GetAccount(alice)
	acc.Balance.SetInt64(999)
	require.Equal(t, int64(10), m.Balance(alice).Int64(), "mutating the copy must not alter the ledger")
}
