package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"escrowd/core/types"
)

var (
	// ErrInsufficientBalance is returned when a transfer would overdraw the
	// source account.
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	// ErrInsufficientCustody is returned when an escrow debit exceeds the
	// amount recorded against the escrow vault for that escrow.
	ErrInsufficientCustody = errors.New("state: insufficient custody")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("state: invalid amount")
)

// Manager is the in-memory ledger backing the escrow engine. It tracks account
// balances plus a per-escrow custody record against the module vault, so the
// vault balance can always be reconciled with the sum of open escrows.
type Manager struct {
	mu       sync.RWMutex
	accounts map[[20]byte]*types.Account
	custody  map[[32]byte]*big.Int
	vault    [20]byte
}

// NewManager builds an empty ledger. The vault address is derived from a fixed
// module seed so it can never collide with a key-derived account.
func NewManager() *Manager {
	digest := ethcrypto.Keccak256([]byte("escrowd/module-vault"))
	var vault [20]byte
	copy(vault[:], digest[12:])
	return &Manager{
		accounts: make(map[[20]byte]*types.Account),
		custody:  make(map[[32]byte]*big.Int),
		vault:    vault,
	}
}

// VaultAddress returns the address holding all custodied funds.
func (m *Manager) VaultAddress() [20]byte {
	return m.vault
}

// GetAccount returns a copy of the account for addr. Unknown addresses yield a
// zero-balance account.
func (m *Manager) GetAccount(addr [20]byte) *types.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[addr].Clone()
}

// Balance returns a copy of the spendable balance for addr.
func (m *Manager) Balance(addr [20]byte) *big.Int {
	return m.GetAccount(addr).Balance
}

// Credit mints amount onto addr. Used for operator funding of accounts; the
// escrow engine itself never mints.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[addr].Clone()
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	m.accounts[addr] = acc
	return nil
}

// Transfer moves amount from one account to another. Both balances change
// atomically under the manager lock; an overdraw leaves both untouched.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: transfer amount must be non-negative", ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fromAcc := m.accounts[from].Clone()
	if fromAcc.Balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc := m.accounts[to].Clone()
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amount)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amount)
	m.accounts[from] = fromAcc
	m.accounts[to] = toAcc
	return nil
}

// EscrowCredit records amount as custodied for the given escrow id.
func (m *Manager) EscrowCredit(id [32]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: custody amount must be positive", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.custody[id]
	if held == nil {
		held = big.NewInt(0)
	}
	m.custody[id] = new(big.Int).Add(held, amount)
	return nil
}

// EscrowDebit releases amount from the custody record for the given escrow id.
func (m *Manager) EscrowDebit(id [32]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: custody amount must be positive", ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.custody[id]
	if held == nil || held.Cmp(amount) < 0 {
		return ErrInsufficientCustody
	}
	remaining := new(big.Int).Sub(held, amount)
	if remaining.Sign() == 0 {
		delete(m.custody, id)
	} else {
		m.custody[id] = remaining
	}
	return nil
}

// Custody returns the amount currently recorded against the escrow id.
func (m *Manager) Custody(id [32]byte) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := m.custody[id]
	if held == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(held)
}
