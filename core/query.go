package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/core/state"
	"htlcbridge/native/htlc"
)

// The read surface observes committed state only: every call either commits or
// resets the trie before releasing stateMu.

// Order returns the stored order or htlc.ErrNotFound.
func (l *Ledger) Order(id uint64) (*htlc.Order, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return state.NewManager(l.trie).HTLCOrderGet(id)
}

// HasOrder reports whether an order is stored under id.
func (l *Ledger) HasOrder(id uint64) (bool, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return state.NewManager(l.trie).HTLCOrderExists(id)
}

// OrderCounter returns the identifier the next announce will receive.
func (l *Ledger) OrderCounter() (uint64, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return state.NewManager(l.trie).HTLCOrderCounter()
}

// Owner returns the genesis owner, if one was configured.
func (l *Ledger) Owner() ([20]byte, bool, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return state.NewManager(l.trie).HTLCOwner()
}

// Balance returns the native balance of addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return state.NewManager(l.trie).Balance(addr[:])
}

// Nonce returns the nonce the next call from addr must carry.
func (l *Ledger) Nonce(addr [20]byte) (uint64, error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	account, err := state.NewManager(l.trie).GetAccount(addr[:])
	if err != nil {
		return 0, err
	}
	return account.Nonce, nil
}

// Solvency returns the locked total and the vault balance.
func (l *Ledger) Solvency() (locked *big.Int, held *big.Int, err error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.newEngine(state.NewManager(l.trie), nil).Solvency()
}

// VaultAddress returns the account holding escrowed value.
func (l *Ledger) VaultAddress() [20]byte { return state.HTLCVaultAddress }

// Profile returns the behavioural variant the ledger runs.
func (l *Ledger) Profile() htlc.Profile { return l.profile }

// Height returns the number of the last committed call and whether any call
// or genesis has been committed.
func (l *Ledger) Height() (uint64, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.height, l.hasHead
}

// Root returns the last committed state root.
func (l *Ledger) Root() common.Hash {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.trie.Root()
}
