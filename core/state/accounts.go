package state

import (
	"errors"
	"fmt"
	"math/big"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"htlcbridge/core/types"
)

// ErrInsufficientBalance is returned when a debit exceeds the account balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

func accountStateKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return kvKey(buf)
}

// GetAccount returns the account stored under addr. Unknown accounts are
// returned with a zero balance.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	data, err := m.trie.Get(accountStateKey(addr))
	if err != nil {
		return nil, err
	}
	account := &types.Account{Balance: big.NewInt(0)}
	if len(data) == 0 {
		return account, nil
	}
	stateAcc := new(gethtypes.StateAccount)
	if err := rlp.DecodeBytes(data, stateAcc); err != nil {
		return nil, fmt.Errorf("decode account %x: %w", addr, err)
	}
	account.Nonce = stateAcc.Nonce
	if stateAcc.Balance != nil {
		account.Balance = stateAcc.Balance.ToBig()
	}
	return account, nil
}

// PutAccount persists the account under addr.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return fmt.Errorf("negative balance")
	}
	value, overflow := uint256.FromBig(balance)
	if overflow {
		return fmt.Errorf("balance overflow")
	}
	stateAcc := &gethtypes.StateAccount{
		Nonce:    account.Nonce,
		Balance:  value,
		Root:     gethtypes.EmptyRootHash,
		CodeHash: gethtypes.EmptyCodeHash.Bytes(),
	}
	encoded, err := rlp.EncodeToBytes(stateAcc)
	if err != nil {
		return err
	}
	return m.trie.Update(accountStateKey(addr), encoded)
}

// Balance returns the native balance held by addr.
func (m *Manager) Balance(addr []byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// Credit adds amount to the balance of addr.
func (m *Manager) Credit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(mustUint256(account.Balance), mustUint256(amount))
	if overflow || amount.BitLen() > 256 {
		return fmt.Errorf("balance overflow")
	}
	account.Balance = sum.ToBig()
	return m.PutAccount(addr, account)
}

// Debit removes amount from the balance of addr.
func (m *Manager) Debit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("debit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, account.Balance, amount)
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	return m.PutAccount(addr, account)
}

// Transfer moves amount between two accounts.
func (m *Manager) Transfer(from, to []byte, amount *big.Int) error {
	if err := m.Debit(from, amount); err != nil {
		return err
	}
	return m.Credit(to, amount)
}

// mustUint256 converts a balance that already passed PutAccount's bounds. Values
// wider than 256 bits saturate and are caught by the caller.
func mustUint256(v *big.Int) *uint256.Int {
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}
