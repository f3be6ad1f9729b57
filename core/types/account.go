package types

import "math/big"

// Account holds the native value balance of a single identity on the host
// ledger. The escrow vault is an ordinary account owned by the module.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	out := &Account{Nonce: a.Nonce, Balance: big.NewInt(0)}
	if a.Balance != nil {
		out.Balance.Set(a.Balance)
	}
	return out
}
