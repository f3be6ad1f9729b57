package htlc

import (
	"fmt"
	"math/big"
)

// MaxExpiry bounds the expiry duration so CreatedAt+Expiry stays within int64.
const MaxExpiry = 1 << 62

// Order captures a single hash-locked escrow. Every field except Claimed is
// fixed when the order is announced.
type Order struct {
	ID                   uint64
	Maker                [20]byte
	Amount               *big.Int
	SecretDigest         [32]byte
	MinCounterpartAmount *big.Int
	CreatedAt            int64
	Expiry               uint64
	Claimed              bool
}

// Clone returns a deep copy of the order so callers can safely mutate the copy
// without affecting the stored instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.MinCounterpartAmount = cloneBigInt(o.MinCounterpartAmount)
	return &clone
}

// Deadline returns the unix timestamp after which the order counts as expired
// and whether the order carries an expiry at all.
func (o *Order) Deadline() (int64, bool) {
	if o == nil || o.Expiry == 0 {
		return 0, false
	}
	return o.CreatedAt + int64(o.Expiry), true
}

// SanitizeOrder validates the supplied order, returning a clone with non-nil
// amount fields. The original value is not mutated.
func SanitizeOrder(o *Order) (*Order, error) {
	if o == nil {
		return nil, fmt.Errorf("htlc: nil order")
	}
	clone := o.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("htlc: order amount must be non-negative")
	}
	if clone.MinCounterpartAmount.Sign() < 0 {
		return nil, fmt.Errorf("htlc: min counterpart amount must be non-negative")
	}
	if clone.Expiry > MaxExpiry {
		return nil, fmt.Errorf("%w: expiry out of range: %d", ErrInvalidParameter, clone.Expiry)
	}
	return clone, nil
}

// AnnounceParams carries the caller-supplied inputs of the announce entrypoint.
// Amount is only consulted when the profile takes the locked amount from an
// explicit parameter.
type AnnounceParams struct {
	SecretDigest         [32]byte
	Amount               *big.Int
	MinCounterpartAmount *big.Int
	ExpiryDuration       uint64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
