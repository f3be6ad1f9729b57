package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"htlcbridge/native/htlc"
)

// ErrOwnerAlreadySet is returned when the escrow owner is initialised twice.
var ErrOwnerAlreadySet = errors.New("htlc: owner already set")

// HTLCVaultAddress is the module account holding the value of unclaimed
// orders.
var HTLCVaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(htlcVaultSeedBytes)[:20])
	return addr
}()

func htlcOrderKey(id uint64) []byte {
	buf := make([]byte, len(htlcOrderPrefix)+8)
	copy(buf, htlcOrderPrefix)
	binary.BigEndian.PutUint64(buf[len(htlcOrderPrefix):], id)
	return kvKey(buf)
}

var (
	htlcCounterKey = kvKey(htlcCounterKeyBytes)
	htlcOwnerKey   = kvKey(htlcOwnerKeyBytes)
	htlcLockedKey  = kvKey(htlcLockedKeyBytes)
)

type storedOrder struct {
	ID                   uint64
	Maker                [20]byte
	Amount               *big.Int
	SecretDigest         [32]byte
	MinCounterpartAmount *big.Int
	CreatedAt            *big.Int
	Expiry               uint64
	Claimed              bool
}

func newStoredOrder(o *htlc.Order) *storedOrder {
	return &storedOrder{
		ID:                   o.ID,
		Maker:                o.Maker,
		Amount:               new(big.Int).Set(o.Amount),
		SecretDigest:         o.SecretDigest,
		MinCounterpartAmount: new(big.Int).Set(o.MinCounterpartAmount),
		CreatedAt:            big.NewInt(o.CreatedAt),
		Expiry:               o.Expiry,
		Claimed:              o.Claimed,
	}
}

func (s *storedOrder) toOrder() (*htlc.Order, error) {
	if s == nil {
		return nil, fmt.Errorf("htlc: nil storage record")
	}
	out := &htlc.Order{
		ID:                   s.ID,
		Maker:                s.Maker,
		Amount:               big.NewInt(0),
		SecretDigest:         s.SecretDigest,
		MinCounterpartAmount: big.NewInt(0),
		Expiry:               s.Expiry,
		Claimed:              s.Claimed,
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if s.MinCounterpartAmount != nil {
		out.MinCounterpartAmount = new(big.Int).Set(s.MinCounterpartAmount)
	}
	if s.CreatedAt != nil {
		if !s.CreatedAt.IsInt64() {
			return nil, fmt.Errorf("htlc: order %d creation time out of range", s.ID)
		}
		out.CreatedAt = s.CreatedAt.Int64()
	}
	return out, nil
}

// HTLCOrderCounter returns the identifier the next announce will receive.
func (m *Manager) HTLCOrderCounter() (uint64, error) {
	current, err := m.loadBigInt(htlcCounterKey)
	if err != nil {
		return 0, err
	}
	if !current.IsUint64() {
		return 0, fmt.Errorf("htlc: counter out of range")
	}
	return current.Uint64(), nil
}

// HTLCAllocateID returns the current counter value and advances it. Identifiers
// are never reused, even after the order is removed.
func (m *Manager) HTLCAllocateID() (uint64, error) {
	id, err := m.HTLCOrderCounter()
	if err != nil {
		return 0, err
	}
	if id == math.MaxUint64 {
		return 0, fmt.Errorf("htlc: identifier space exhausted")
	}
	if err := m.writeBigInt(htlcCounterKey, new(big.Int).SetUint64(id+1)); err != nil {
		return 0, err
	}
	return id, nil
}

// HTLCOrderPut stores the order under its identifier, overwriting any record
// already present.
func (m *Manager) HTLCOrderPut(o *htlc.Order) error {
	sanitized, err := htlc.SanitizeOrder(o)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(newStoredOrder(sanitized))
	if err != nil {
		return err
	}
	return m.trie.Update(htlcOrderKey(sanitized.ID), encoded)
}

// HTLCOrderGet loads the order stored under id.
func (m *Manager) HTLCOrderGet(id uint64) (*htlc.Order, error) {
	data, err := m.trie.Get(htlcOrderKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, htlc.ErrNotFound
	}
	stored := new(storedOrder)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("decode order %d: %w", id, err)
	}
	order, err := stored.toOrder()
	if err != nil {
		return nil, err
	}
	if order.ID != id {
		return nil, fmt.Errorf("htlc: order key %d holds id %d", id, order.ID)
	}
	return order, nil
}

// HTLCOrderExists reports whether an order is stored under id.
func (m *Manager) HTLCOrderExists(id uint64) (bool, error) {
	data, err := m.trie.Get(htlcOrderKey(id))
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

// HTLCOrderRemove deletes the order stored under id.
func (m *Manager) HTLCOrderRemove(id uint64) error {
	ok, err := m.HTLCOrderExists(id)
	if err != nil {
		return err
	}
	if !ok {
		return htlc.ErrNotFound
	}
	return m.trie.Delete(htlcOrderKey(id))
}

// HTLCOwner returns the owner recorded at genesis. The owner grants no
// privileges.
func (m *Manager) HTLCOwner() ([20]byte, bool, error) {
	var owner [20]byte
	data, err := m.trie.Get(htlcOwnerKey)
	if err != nil {
		return owner, false, err
	}
	if len(data) == 0 {
		return owner, false, nil
	}
	if len(data) != len(owner) {
		return owner, false, fmt.Errorf("htlc: malformed owner record")
	}
	copy(owner[:], data)
	return owner, true, nil
}

// HTLCSetOwner records the owner. It can only be called once.
func (m *Manager) HTLCSetOwner(owner [20]byte) error {
	_, ok, err := m.HTLCOwner()
	if err != nil {
		return err
	}
	if ok {
		return ErrOwnerAlreadySet
	}
	return m.trie.Update(htlcOwnerKey, append([]byte(nil), owner[:]...))
}

// HTLCLocked returns the sum of the amounts of unclaimed orders.
func (m *Manager) HTLCLocked() (*big.Int, error) {
	return m.loadBigInt(htlcLockedKey)
}

// HTLCLockAdd increases the locked total.
func (m *Manager) HTLCLockAdd(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative lock amount", htlc.ErrInvalidParameter)
	}
	current, err := m.HTLCLocked()
	if err != nil {
		return err
	}
	return m.writeBigInt(htlcLockedKey, current.Add(current, amount))
}

// HTLCLockSub decreases the locked total.
func (m *Manager) HTLCLockSub(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	current, err := m.HTLCLocked()
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: locked %s below release %s", htlc.ErrInsufficientFunds, current, amount)
	}
	return m.writeBigInt(htlcLockedKey, current.Sub(current, amount))
}

// HTLCVaultBalance returns the value held by the escrow vault.
func (m *Manager) HTLCVaultBalance() (*big.Int, error) {
	return m.Balance(HTLCVaultAddress[:])
}

// HTLCDeposit moves value attached to a call from the caller into the vault.
func (m *Manager) HTLCDeposit(from [20]byte, amount *big.Int) error {
	if err := m.Transfer(from[:], HTLCVaultAddress[:], amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", htlc.ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}

// HTLCTransferOut pays amount from the vault to the recipient.
func (m *Manager) HTLCTransferOut(to [20]byte, amount *big.Int) error {
	if err := m.Transfer(HTLCVaultAddress[:], to[:], amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", htlc.ErrInsufficientFunds, err)
		}
		return err
	}
	return nil
}
