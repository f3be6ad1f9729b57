package state

import (
	"crypto/sha256"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"htlcbridge/native/htlc"
)

func newTestOrder(id uint64, maker byte, amount int64) *htlc.Order {
	var addr [20]byte
	addr[19] = maker
	return &htlc.Order{
		ID:           id,
		Maker:        addr,
		Amount:       big.NewInt(amount),
		SecretDigest: sha256.Sum256([]byte("secret")),
		CreatedAt:    1_700_000_000,
	}
}

func TestHTLCAllocateIDMonotonic(t *testing.T) {
	manager := newTestManager(t)
	counter, err := manager.HTLCOrderCounter()
	require.NoError(t, err)
	require.Zero(t, counter)

	for want := uint64(0); want < 5; want++ {
		id, err := manager.HTLCAllocateID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	counter, err = manager.HTLCOrderCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(5), counter)
}

func TestHTLCAllocateIDExhausted(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, manager.writeBigInt(htlcCounterKey, new(big.Int).SetUint64(math.MaxUint64)))
	_, err := manager.HTLCAllocateID()
	require.Error(t, err)
}

func TestHTLCOrderLifecycle(t *testing.T) {
	manager := newTestManager(t)
	order := newTestOrder(7, 1, 500)
	order.Expiry = 3600
	order.MinCounterpartAmount = big.NewInt(10)

	ok, err := manager.HTLCOrderExists(7)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = manager.HTLCOrderGet(7)
	require.True(t, errors.Is(err, htlc.ErrNotFound))

	require.NoError(t, manager.HTLCOrderPut(order))
	stored, err := manager.HTLCOrderGet(7)
	require.NoError(t, err)
	require.Equal(t, order.ID, stored.ID)
	require.Equal(t, order.Maker, stored.Maker)
	require.Equal(t, order.SecretDigest, stored.SecretDigest)
	require.Equal(t, order.CreatedAt, stored.CreatedAt)
	require.Equal(t, uint64(3600), stored.Expiry)
	require.Equal(t, int64(500), stored.Amount.Int64())
	require.Equal(t, int64(10), stored.MinCounterpartAmount.Int64())
	require.False(t, stored.Claimed)

	stored.Claimed = true
	require.NoError(t, manager.HTLCOrderPut(stored))
	reloaded, err := manager.HTLCOrderGet(7)
	require.NoError(t, err)
	require.True(t, reloaded.Claimed)

	require.NoError(t, manager.HTLCOrderRemove(7))
	require.True(t, errors.Is(manager.HTLCOrderRemove(7), htlc.ErrNotFound))
	ok, err = manager.HTLCOrderExists(7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHTLCOrderPutRejectsNegativeAmount(t *testing.T) {
	manager := newTestManager(t)
	order := newTestOrder(1, 1, 0)
	order.Amount = big.NewInt(-5)
	require.Error(t, manager.HTLCOrderPut(order))
}

func TestHTLCOwnerSetOnce(t *testing.T) {
	manager := newTestManager(t)
	_, ok, err := manager.HTLCOwner()
	require.NoError(t, err)
	require.False(t, ok)

	var owner [20]byte
	owner[0] = 0xEE
	require.NoError(t, manager.HTLCSetOwner(owner))
	got, ok, err := manager.HTLCOwner()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, owner, got)

	require.True(t, errors.Is(manager.HTLCSetOwner([20]byte{}), ErrOwnerAlreadySet))
}

func TestHTLCLockedTotal(t *testing.T) {
	manager := newTestManager(t)
	require.NoError(t, manager.HTLCLockAdd(big.NewInt(300)))
	require.NoError(t, manager.HTLCLockAdd(big.NewInt(200)))
	require.NoError(t, manager.HTLCLockSub(big.NewInt(100)))

	locked, err := manager.HTLCLocked()
	require.NoError(t, err)
	require.Equal(t, int64(400), locked.Int64())

	require.True(t, errors.Is(manager.HTLCLockSub(big.NewInt(401)), htlc.ErrInsufficientFunds))
	require.True(t, errors.Is(manager.HTLCLockAdd(big.NewInt(-1)), htlc.ErrInvalidParameter))
}

func TestHTLCVaultDepositAndTransferOut(t *testing.T) {
	manager := newTestManager(t)
	var maker, claimer [20]byte
	maker[0], claimer[0] = 1, 2
	fundAccount(t, manager, maker, 1_000)

	require.NoError(t, manager.HTLCDeposit(maker, big.NewInt(750)))
	vault, err := manager.HTLCVaultBalance()
	require.NoError(t, err)
	require.Equal(t, int64(750), vault.Int64())

	err = manager.HTLCDeposit(maker, big.NewInt(251))
	require.True(t, errors.Is(err, htlc.ErrInsufficientFunds))

	require.NoError(t, manager.HTLCTransferOut(claimer, big.NewInt(750)))
	err = manager.HTLCTransferOut(claimer, big.NewInt(1))
	require.True(t, errors.Is(err, htlc.ErrInsufficientFunds))

	balance, err := manager.Balance(claimer[:])
	require.NoError(t, err)
	require.Equal(t, int64(750), balance.Int64())
}

func TestHTLCVaultAddressDeterministic(t *testing.T) {
	require.NotEqual(t, [20]byte{}, HTLCVaultAddress)
	require.Equal(t, HTLCVaultAddress, func() [20]byte {
		var out [20]byte
		copy(out[:], kvKey(htlcVaultSeedBytes)[:20])
		return out
	}())
}

func TestEngineOnTrieState(t *testing.T) {
	manager := newTestManager(t)
	var maker, claimer [20]byte
	maker[0], claimer[0] = 0xA1, 0xB0
	fundAccount(t, manager, maker, 1_000_000)

	engine := htlc.NewEngine()
	engine.SetState(manager)

	secret := []byte{0x12, 0x34}
	require.NoError(t, manager.HTLCDeposit(maker, big.NewInt(1_000_000)))
	order, err := engine.Announce(maker, big.NewInt(1_000_000), htlc.AnnounceParams{SecretDigest: sha256.Sum256(secret)})
	require.NoError(t, err)
	require.Zero(t, order.ID)
	require.NoError(t, engine.CheckSolvency())

	_, err = engine.Claim(claimer, big.NewInt(0), order.ID, secret)
	require.NoError(t, err)

	stored, err := manager.HTLCOrderGet(order.ID)
	require.NoError(t, err)
	require.True(t, stored.Claimed)
	balance, err := manager.Balance(claimer[:])
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), balance.Int64())

	locked, held, err := engine.Solvency()
	require.NoError(t, err)
	require.Zero(t, locked.Sign())
	require.Zero(t, held.Sign())
}
