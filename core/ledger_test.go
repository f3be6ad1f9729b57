package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"htlcbridge/core/genesis"
	"htlcbridge/core/types"
	"htlcbridge/native/htlc"
	"htlcbridge/storage"
)

var (
	alice = [20]byte{0xA1}
	bob   = [20]byte{0xB0}
	carol = [20]byte{0xC4}

	testSecret = []byte{0x12, 0x34, 0x56, 0x78, 0x90, 0xab, 0xcd, 0xef}
)

type recordingSink struct {
	mu     sync.Mutex
	events []types.CommittedEvent
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, events []types.CommittedEvent) error {
	if s.fail {
		return errors.New("sink offline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) snapshot() []types.CommittedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CommittedEvent(nil), s.events...)
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1_700_000_000, 0) }
}

func genesisWithAlloc(t *testing.T) *genesis.Resolved {
	t.Helper()
	return &genesis.Resolved{
		Owner:    [20]byte{0xEE},
		HasOwner: true,
		Alloc: []genesis.Allocation{
			{Address: alice, Amount: big.NewInt(5_000_000)},
			{Address: bob, Amount: big.NewInt(1_000)},
		},
	}
}

func newTestLedger(t *testing.T, db storage.Database, profile htlc.Profile, sinks ...EventSink) *Ledger {
	t.Helper()
	ledger, err := NewLedger(db, Options{Profile: profile, Now: fixedClock(), Sinks: sinks})
	require.NoError(t, err)
	require.NoError(t, ledger.InitGenesis(genesisWithAlloc(t)))
	return ledger
}

func newMemLedger(t *testing.T, profile htlc.Profile, sinks ...EventSink) *Ledger {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return newTestLedger(t, db, profile, sinks...)
}

func announceParams(secret []byte) htlc.AnnounceParams {
	return htlc.AnnounceParams{SecretDigest: sha256.Sum256(secret)}
}

// callFrom builds a call carrying the caller's next nonce.
func callFrom(t *testing.T, ledger *Ledger, caller [20]byte, value int64) Call {
	t.Helper()
	nonce, err := ledger.Nonce(caller)
	require.NoError(t, err)
	return Call{Caller: caller, Value: big.NewInt(value), Nonce: nonce}
}

func requireBalance(t *testing.T, ledger *Ledger, addr [20]byte, want int64) {
	t.Helper()
	balance, err := ledger.Balance(addr)
	require.NoError(t, err)
	require.Equal(t, want, balance.Int64(), "balance of %x", addr)
}

func requireConserved(t *testing.T, ledger *Ledger) {
	t.Helper()
	locked, held, err := ledger.Solvency()
	require.NoError(t, err)
	require.Equal(t, 0, locked.Cmp(held), "locked %s held %s", locked, held)
}

func TestLedgerGenesis(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	owner, ok, err := ledger.Owner()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, [20]byte{0xEE}, owner)
	requireBalance(t, ledger, alice, 5_000_000)

	height, ok := ledger.Height()
	require.True(t, ok)
	require.Zero(t, height)

	// second initialisation is a no-op
	require.NoError(t, ledger.InitGenesis(genesisWithAlloc(t)))
	requireBalance(t, ledger, alice, 5_000_000)
}

func TestLedgerClaimFlow(t *testing.T) {
	sink := &recordingSink{}
	ledger := newMemLedger(t, htlc.DefaultProfile, sink)
	ctx := context.Background()

	receipt, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 1_000_000), announceParams(testSecret))
	require.NoError(t, err)
	require.Zero(t, receipt.Order.ID)
	require.Equal(t, uint64(1), receipt.Height)
	require.NotEmpty(t, receipt.CallID)
	requireBalance(t, ledger, alice, 4_000_000)
	requireBalance(t, ledger, ledger.VaultAddress(), 1_000_000)
	requireConserved(t, ledger)

	receipt, err = ledger.Claim(ctx, callFrom(t, ledger, bob, 0), 0, testSecret)
	require.NoError(t, err)
	require.True(t, receipt.Order.Claimed)
	requireBalance(t, ledger, bob, 1_001_000)
	requireBalance(t, ledger, ledger.VaultAddress(), 0)

	order, err := ledger.Order(0)
	require.NoError(t, err)
	require.True(t, order.Claimed)

	_, err = ledger.Claim(ctx, callFrom(t, ledger, carol, 0), 0, testSecret)
	require.True(t, errors.Is(err, htlc.ErrAlreadyClaimed))
	requireBalance(t, ledger, carol, 0)
	requireConserved(t, ledger)

	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, htlc.EventTypeOrderAnnounced, events[0].Event.Type)
	require.Equal(t, htlc.EventTypeOrderClaimed, events[1].Event.Type)
	require.Equal(t, uint64(2), events[1].Height)
}

func TestLedgerCancelFlow(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	ctx := context.Background()

	_, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 500_000), announceParams(testSecret))
	require.NoError(t, err)

	_, err = ledger.Cancel(ctx, callFrom(t, ledger, bob, 0), 0)
	require.True(t, errors.Is(err, htlc.ErrUnauthorized))

	_, err = ledger.Cancel(ctx, callFrom(t, ledger, alice, 0), 0)
	require.NoError(t, err)
	requireBalance(t, ledger, alice, 5_000_000)

	ok, err := ledger.HasOrder(0)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = ledger.Claim(ctx, callFrom(t, ledger, carol, 0), 0, testSecret)
	require.True(t, errors.Is(err, htlc.ErrNotFound))

	counter, err := ledger.OrderCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(1), counter)
	requireConserved(t, ledger)
}

func TestLedgerRollsBackAttachedValue(t *testing.T) {
	sink := &recordingSink{}
	ledger := newMemLedger(t, htlc.DefaultProfile, sink)
	ctx := context.Background()

	_, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 100), announceParams(testSecret))
	require.NoError(t, err)
	rootBefore := ledger.Root()
	heightBefore, _ := ledger.Height()

	_, err = ledger.Claim(ctx, callFrom(t, ledger, alice, 7), 0, testSecret)
	require.True(t, errors.Is(err, htlc.ErrUnexpectedDeposit))
	_, err = ledger.Cancel(ctx, callFrom(t, ledger, alice, 7), 0)
	require.True(t, errors.Is(err, htlc.ErrUnexpectedDeposit))
	_, err = ledger.Claim(ctx, callFrom(t, ledger, bob, 0), 0, []byte("wrong"))
	require.True(t, errors.Is(err, htlc.ErrInvalidSecret))

	requireBalance(t, ledger, alice, 4_999_900)
	requireBalance(t, ledger, ledger.VaultAddress(), 100)
	require.Equal(t, rootBefore, ledger.Root())
	heightAfter, _ := ledger.Height()
	require.Equal(t, heightBefore, heightAfter)
	require.Len(t, sink.snapshot(), 1)
}

func TestLedgerRejectsUnfundedAndNegativeValue(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	ctx := context.Background()

	_, err := ledger.Announce(ctx, callFrom(t, ledger, carol, 1), announceParams(testSecret))
	require.True(t, errors.Is(err, htlc.ErrInsufficientFunds))

	_, err = ledger.Announce(ctx, callFrom(t, ledger, alice, -1), announceParams(testSecret))
	require.True(t, errors.Is(err, htlc.ErrInvalidParameter))

	counter, err := ledger.OrderCounter()
	require.NoError(t, err)
	require.Zero(t, counter)
}

func TestLedgerStrictProfile(t *testing.T) {
	ledger := newMemLedger(t, htlc.StrictProfile)
	ctx := context.Background()

	params := announceParams(testSecret)
	params.Amount = big.NewInt(1_000)
	params.MinCounterpartAmount = big.NewInt(10)
	params.ExpiryDuration = 3600

	_, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 999), params)
	require.True(t, errors.Is(err, htlc.ErrInvalidParameter))
	requireBalance(t, ledger, alice, 5_000_000)

	receipt, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 1_000), params)
	require.NoError(t, err)
	require.Equal(t, int64(1_700_000_000), receipt.Order.CreatedAt)
	require.Equal(t, uint64(3600), receipt.Order.Expiry)
}

func TestLedgerRacingClaims(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	ctx := context.Background()
	_, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 1_000), announceParams(testSecret))
	require.NoError(t, err)
	makerNonce, err := ledger.Nonce(alice)
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller := [20]byte{0x10, byte(i)}
			var err error
			if i%2 == 0 {
				_, err = ledger.Claim(ctx, Call{Caller: caller}, 0, testSecret)
			} else {
				_, err = ledger.Cancel(ctx, Call{Caller: alice, Nonce: makerNonce}, 0)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			others = append(others, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	for _, err := range others {
		require.True(t, errors.Is(err, htlc.ErrAlreadyClaimed) || errors.Is(err, htlc.ErrNotFound) || errors.Is(err, ErrNonceMismatch), "unexpected error %v", err)
	}
	requireBalance(t, ledger, ledger.VaultAddress(), 0)
	requireConserved(t, ledger)
}

func TestLedgerSinkFailureDoesNotUndoCommit(t *testing.T) {
	failing := &recordingSink{fail: true}
	ledger := newMemLedger(t, htlc.DefaultProfile, failing)
	healthy := &recordingSink{}
	ledger.AddSink(healthy)

	receipt, err := ledger.Announce(context.Background(), callFrom(t, ledger, alice, 10), announceParams(testSecret))
	require.NoError(t, err)
	require.Len(t, receipt.Events, 1)
	require.Len(t, healthy.snapshot(), 1)

	ok, err := ledger.HasOrder(receipt.Order.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerMinimalProfileDeletesClaimed(t *testing.T) {
	ledger := newMemLedger(t, htlc.MinimalProfile)
	ctx := context.Background()
	_, err := ledger.Announce(ctx, callFrom(t, ledger, alice, 10), announceParams(testSecret))
	require.NoError(t, err)
	_, err = ledger.Claim(ctx, callFrom(t, ledger, bob, 0), 0, testSecret)
	require.NoError(t, err)

	ok, err := ledger.HasOrder(0)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = ledger.Order(0)
	require.True(t, errors.Is(err, htlc.ErrNotFound))
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	ledger := newTestLedger(t, db, htlc.DefaultProfile)
	_, err = ledger.Announce(ctx, callFrom(t, ledger, alice, 2_500), announceParams(testSecret))
	require.NoError(t, err)
	_, err = ledger.Announce(ctx, callFrom(t, ledger, alice, 500), announceParams([]byte("other")))
	require.NoError(t, err)
	_, err = ledger.Cancel(ctx, callFrom(t, ledger, alice, 0), 1)
	require.NoError(t, err)
	root := ledger.Root()
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	reopened := newTestLedger(t, db, htlc.DefaultProfile)

	require.Equal(t, root, reopened.Root())
	height, ok := reopened.Height()
	require.True(t, ok)
	require.Equal(t, uint64(3), height)

	counter, err := reopened.OrderCounter()
	require.NoError(t, err)
	require.Equal(t, uint64(2), counter)
	requireBalance(t, reopened, alice, 4_997_500)

	_, err = reopened.Claim(ctx, callFrom(t, reopened, bob, 0), 0, testSecret)
	require.NoError(t, err)
	requireBalance(t, reopened, bob, 3_500)
	requireConserved(t, reopened)
}

func TestLedgerNonceConsumedOnlyOnCommit(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	ctx := context.Background()

	_, err := ledger.Announce(ctx, Call{Caller: alice, Value: big.NewInt(10), Nonce: 1}, announceParams(testSecret))
	require.True(t, errors.Is(err, ErrNonceMismatch))
	requireBalance(t, ledger, alice, 5_000_000)

	_, err = ledger.Announce(ctx, Call{Caller: alice, Value: big.NewInt(10)}, announceParams(testSecret))
	require.NoError(t, err)
	nonce, err := ledger.Nonce(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	// a replay of the committed call is rejected
	_, err = ledger.Announce(ctx, Call{Caller: alice, Value: big.NewInt(10)}, announceParams(testSecret))
	require.True(t, errors.Is(err, ErrNonceMismatch))

	// rejected entrypoints leave the nonce in place
	_, err = ledger.Cancel(ctx, Call{Caller: alice, Nonce: 1}, 42)
	require.True(t, errors.Is(err, htlc.ErrNotFound))
	nonce, err = ledger.Nonce(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	_, err = ledger.Cancel(ctx, Call{Caller: alice, Nonce: 1}, 0)
	require.NoError(t, err)
	requireBalance(t, ledger, alice, 5_000_000)
	nonce, err = ledger.Nonce(alice)
	require.NoError(t, err)
	require.Equal(t, uint64(2), nonce)
}

func TestLedgerRejectsOutOfRangeExpiry(t *testing.T) {
	ledger := newMemLedger(t, htlc.DefaultProfile)
	params := announceParams(testSecret)
	params.ExpiryDuration = 1 << 63

	_, err := ledger.Announce(context.Background(), callFrom(t, ledger, alice, 10), params)
	require.True(t, errors.Is(err, htlc.ErrInvalidParameter), "unexpected error %v", err)
	requireBalance(t, ledger, alice, 5_000_000)

	counter, err := ledger.OrderCounter()
	require.NoError(t, err)
	require.Zero(t, counter)
}
