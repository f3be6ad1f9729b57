package htlc

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"

	"htlcbridge/core/events"
	"htlcbridge/core/types"
)

type mockState struct {
	orders   map[uint64]*Order
	nextID   uint64
	locked   *big.Int
	vault    *big.Int
	balances map[[20]byte]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		orders:   make(map[uint64]*Order),
		locked:   big.NewInt(0),
		vault:    big.NewInt(0),
		balances: make(map[[20]byte]*big.Int),
	}
}

func (m *mockState) snapshot() *mockState {
	cp := &mockState{
		orders:   make(map[uint64]*Order, len(m.orders)),
		nextID:   m.nextID,
		locked:   new(big.Int).Set(m.locked),
		vault:    new(big.Int).Set(m.vault),
		balances: make(map[[20]byte]*big.Int, len(m.balances)),
	}
	for id, o := range m.orders {
		cp.orders[id] = o.Clone()
	}
	for addr, bal := range m.balances {
		cp.balances[addr] = new(big.Int).Set(bal)
	}
	return cp
}

func (m *mockState) restore(from *mockState) {
	*m = *from.snapshot()
}

func (m *mockState) HTLCAllocateID() (uint64, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *mockState) HTLCOrderPut(o *Order) error {
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return err
	}
	m.orders[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) HTLCOrderGet(id uint64) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *mockState) HTLCOrderRemove(id uint64) error {
	if _, ok := m.orders[id]; !ok {
		return ErrNotFound
	}
	delete(m.orders, id)
	return nil
}

func (m *mockState) HTLCOrderExists(id uint64) (bool, error) {
	_, ok := m.orders[id]
	return ok, nil
}

func (m *mockState) HTLCLocked() (*big.Int, error) { return new(big.Int).Set(m.locked), nil }

func (m *mockState) HTLCLockAdd(amount *big.Int) error {
	m.locked.Add(m.locked, amount)
	return nil
}

func (m *mockState) HTLCLockSub(amount *big.Int) error {
	if m.locked.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	m.locked.Sub(m.locked, amount)
	return nil
}

func (m *mockState) HTLCVaultBalance() (*big.Int, error) { return new(big.Int).Set(m.vault), nil }

func (m *mockState) HTLCTransferOut(to [20]byte, amount *big.Int) error {
	if m.vault.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	m.vault.Sub(m.vault, amount)
	m.balances[to] = new(big.Int).Add(m.balanceOf(to), amount)
	return nil
}

func (m *mockState) balanceOf(addr [20]byte) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// unclaimedSum is the oracle for value conservation.
func (m *mockState) unclaimedSum() *big.Int {
	sum := big.NewInt(0)
	for _, o := range m.orders {
		if !o.Claimed {
			sum.Add(sum, o.Amount)
		}
	}
	return sum
}

type recordingEmitter struct {
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	if wrapped, ok := evt.(interface{ Event() *types.Event }); ok {
		r.events = append(r.events, wrapped.Event())
	}
}

type harness struct {
	t       *testing.T
	engine  *Engine
	state   *mockState
	emitter *recordingEmitter
	now     int64
}

func newHarness(t *testing.T, profile Profile) *harness {
	t.Helper()
	h := &harness{t: t, state: newMockState(), emitter: &recordingEmitter{}, now: 1_700_000_000}
	h.engine = NewEngine()
	h.engine.SetState(h.state)
	h.engine.SetProfile(profile)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

// atomically mirrors the host: attached value lands in the vault before the
// entrypoint runs and everything is rolled back on failure.
func (h *harness) atomically(attached int64, fn func(*big.Int) (*Order, error)) (*Order, error) {
	before := h.state.snapshot()
	value := big.NewInt(attached)
	h.state.vault.Add(h.state.vault, value)
	order, err := fn(value)
	if err != nil {
		h.state.restore(before)
	}
	return order, err
}

func (h *harness) announce(maker [20]byte, attached int64, params AnnounceParams) (*Order, error) {
	return h.atomically(attached, func(v *big.Int) (*Order, error) {
		return h.engine.Announce(maker, v, params)
	})
}

func (h *harness) claim(caller [20]byte, attached int64, id uint64, secret []byte) (*Order, error) {
	return h.atomically(attached, func(v *big.Int) (*Order, error) {
		return h.engine.Claim(caller, v, id, secret)
	})
}

func (h *harness) cancel(caller [20]byte, attached int64, id uint64) (*Order, error) {
	return h.atomically(attached, func(v *big.Int) (*Order, error) {
		return h.engine.Cancel(caller, v, id)
	})
}

func (h *harness) assertConserved() {
	h.t.Helper()
	sum := h.state.unclaimedSum()
	if h.state.vault.Cmp(sum) != 0 {
		h.t.Fatalf("vault balance %s does not match unclaimed sum %s", h.state.vault, sum)
	}
	if h.state.locked.Cmp(sum) != 0 {
		h.t.Fatalf("locked total %s does not match unclaimed sum %s", h.state.locked, sum)
	}
	if err := h.engine.CheckSolvency(); err != nil {
		h.t.Fatalf("solvency: %v", err)
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	alice   = newTestAddress(0xA1)
	bob     = newTestAddress(0xB0)
	charlie = newTestAddress(0xC4)

	secretA = []byte{0x12, 0x34, 0x56, 0x78, 0x90, 0xab, 0xcd, 0xef, 0x12, 0x34, 0x56, 0x78, 0x90, 0xab, 0xcd, 0xef}
	secretB = []byte("second-swap-secret")
)

func digestOf(secret []byte) [32]byte { return sha256.Sum256(secret) }

func TestEscrowScenarios(t *testing.T) {
	h := newHarness(t, DefaultProfile)

	// Scenario A
	order, err := h.announce(alice, 1_000_000, AnnounceParams{SecretDigest: digestOf(secretA)})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if order.ID != 0 || order.Claimed || order.Maker != alice {
		t.Fatalf("unexpected order: %+v", order)
	}
	if order.Amount.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("unexpected amount: %s", order.Amount)
	}
	if h.state.nextID != 1 {
		t.Fatalf("expected counter 1, got %d", h.state.nextID)
	}
	h.assertConserved()

	// Scenario B
	if _, err := h.claim(bob, 0, 0, secretA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stored, err := h.state.HTLCOrderGet(0)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !stored.Claimed {
		t.Fatalf("expected order 0 to be claimed")
	}
	if got := h.state.balanceOf(bob); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("bob balance: got %s want 1000000", got)
	}
	if got := h.state.balanceOf(alice); got.Sign() != 0 {
		t.Fatalf("maker should not receive claimed funds, got %s", got)
	}
	h.assertConserved()

	// Scenario C
	before := h.state.snapshot()
	if _, err := h.claim(charlie, 0, 0, secretA); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if h.state.balanceOf(charlie).Sign() != 0 || h.state.vault.Cmp(before.vault) != 0 {
		t.Fatalf("replayed claim moved funds")
	}

	// Scenario D
	order, err = h.announce(alice, 500_000, AnnounceParams{SecretDigest: digestOf(secretB)})
	if err != nil {
		t.Fatalf("announce second: %v", err)
	}
	if order.ID != 1 {
		t.Fatalf("expected order id 1, got %d", order.ID)
	}
	if _, err := h.cancel(bob, 0, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if ok, _ := h.state.HTLCOrderExists(1); !ok {
		t.Fatalf("unauthorized cancel removed the order")
	}
	if _, err := h.cancel(alice, 0, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, _ := h.state.HTLCOrderExists(1); ok {
		t.Fatalf("expected order 1 to be removed")
	}
	if got := h.state.balanceOf(alice); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("alice refund: got %s want 500000", got)
	}
	h.assertConserved()

	// Scenario E
	if _, err := h.claim(charlie, 0, 1, secretB); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.state.nextID != 2 {
		t.Fatalf("counter must not move on failures, got %d", h.state.nextID)
	}
}

func TestIdentifierMonotonicity(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	seen := make(map[uint64]struct{})
	const n = 25
	for i := 0; i < n; i++ {
		order, err := h.announce(alice, int64(i+1), AnnounceParams{SecretDigest: digestOf([]byte{byte(i)})})
		if err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
		if _, dup := seen[order.ID]; dup {
			t.Fatalf("identifier %d issued twice", order.ID)
		}
		seen[order.ID] = struct{}{}
		if i%3 == 0 {
			if _, err := h.cancel(alice, 0, order.ID); err != nil {
				t.Fatalf("cancel %d: %v", order.ID, err)
			}
		}
	}
	if h.state.nextID != n {
		t.Fatalf("expected counter %d, got %d", n, h.state.nextID)
	}
	for id := range h.state.orders {
		if id >= h.state.nextID {
			t.Fatalf("stored key %d not below counter %d", id, h.state.nextID)
		}
		if h.state.orders[id].ID != id {
			t.Fatalf("order key %d stores id %d", id, h.state.orders[id].ID)
		}
	}
}

func TestDigestCollisionsAcrossOrdersAllowed(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	digest := digestOf(secretA)
	for i := 0; i < 2; i++ {
		if _, err := h.announce(alice, 10, AnnounceParams{SecretDigest: digest}); err != nil {
			t.Fatalf("announce %d: %v", i, err)
		}
	}
	if _, err := h.claim(bob, 0, 1, secretA); err != nil {
		t.Fatalf("claim second order: %v", err)
	}
	if _, err := h.claim(bob, 0, 0, secretA); err != nil {
		t.Fatalf("claim first order: %v", err)
	}
	h.assertConserved()
}

func TestClaimPreconditionOrder(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// deposit is checked before existence
	if _, err := h.claim(bob, 1, 99, secretA); !errors.Is(err, ErrUnexpectedDeposit) {
		t.Fatalf("expected ErrUnexpectedDeposit, got %v", err)
	}
	if _, err := h.claim(bob, 0, 99, secretA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.claim(bob, 0, 0, secretA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// claimed is checked before the secret
	if _, err := h.claim(bob, 0, 0, []byte("wrong")); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	h.assertConserved()
}

func TestClaimRejectsWrongSecretWithoutMutation(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	digest := digestOf(secretA)
	wrong := [][]byte{
		nil,
		{},
		secretA[:len(secretA)-1],
		append(append([]byte(nil), secretA...), 0x00),
		digest[:],
		[]byte("0x1111111111111111111111111111111111"),
	}
	for i, candidate := range wrong {
		before := h.state.snapshot()
		if _, err := h.claim(bob, 0, 0, candidate); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("candidate %d: expected ErrInvalidSecret, got %v", i, err)
		}
		if h.state.orders[0].Claimed || h.state.vault.Cmp(before.vault) != 0 {
			t.Fatalf("candidate %d mutated state", i)
		}
	}
	if len(h.emitter.events) != 1 {
		t.Fatalf("expected only the announce event, got %d", len(h.emitter.events))
	}
}

func TestCancelPreconditionOrder(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.cancel(alice, 5, 0); !errors.Is(err, ErrUnexpectedDeposit) {
		t.Fatalf("expected ErrUnexpectedDeposit, got %v", err)
	}
	if _, err := h.cancel(alice, 0, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.claim(bob, 0, 0, secretA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// authorization is checked before the claimed flag
	if _, err := h.cancel(bob, 0, 0); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.cancel(alice, 0, 0); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	h.assertConserved()
}

func TestAtMostOnceResolution(t *testing.T) {
	for _, profile := range []Profile{DefaultProfile, MinimalProfile} {
		profile := profile
		t.Run(fmt.Sprintf("retain=%t", profile.RetainOnClaim), func(t *testing.T) {
			h := newHarness(t, profile)
			if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
				t.Fatalf("announce: %v", err)
			}
			if _, err := h.announce(alice, 200, AnnounceParams{SecretDigest: digestOf(secretB)}); err != nil {
				t.Fatalf("announce: %v", err)
			}
			if _, err := h.claim(bob, 0, 0, secretA); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if _, err := h.cancel(alice, 0, 1); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			for _, id := range []uint64{0, 1} {
				if _, err := h.claim(charlie, 0, id, secretA); !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, ErrNotFound) {
					t.Fatalf("order %d: second claim returned %v", id, err)
				}
				if _, err := h.claim(charlie, 0, id, secretB); !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, ErrNotFound) {
					t.Fatalf("order %d: second claim returned %v", id, err)
				}
				if _, err := h.cancel(alice, 0, id); !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, ErrNotFound) {
					t.Fatalf("order %d: second cancel returned %v", id, err)
				}
			}
			h.assertConserved()
		})
	}
}

func TestMinimalProfileDeletesOnClaim(t *testing.T) {
	h := newHarness(t, MinimalProfile)
	if _, err := h.announce(alice, 42, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	claimed, err := h.claim(bob, 0, 0, secretA)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.Claimed {
		t.Fatalf("returned order should report claimed")
	}
	if ok, _ := h.state.HTLCOrderExists(0); ok {
		t.Fatalf("expected claimed order to be deleted")
	}
	if _, err := h.claim(bob, 0, 0, secretA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete-on-claim, got %v", err)
	}
	h.assertConserved()
}

func TestStrictProfileValidation(t *testing.T) {
	h := newHarness(t, StrictProfile)
	valid := AnnounceParams{
		SecretDigest:         digestOf(secretA),
		Amount:               big.NewInt(1_000_000),
		MinCounterpartAmount: big.NewInt(100),
		ExpiryDuration:       3600,
	}
	cases := []struct {
		name     string
		attached int64
		mutate   func(p *AnnounceParams)
	}{
		{"zero amount", 0, func(p *AnnounceParams) { p.Amount = big.NewInt(0) }},
		{"missing amount", 1_000_000, func(p *AnnounceParams) { p.Amount = nil }},
		{"zero min counterpart", 1_000_000, func(p *AnnounceParams) { p.MinCounterpartAmount = big.NewInt(0) }},
		{"missing min counterpart", 1_000_000, func(p *AnnounceParams) { p.MinCounterpartAmount = nil }},
		{"zero expiry", 1_000_000, func(p *AnnounceParams) { p.ExpiryDuration = 0 }},
		{"attached mismatch", 500_000, func(p *AnnounceParams) {}},
		{"negative amount", 0, func(p *AnnounceParams) { p.Amount = big.NewInt(-1) }},
	}
	for _, tc := range cases {
		params := valid
		tc.mutate(&params)
		if _, err := h.announce(alice, tc.attached, params); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("%s: expected ErrInvalidParameter, got %v", tc.name, err)
		}
	}
	if h.state.nextID != 0 || h.state.vault.Sign() != 0 {
		t.Fatalf("rejected announces must not mutate state")
	}

	order, err := h.announce(alice, 1_000_000, valid)
	if err != nil {
		t.Fatalf("valid announce: %v", err)
	}
	if order.Expiry != 3600 || order.CreatedAt != h.now || order.MinCounterpartAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected order fields: %+v", order)
	}
	h.assertConserved()
}

func TestLenientProfileAcceptsZeroAmount(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	order, err := h.announce(alice, 0, AnnounceParams{SecretDigest: digestOf(secretA)})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if order.Amount.Sign() != 0 {
		t.Fatalf("expected zero amount, got %s", order.Amount)
	}
	if _, err := h.claim(bob, 0, order.ID, secretA); err != nil {
		t.Fatalf("claim zero order: %v", err)
	}
	h.assertConserved()
}

func TestAnnounceRejectsOutOfRangeExpiry(t *testing.T) {
	for _, profile := range []Profile{DefaultProfile, StrictProfile} {
		h := newHarness(t, profile)
		params := AnnounceParams{
			SecretDigest:         digestOf(secretA),
			Amount:               big.NewInt(10),
			MinCounterpartAmount: big.NewInt(1),
			ExpiryDuration:       MaxExpiry + 1,
		}
		if _, err := h.announce(alice, 10, params); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("expected ErrInvalidParameter, got %v", err)
		}
		if h.state.nextID != 0 {
			t.Fatalf("rejected announce allocated an identifier")
		}
		params.ExpiryDuration = MaxExpiry
		if _, err := h.announce(alice, 10, params); err != nil {
			t.Fatalf("announce at max expiry: %v", err)
		}
	}
}

func TestAttachedAmountIgnoresExplicitParameter(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	order, err := h.announce(alice, 300, AnnounceParams{SecretDigest: digestOf(secretA), Amount: big.NewInt(999)})
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if order.Amount.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected attached amount 300, got %s", order.Amount)
	}
	h.assertConserved()
}

func TestExpiryAndOwnerAreInertByDefault(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 10, AnnounceParams{SecretDigest: digestOf(secretA), ExpiryDuration: 1}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.announce(alice, 10, AnnounceParams{SecretDigest: digestOf(secretB), ExpiryDuration: 1}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	// no time-based gating: cancellation right away, claims long after expiry
	if _, err := h.cancel(alice, 0, 0); err != nil {
		t.Fatalf("cancel before expiry: %v", err)
	}
	h.now += 10_000
	if _, err := h.claim(bob, 0, 1, secretB); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	h.assertConserved()
}

func TestExpiryEnforced(t *testing.T) {
	profile := DefaultProfile
	profile.ExpiryEnforced = true
	h := newHarness(t, profile)
	if _, err := h.announce(alice, 10, AnnounceParams{SecretDigest: digestOf(secretA), ExpiryDuration: 60}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.announce(alice, 20, AnnounceParams{SecretDigest: digestOf(secretB), ExpiryDuration: 60}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.cancel(alice, 0, 0); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}
	if _, err := h.claim(bob, 0, 1, secretB); err != nil {
		t.Fatalf("claim before deadline: %v", err)
	}
	h.now += 60
	if _, err := h.claim(bob, 0, 0, secretA); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := h.cancel(alice, 0, 0); err != nil {
		t.Fatalf("cancel after deadline: %v", err)
	}
	h.assertConserved()
}

func TestSolvencyGuardBlocksPayout(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	// simulate value leaking out of the vault behind the engine's back
	h.state.vault.SetInt64(40)
	if _, err := h.claim(bob, 0, 0, secretA); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if h.state.orders[0].Claimed {
		t.Fatalf("failed claim must not mark the order")
	}
}

func TestValueConservationRandomSequence(t *testing.T) {
	for _, profile := range []Profile{DefaultProfile, MinimalProfile} {
		h := newHarness(t, profile)
		rng := rand.New(rand.NewSource(7))
		makers := [][20]byte{alice, bob, charlie}
		secrets := make(map[uint64][]byte)
		for step := 0; step < 300; step++ {
			switch rng.Intn(3) {
			case 0:
				secret := []byte(fmt.Sprintf("secret-%d", step))
				maker := makers[rng.Intn(len(makers))]
				order, err := h.announce(maker, int64(rng.Intn(1000)), AnnounceParams{SecretDigest: digestOf(secret)})
				if err != nil {
					t.Fatalf("announce: %v", err)
				}
				secrets[order.ID] = secret
			case 1:
				if h.state.nextID == 0 {
					continue
				}
				id := uint64(rng.Int63n(int64(h.state.nextID)))
				secret := secrets[id]
				if rng.Intn(4) == 0 {
					secret = []byte("guess")
				}
				_, _ = h.claim(makers[rng.Intn(len(makers))], 0, id, secret)
			default:
				if h.state.nextID == 0 {
					continue
				}
				id := uint64(rng.Int63n(int64(h.state.nextID)))
				_, _ = h.cancel(makers[rng.Intn(len(makers))], 0, id)
			}
			h.assertConserved()
		}
	}
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	h := newHarness(t, DefaultProfile)
	if _, err := h.announce(alice, 100, AnnounceParams{SecretDigest: digestOf(secretA)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.announce(alice, 50, AnnounceParams{SecretDigest: digestOf(secretB)}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := h.claim(bob, 0, 0, secretA); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := h.cancel(alice, 0, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	want := []string{EventTypeOrderAnnounced, EventTypeOrderAnnounced, EventTypeOrderClaimed, EventTypeOrderCancelled}
	if len(h.emitter.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(h.emitter.events))
	}
	for i, evt := range h.emitter.events {
		if evt.Type != want[i] {
			t.Fatalf("event %d: got %s want %s", i, evt.Type, want[i])
		}
	}
	claimed := h.emitter.events[2]
	if claimed.Attributes["secret"] != "1234567890abcdef1234567890abcdef" {
		t.Fatalf("claimed event must reveal the secret, got %q", claimed.Attributes["secret"])
	}
}

func TestEngineWithoutState(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.Announce(alice, big.NewInt(1), AnnounceParams{}); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
	if _, err := engine.Claim(alice, nil, 0, nil); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}
