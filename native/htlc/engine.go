package htlc

import (
	"fmt"
	"math/big"
	"time"

	"htlcbridge/core/events"
	"htlcbridge/core/types"
)

type engineState interface {
	HTLCAllocateID() (uint64, error)
	HTLCOrderPut(*Order) error
	HTLCOrderGet(id uint64) (*Order, error)
	HTLCOrderRemove(id uint64) error
	HTLCOrderExists(id uint64) (bool, error)
	HTLCLocked() (*big.Int, error)
	HTLCLockAdd(amount *big.Int) error
	HTLCLockSub(amount *big.Int) error
	HTLCVaultBalance() (*big.Int, error)
	HTLCTransferOut(to [20]byte, amount *big.Int) error
}

type htlcEvent struct {
	evt *types.Event
}

func (e htlcEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e htlcEvent) Event() *types.Event { return e.evt }

// Engine implements the announce/claim/cancel state machine on top of an
// injected store. It assumes the host serialises calls and rolls back state
// when an entrypoint returns an error.
type Engine struct {
	state   engineState
	emitter events.Emitter
	profile Profile
	nowFn   func() int64
}

// NewEngine creates an engine with the default profile and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		profile: DefaultProfile,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetProfile selects the behavioural variant.
func (e *Engine) SetProfile(p Profile) { e.profile = p }

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(htlcEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func hasDeposit(attached *big.Int) bool {
	return attached != nil && attached.Sign() != 0
}

// resolveAmount picks the locked amount according to the profile.
func (e *Engine) resolveAmount(attached *big.Int, params AnnounceParams) (*big.Int, error) {
	value := cloneBigInt(attached)
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative attached value", ErrInvalidParameter)
	}
	if e.profile.AmountSource != AmountFromParameter {
		return value, nil
	}
	if params.Amount == nil {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidParameter)
	}
	if params.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrInvalidParameter)
	}
	if params.Amount.Cmp(value) != 0 {
		return nil, fmt.Errorf("%w: amount %s does not match attached value %s", ErrInvalidParameter, params.Amount, value)
	}
	return cloneBigInt(params.Amount), nil
}

func (e *Engine) validateAnnounce(amount *big.Int, params AnnounceParams) error {
	if params.MinCounterpartAmount != nil && params.MinCounterpartAmount.Sign() < 0 {
		return fmt.Errorf("%w: min counterpart amount must be non-negative", ErrInvalidParameter)
	}
	if params.ExpiryDuration > MaxExpiry {
		return fmt.Errorf("%w: expiry %d exceeds %d seconds", ErrInvalidParameter, params.ExpiryDuration, uint64(MaxExpiry))
	}
	if !e.profile.StrictValidation {
		return nil
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0", ErrInvalidParameter)
	}
	if params.MinCounterpartAmount == nil || params.MinCounterpartAmount.Sign() <= 0 {
		return fmt.Errorf("%w: min counterpart amount must be greater than 0", ErrInvalidParameter)
	}
	if params.ExpiryDuration == 0 {
		return fmt.Errorf("%w: expiration must be greater than 0", ErrInvalidParameter)
	}
	return nil
}

// Announce locks value against a secret digest and returns the new order. The
// attached value is expected to be held by the vault already.
func (e *Engine) Announce(caller [20]byte, attached *big.Int, params AnnounceParams) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	amount, err := e.resolveAmount(attached, params)
	if err != nil {
		return nil, err
	}
	if err := e.validateAnnounce(amount, params); err != nil {
		return nil, err
	}
	id, err := e.state.HTLCAllocateID()
	if err != nil {
		return nil, err
	}
	order := &Order{
		ID:                   id,
		Maker:                caller,
		Amount:               amount,
		SecretDigest:         params.SecretDigest,
		MinCounterpartAmount: cloneBigInt(params.MinCounterpartAmount),
		CreatedAt:            e.now(),
		Expiry:               params.ExpiryDuration,
	}
	if err := e.state.HTLCOrderPut(order); err != nil {
		return nil, err
	}
	if err := e.state.HTLCLockAdd(amount); err != nil {
		return nil, err
	}
	e.emit(NewAnnouncedEvent(order))
	return order.Clone(), nil
}

func (e *Engine) loadOrder(id uint64) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ok, err := e.state.HTLCOrderExists(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return e.state.HTLCOrderGet(id)
}

// Claim releases the order's amount to the caller when the secret hashes to the
// stored digest.
func (e *Engine) Claim(caller [20]byte, attached *big.Int, id uint64, secret []byte) (*Order, error) {
	if hasDeposit(attached) {
		return nil, ErrUnexpectedDeposit
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Claimed {
		return nil, ErrAlreadyClaimed
	}
	if !e.profile.digest().Matches(secret, order.SecretDigest) {
		return nil, ErrInvalidSecret
	}
	if e.profile.ExpiryEnforced {
		if deadline, ok := order.Deadline(); ok && e.now() >= deadline {
			return nil, ErrExpired
		}
	}
	order.Claimed = true
	if e.profile.RetainOnClaim {
		if err := e.state.HTLCOrderPut(order); err != nil {
			return nil, err
		}
	} else if err := e.state.HTLCOrderRemove(id); err != nil {
		return nil, err
	}
	if err := e.payout(caller, order.Amount); err != nil {
		return nil, err
	}
	e.emit(NewClaimedEvent(order, caller, secret))
	return order.Clone(), nil
}

// Cancel removes an unclaimed order and refunds the maker. Only the maker may
// cancel.
func (e *Engine) Cancel(caller [20]byte, attached *big.Int, id uint64) (*Order, error) {
	if hasDeposit(attached) {
		return nil, ErrUnexpectedDeposit
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if caller != order.Maker {
		return nil, ErrUnauthorized
	}
	if order.Claimed {
		return nil, ErrAlreadyClaimed
	}
	if e.profile.ExpiryEnforced {
		if deadline, ok := order.Deadline(); ok && e.now() < deadline {
			return nil, ErrNotExpired
		}
	}
	if err := e.state.HTLCOrderRemove(id); err != nil {
		return nil, err
	}
	if err := e.payout(order.Maker, order.Amount); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(order))
	return order.Clone(), nil
}

// payout releases amount from the locked total and moves it out of the vault.
// The transfer is the last state mutation of an entrypoint.
func (e *Engine) payout(to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if err := e.CheckSolvency(); err != nil {
		return err
	}
	if err := e.state.HTLCLockSub(amt); err != nil {
		return err
	}
	if amt.Sign() == 0 {
		return nil
	}
	return e.state.HTLCTransferOut(to, amt)
}

// Solvency reports the sum locked by unclaimed orders and the vault balance.
func (e *Engine) Solvency() (locked *big.Int, held *big.Int, err error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	locked, err = e.state.HTLCLocked()
	if err != nil {
		return nil, nil, err
	}
	held, err = e.state.HTLCVaultBalance()
	if err != nil {
		return nil, nil, err
	}
	return locked, held, nil
}

// CheckSolvency fails when unclaimed orders lock more than the vault holds.
func (e *Engine) CheckSolvency() error {
	locked, held, err := e.Solvency()
	if err != nil {
		return err
	}
	if locked.Cmp(held) > 0 {
		return fmt.Errorf("%w: locked %s, held %s", ErrInsufficientFunds, locked, held)
	}
	return nil
}
