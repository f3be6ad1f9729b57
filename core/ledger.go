package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"htlcbridge/core/events"
	"htlcbridge/core/genesis"
	"htlcbridge/core/state"
	"htlcbridge/core/types"
	"htlcbridge/native/htlc"
	"htlcbridge/observability/logging"
	"htlcbridge/observability/metrics"
	htlcotel "htlcbridge/observability/otel"
	"htlcbridge/storage"
	"htlcbridge/storage/trie"
)

const (
	EntrypointAnnounce = "announce"
	EntrypointClaim    = "claim"
	EntrypointCancel   = "cancel"
)

var (
	headRootKey   = []byte("htlc/head/root")
	headHeightKey = []byte("htlc/head/height")
)

// ErrNonceMismatch is returned when a call does not carry the caller's next
// account nonce.
var ErrNonceMismatch = errors.New("ledger: nonce mismatch")

// Call carries the host-provided context of an entrypoint invocation. Nonce
// must equal the caller's account nonce; it is consumed only when the call
// commits.
type Call struct {
	Caller [20]byte
	Value  *big.Int
	Nonce  uint64
}

// Receipt describes a committed call.
type Receipt struct {
	CallID     string                 `json:"callId"`
	Entrypoint string                 `json:"entrypoint"`
	Height     uint64                 `json:"height"`
	Root       common.Hash            `json:"root"`
	Order      *htlc.Order            `json:"order"`
	Events     []types.CommittedEvent `json:"events"`
}

// EventSink receives the events of every committed call in commit order. Sink
// failures are logged and never undo the commit.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, events []types.CommittedEvent) error
}

// Options configures a Ledger.
type Options struct {
	Profile htlc.Profile
	Logger  *slog.Logger
	Now     func() time.Time
	Sinks   []EventSink
}

// Ledger hosts the escrow state machine. It serialises every call, holds
// attached value in the escrow vault and commits or discards all state changes
// of a call as a unit.
type Ledger struct {
	db      storage.Database
	trie    *trie.Trie
	profile htlc.Profile
	logger  *slog.Logger
	now     func() time.Time
	sinks   []EventSink
	metrics *metrics.HTLCMetrics

	stateMu sync.Mutex
	height  uint64
	hasHead bool
}

// NewLedger opens the ledger at the last committed head stored in db.
func NewLedger(db storage.Database, opts Options) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database must not be nil")
	}
	root, height, hasHead, err := loadHead(db)
	if err != nil {
		return nil, err
	}
	var rootBytes []byte
	if hasHead {
		rootBytes = root.Bytes()
	}
	stateTrie, err := trie.NewTrie(db, rootBytes)
	if err != nil {
		return nil, fmt.Errorf("ledger: open state at %s: %w", root, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	profile := opts.Profile
	if profile.Digest == "" {
		profile.Digest = htlc.DigestSHA256
	}
	l := &Ledger{
		db:      db,
		trie:    stateTrie,
		profile: profile,
		logger:  logger.With("component", "ledger"),
		now:     now,
		sinks:   append([]EventSink(nil), opts.Sinks...),
		metrics: metrics.HTLC(),
		height:  height,
		hasHead: hasHead,
	}
	l.metrics.SetHeight(height)
	return l, nil
}

func loadHead(db storage.Database) (common.Hash, uint64, bool, error) {
	rawRoot, err := db.Get(headRootKey)
	if errors.Is(err, storage.ErrNotFound) {
		return common.Hash{}, 0, false, nil
	}
	if err != nil {
		return common.Hash{}, 0, false, fmt.Errorf("ledger: load head root: %w", err)
	}
	rawHeight, err := db.Get(headHeightKey)
	if err != nil {
		return common.Hash{}, 0, false, fmt.Errorf("ledger: load head height: %w", err)
	}
	if len(rawRoot) != common.HashLength || len(rawHeight) != 8 {
		return common.Hash{}, 0, false, fmt.Errorf("ledger: corrupt head record")
	}
	return common.BytesToHash(rawRoot), binary.BigEndian.Uint64(rawHeight), true, nil
}

func (l *Ledger) persistHead(root common.Hash, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := l.db.Put(headHeightKey, buf[:]); err != nil {
		return err
	}
	return l.db.Put(headRootKey, root.Bytes())
}

// AddSink registers an additional event sink.
func (l *Ledger) AddSink(sink EventSink) {
	if sink == nil {
		return
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// InitGenesis writes the genesis state on an empty database. It is a no-op once
// a head exists, so restarts do not credit allocations twice.
func (l *Ledger) InitGenesis(spec *genesis.Resolved) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.hasHead {
		return nil
	}
	manager := state.NewManager(l.trie)
	if err := genesis.Apply(manager, spec); err != nil {
		return l.rollback(err)
	}
	root, err := l.commit(0)
	if err != nil {
		return err
	}
	l.logger.Info("genesis committed", "root", root.Hex())
	return nil
}

// Announce locks call.Value under a new order.
func (l *Ledger) Announce(ctx context.Context, call Call, params htlc.AnnounceParams) (*Receipt, error) {
	return l.apply(ctx, EntrypointAnnounce, call, func(engine *htlc.Engine, value *big.Int) (*htlc.Order, error) {
		return engine.Announce(call.Caller, value, params)
	})
}

// Claim releases order id to the caller when secret matches.
func (l *Ledger) Claim(ctx context.Context, call Call, id uint64, secret []byte) (*Receipt, error) {
	return l.apply(ctx, EntrypointClaim, call, func(engine *htlc.Engine, value *big.Int) (*htlc.Order, error) {
		return engine.Claim(call.Caller, value, id, secret)
	})
}

// Cancel refunds order id to its maker.
func (l *Ledger) Cancel(ctx context.Context, call Call, id uint64) (*Receipt, error) {
	return l.apply(ctx, EntrypointCancel, call, func(engine *htlc.Engine, value *big.Int) (*htlc.Order, error) {
		return engine.Cancel(call.Caller, value, id)
	})
}

type entrypointFunc func(engine *htlc.Engine, value *big.Int) (*htlc.Order, error)

func (l *Ledger) apply(ctx context.Context, entrypoint string, call Call, fn entrypointFunc) (*Receipt, error) {
	callID := uuid.NewString()
	ctx, span := htlcotel.Tracer().Start(ctx, "htlc."+entrypoint)
	defer span.End()
	span.SetAttributes(
		attribute.String("htlc.entrypoint", entrypoint),
		attribute.String("htlc.call_id", callID),
	)

	start := time.Now()
	l.stateMu.Lock()
	receipt, err := l.applyLocked(callID, entrypoint, call, fn)
	if err == nil {
		l.publish(ctx, receipt.Events)
	}
	l.stateMu.Unlock()
	l.metrics.ObserveCall(entrypoint, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Info("call rejected", "entrypoint", entrypoint, "call_id", callID, "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("htlc.height", int64(receipt.Height)))
	attrs := []any{"entrypoint", entrypoint, "call_id", callID, "height", receipt.Height}
	if receipt.Order != nil {
		attrs = append(attrs, "order_id", receipt.Order.ID)
	}
	l.logger.Info("call committed", attrs...)
	return receipt, nil
}

func (l *Ledger) applyLocked(callID, entrypoint string, call Call, fn entrypointFunc) (*Receipt, error) {
	value := big.NewInt(0)
	if call.Value != nil {
		value.Set(call.Value)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative attached value", htlc.ErrInvalidParameter)
	}

	manager := state.NewManager(l.trie)
	buffer := &events.Buffer{}
	engine := l.newEngine(manager, buffer)

	if err := consumeNonce(manager, call); err != nil {
		return nil, l.rollback(err)
	}
	if err := manager.HTLCDeposit(call.Caller, value); err != nil {
		return nil, l.rollback(fmt.Errorf("deposit attached value: %w", err))
	}
	order, err := fn(engine, value)
	if err != nil {
		return nil, l.rollback(err)
	}
	locked, err := manager.HTLCLocked()
	if err != nil {
		return nil, l.rollback(err)
	}

	height := l.nextHeight()
	root, err := l.commit(height)
	if err != nil {
		return nil, err
	}
	l.metrics.SetLocked(locked)

	committedAt := l.now().UTC()
	drained := buffer.Drain()
	committed := make([]types.CommittedEvent, 0, len(drained))
	for _, evt := range drained {
		payload, ok := evt.(interface{ Event() *types.Event })
		if !ok || payload.Event() == nil {
			continue
		}
		committed = append(committed, types.CommittedEvent{
			CallID:      callID,
			Height:      height,
			Index:       len(committed),
			CommittedAt: committedAt,
			Event:       *payload.Event(),
		})
	}
	return &Receipt{
		CallID:     callID,
		Entrypoint: entrypoint,
		Height:     height,
		Root:       root,
		Order:      order,
		Events:     committed,
	}, nil
}

func consumeNonce(manager *state.Manager, call Call) error {
	account, err := manager.GetAccount(call.Caller[:])
	if err != nil {
		return err
	}
	if account.Nonce != call.Nonce {
		return fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, account.Nonce, call.Nonce)
	}
	account.Nonce++
	return manager.PutAccount(call.Caller[:], account)
}

func (l *Ledger) newEngine(manager *state.Manager, emitter events.Emitter) *htlc.Engine {
	engine := htlc.NewEngine()
	engine.SetState(manager)
	engine.SetProfile(l.profile)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return l.now().Unix() })
	return engine
}

func (l *Ledger) nextHeight() uint64 {
	if !l.hasHead {
		return 0
	}
	return l.height + 1
}

// commit persists the pending trie and records the new head. On failure the
// trie is reset to the previous head.
func (l *Ledger) commit(height uint64) (common.Hash, error) {
	parent := l.trie.Root()
	root, err := l.trie.Commit(parent, height)
	if err != nil {
		return common.Hash{}, l.rollback(fmt.Errorf("commit state: %w", err))
	}
	if err := l.persistHead(root, height); err != nil {
		if resetErr := l.trie.Reset(parent); resetErr != nil {
			return common.Hash{}, errors.Join(fmt.Errorf("persist head: %w", err), fmt.Errorf("rollback: %w", resetErr))
		}
		return common.Hash{}, fmt.Errorf("persist head: %w", err)
	}
	l.height = height
	l.hasHead = true
	l.metrics.SetHeight(height)
	return root, nil
}

// rollback discards every uncommitted change, including the attached value
// deposited at the start of the call.
func (l *Ledger) rollback(cause error) error {
	if err := l.trie.Reset(l.trie.Root()); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

func (l *Ledger) publish(ctx context.Context, committed []types.CommittedEvent) {
	if len(committed) == 0 {
		return
	}
	for _, evt := range committed {
		l.metrics.RecordOrderEvent(evt.Event.Type)
		attrs := append([]any{"type", evt.Event.Type, "call_id", evt.CallID}, logging.EventAttrs(evt.Event.Attributes)...)
		l.logger.Debug("order event", attrs...)
	}
	ctx = context.WithoutCancel(ctx)
	for _, sink := range l.sinks {
		if err := sink.Publish(ctx, committed); err != nil {
			l.metrics.RecordSinkFailure(sink.Name())
			l.logger.Warn("event sink failed", "sink", sink.Name(), "call_id", committed[0].CallID, "error", err)
		}
	}
}
