package htlc

import (
	"encoding/hex"
	"strconv"

	"htlcbridge/core/types"
)

const (
	EventTypeOrderAnnounced = "htlc.order.announced"
	EventTypeOrderClaimed   = "htlc.order.claimed"
	EventTypeOrderCancelled = "htlc.order.cancelled"
)

// NewAnnouncedEvent returns the canonical event payload for a newly announced
// order.
func NewAnnouncedEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeOrderAnnounced, o)
}

// NewClaimedEvent returns the payload emitted when an order is claimed. The
// revealed secret is included so relayers can unlock the counterpart ledger.
func NewClaimedEvent(o *Order, claimer [20]byte, secret []byte) *types.Event {
	evt := newOrderEvent(EventTypeOrderClaimed, o)
	if o == nil {
		return evt
	}
	evt.Attributes["claimer"] = hex.EncodeToString(claimer[:])
	evt.Attributes["secret"] = hex.EncodeToString(secret)
	return evt
}

// NewCancelledEvent returns the payload emitted when the maker cancels.
func NewCancelledEvent(o *Order) *types.Event {
	return newOrderEvent(EventTypeOrderCancelled, o)
}

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeOrder(o)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["maker"] = hex.EncodeToString(sanitized.Maker[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["secretDigest"] = hex.EncodeToString(sanitized.SecretDigest[:])
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.Expiry > 0 {
		attrs["expiry"] = strconv.FormatUint(sanitized.Expiry, 10)
	}
	if sanitized.MinCounterpartAmount.Sign() > 0 {
		attrs["minCounterpartAmount"] = sanitized.MinCounterpartAmount.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
