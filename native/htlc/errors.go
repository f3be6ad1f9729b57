package htlc

import "errors"

var (
	// ErrNotFound is returned when no order is stored under the identifier.
	ErrNotFound = errors.New("htlc: order not found")
	// ErrAlreadyClaimed is returned when the order was already claimed.
	ErrAlreadyClaimed = errors.New("htlc: order already claimed")
	// ErrUnauthorized is returned when someone other than the maker cancels.
	ErrUnauthorized = errors.New("htlc: only maker can cancel")
	// ErrInvalidSecret is returned when the secret does not hash to the order digest.
	ErrInvalidSecret = errors.New("htlc: invalid secret")
	// ErrUnexpectedDeposit is returned when claim or cancel carries attached value.
	ErrUnexpectedDeposit = errors.New("htlc: no incoming transfer allowed")
	// ErrInvalidParameter is returned for announce inputs the profile rejects.
	ErrInvalidParameter = errors.New("htlc: invalid parameter")
	// ErrInsufficientFunds is returned when the vault cannot cover a transfer.
	ErrInsufficientFunds = errors.New("htlc: escrow vault balance below locked amount")
	// ErrExpired is returned when claiming past the deadline with expiry enforced.
	ErrExpired = errors.New("htlc: order expired")
	// ErrNotExpired is returned when cancelling before the deadline with expiry enforced.
	ErrNotExpired = errors.New("htlc: order not expired")

	errNilState = errors.New("htlc engine: state not configured")
)
