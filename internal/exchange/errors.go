package exchange

import "errors"

// Order placement rejections. Every rejection of a user-initiated order is
// returned wrapped around one of these sentinels and is also persisted as a
// failed order carrying the same reason text.
var (
	// ErrInvalidParameters covers non-positive quantities and prices and
	// unknown token symbols, detected before any reservation is taken.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInsufficientFunds means the quote-currency reservation could not
	// be covered by the account balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientInventory means the account does not hold enough of
	// the token to cover a sell reservation.
	ErrInsufficientInventory = errors.New("insufficient inventory")

	// ErrEmptyBook means a market order found no resting opposite-side
	// liquidity, so no worst-case reservation price exists.
	ErrEmptyBook = errors.New("no resting orders on opposite side")

	// ErrInternalInconsistency means a resting candidate vanished while a
	// match walk was in progress. The walk aborts without double-crediting;
	// settled legs stand.
	ErrInternalInconsistency = errors.New("internal inconsistency")

	// ErrNoPrice means a token has neither trades nor price history yet.
	ErrNoPrice = errors.New("no price available")

	// ErrNotFound is returned by stores for missing entities.
	ErrNotFound = errors.New("not found")
)
