package wallet

import "errors"

var (
	// ErrInsufficientBalance is returned when a wallet's balance, net of
	// amounts reserved by in-flight payments, can't cover a payment plus
	// its estimated fee.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPaymentFailed is returned when the backend payment call fails or
	// the returned preimage doesn't match the payment hash.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrRateLimited is returned when a wallet exceeds the in-flight
	// payment ceiling or the service exceeds an unpaid invoice ceiling.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound is returned when a requested invoice or transaction
	// doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrNotImplemented is returned for operations disabled by
	// configuration, such as add_pubkey without an admin pubkey.
	ErrNotImplemented = errors.New("not implemented")

	// ErrUnauthorized is returned when the calling pubkey is not allowed
	// to perform the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSelfPayment is returned when a wallet attempts to pay its own
	// invoice through the internal payment path.
	ErrSelfPayment = errors.New("self-payment not supported")

	// ErrAmountNotWholeSat is returned for invoice or payment amounts
	// that aren't positive whole-sat multiples of 1000 msat.
	ErrAmountNotWholeSat = errors.New("amount must be a whole number of " +
		"sats")

	// ErrMaxInvoiceSize is returned when a requested invoice exceeds the
	// configured per-invoice cap.
	ErrMaxInvoiceSize = errors.New("max invoice size exceeded")

	// ErrMaxBalanceExceeded is returned when settling an invoice would
	// push a wallet past the configured max balance.
	ErrMaxBalanceExceeded = errors.New("wallet balance would exceed max " +
		"balance")

	// ErrMaxWallets is returned when creating a new wallet would exceed
	// the configured wallet count ceiling.
	ErrMaxWallets = errors.New("no new wallets allowed")

	// ErrNoLiquidity is returned when the backend has no channels and so
	// can't receive payments for non-service recipients.
	ErrNoLiquidity = errors.New("service not available, no liquidity")

	// ErrNodeBalanceExceeded is returned in internal-wallet mode when the
	// summed balance of all wallets would exceed the backend's
	// auto-liquidity amount.
	ErrNodeBalanceExceeded = errors.New("max node balance exceeded")

	// ErrDuplicatePayment is returned when a payment for the same payment
	// hash is already in flight.
	ErrDuplicatePayment = errors.New("payment already in flight")

	// ErrPreimageMismatch is returned when the backend's preimage doesn't
	// hash to the invoice's payment hash.
	ErrPreimageMismatch = errors.New("preimage does not match payment " +
		"hash")

	// ErrInvoiceNotFound is returned by the store when an invoice row
	// expected to exist can't be found. This indicates a store integrity
	// failure and aborts the enclosing transaction.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrPaymentNotFound is returned by the store when a payment row
	// expected to exist can't be found.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrWalletNotFound is returned by the store when a wallet row update
	// affected no rows.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrShuttingDown is returned when an operation fails because the
	// registry is shutting down.
	ErrShuttingDown = errors.New("wallet registry shutting down")
)
