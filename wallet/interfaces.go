package wallet

import (
	"context"
)

// State is the balance state of a single wallet. All amounts are in msat.
// A wallet's state is owned exclusively by its Wallet and mutated only under
// the wallet's lock; committed copies are persisted through the Store.
type State struct {
	// Balance is the spendable balance.
	Balance int64

	// ChannelSize is the virtual channel capacity bought from the backend
	// on behalf of this wallet. Monotonically non-decreasing.
	ChannelSize int64

	// FeeCredit is the accumulated liquidity and mining cost owed by this
	// wallet, amortized against future outgoing payments. Always at most
	// ChannelSize.
	FeeCredit int64
}

// RouteHop describes the fee terms of one hop from a bolt11 route hint.
type RouteHop struct {
	// BaseFeeMsat is the hop's flat fee.
	BaseFeeMsat int64

	// PPMFee is the hop's proportional fee in parts per million.
	PPMFee int64
}

// Invoice is a bolt11 invoice issued by the backend on behalf of a wallet.
type Invoice struct {
	// Bolt11 is the serialized invoice.
	Bolt11 string

	// PaymentHash is the hex encoded payment hash.
	PaymentHash string

	// Description is the invoice description, if any.
	Description string

	// DescriptionHash is the hex encoded description hash, if any.
	DescriptionHash string

	// AmountMsat is the invoice amount.
	AmountMsat int64

	// CreatedAt is the creation time as a unix timestamp.
	CreatedAt int64

	// ExpiresAt is the expiry time as a unix timestamp.
	ExpiresAt int64
}

// Transaction is a single entry of a wallet's payment history, shaped the way
// the protocol reports it to clients.
type Transaction struct {
	// Type is "incoming" or "outgoing".
	Type string `json:"type"`

	// State is "settled", "pending" or "failed", derived from the paid
	// flag and the expiry, never stored directly.
	State string `json:"state"`

	// Invoice is the serialized bolt11 invoice, if known.
	Invoice string `json:"invoice,omitempty"`

	// Description is the invoice description, if any.
	Description string `json:"description,omitempty"`

	// DescriptionHash is the hex encoded description hash, if any.
	DescriptionHash string `json:"description_hash,omitempty"`

	// Preimage is the hex encoded payment preimage, set once settled.
	Preimage string `json:"preimage,omitempty"`

	// PaymentHash is the hex encoded payment hash.
	PaymentHash string `json:"payment_hash"`

	// Amount is the amount in msat.
	Amount int64 `json:"amount"`

	// FeesPaid is the total fee charged in msat.
	FeesPaid int64 `json:"fees_paid"`

	// CreatedAt is the creation time as a unix timestamp.
	CreatedAt int64 `json:"created_at"`

	// ExpiresAt is the expiry time as a unix timestamp, zero for outgoing
	// payments.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// SettledAt is the settlement time as a unix timestamp, zero while
	// pending.
	SettledAt int64 `json:"settled_at,omitempty"`
}

// Transaction states as reported to clients.
const (
	TxStateSettled = "settled"
	TxStatePending = "pending"
	TxStateFailed  = "failed"
)

// Transaction directions.
const (
	TxTypeIncoming = "incoming"
	TxTypeOutgoing = "outgoing"
)

// MakeInvoiceReq is a request to create an invoice for the calling client.
type MakeInvoiceReq struct {
	// ClientPubkey identifies the calling client.
	ClientPubkey string

	// AmountMsat is the invoice amount. Must be a positive whole-sat
	// multiple of 1000.
	AmountMsat int64

	// Description is an optional invoice description.
	Description string

	// DescriptionHash is an optional hex encoded description hash.
	DescriptionHash string

	// Expiry is the requested invoice expiry in seconds. Clamped to a
	// short ceiling for recipients without a wallet and a longer ceiling
	// for known wallets.
	Expiry int64
}

// MakeInvoiceForReq is a request to create an invoice for a third-party
// recipient, optionally carrying a zap request to be attached to it.
type MakeInvoiceForReq struct {
	MakeInvoiceReq

	// Pubkey is the recipient of the invoiced funds.
	Pubkey string

	// ZapRequest is the serialized zap request event, if any.
	ZapRequest string
}

// PayInvoiceReq is a request to pay a bolt11 invoice from a client's wallet.
type PayInvoiceReq struct {
	// ClientPubkey identifies the paying client.
	ClientPubkey string

	// Bolt11 is the invoice to pay.
	Bolt11 string

	// AmountMsat optionally overrides the invoice amount, for zero-amount
	// invoices.
	AmountMsat int64
}

// PaymentResult is the outcome of a successfully settled outgoing payment.
type PaymentResult struct {
	// Preimage is the hex encoded payment preimage.
	Preimage string `json:"preimage"`

	// FeesPaid is the total fee charged to the wallet in msat.
	FeesPaid int64 `json:"fees_paid"`
}

// ListTransactionsReq is a filtered, paginated transaction history query.
type ListTransactionsReq struct {
	// ClientPubkey identifies the calling client.
	ClientPubkey string

	// From excludes transactions created before this unix timestamp.
	From int64

	// Until excludes transactions created after this unix timestamp. Zero
	// means now.
	Until int64

	// Limit caps the number of returned transactions.
	Limit int

	// Offset skips this many transactions.
	Offset int

	// Unpaid includes unpaid transactions when set. Otherwise only
	// settled transactions are returned.
	Unpaid bool

	// Type restricts the direction to "incoming" or "outgoing". Empty
	// means both.
	Type string
}

// LookupInvoiceReq identifies a single transaction by payment hash or by the
// invoice string. At least one must be set.
type LookupInvoiceReq struct {
	// ClientPubkey identifies the calling client.
	ClientPubkey string

	// PaymentHash is the hex encoded payment hash.
	PaymentHash string

	// Bolt11 is the serialized invoice.
	Bolt11 string
}

// IncomingPayment is a backend notification about a settled incoming payment.
type IncomingPayment struct {
	// PaymentHash is the hex encoded payment hash.
	PaymentHash string

	// Preimage is the hex encoded preimage.
	Preimage string

	// SettledAt is the settlement time as a unix timestamp.
	SettledAt int64

	// ExternalID is the invoice id we passed to the backend at creation
	// time. Payments without it are not ours and are skipped.
	ExternalID string

	// LiquidityFeeMsat is the mining fee the backend charged us on an
	// auto-liquidity purchase triggered by this payment, zero otherwise.
	LiquidityFeeMsat int64
}

// ChannelInfo describes one channel of the backend node.
type ChannelInfo struct {
	// BalanceMsat is our spendable balance on the channel.
	BalanceMsat int64

	// CapacityMsat is the total channel capacity.
	CapacityMsat int64

	// InboundMsat is the remaining receive capacity.
	InboundMsat int64
}

// NodeInfo describes the backend node.
type NodeInfo struct {
	// NodeID is the backend node's identity pubkey.
	NodeID string

	// Chain is the network name, e.g. "mainnet" or "testnet".
	Chain string

	// BlockHeight is the node's current chain tip height.
	BlockHeight uint32

	// Channels is the node's current channel set.
	Channels []ChannelInfo

	// Version is the backend software version.
	Version string
}

/// NodeSummary is the response to a get_info call: node identity plus the
// aggregate channel state of the service.
type NodeSummary struct {
	// Alias is the service's own pubkey, doubling as its display name.
	Alias string `json:"alias"`

	// Color is the node color.
	Color string `json:"color"`

	// Pubkey is the backend node's identity pubkey.
	Pubkey string `json:"pubkey"`

	// Network is the chain the node operates on.
	Network string `json:"network"`

	// BlockHeight is the node's current chain tip height.
	BlockHeight uint32 `json:"block_height"`

	// Channels is the number of channels the node has.
	Channels int `json:"channels"`

	// CapacityMsat is the total channel capacity.
	CapacityMsat int64 `json:"capacity"`
}

// InvoiceRequest is what we ask the backend to turn into a bolt11 invoice.
type InvoiceRequest struct {
	// AmountMsat is the invoice amount, a whole-sat multiple of 1000.
	AmountMsat int64

	// Description is the invoice description, if any.
	Description string

	// DescriptionHash is the hex encoded description hash, if any.
	DescriptionHash string

	// Expiry is the invoice expiry in seconds.
	Expiry int64

	// ZapRequest is the serialized zap request whose hash becomes the
	// invoice description hash, if any.
	ZapRequest string
}

// Backend is the narrow contract this package requires from the Lightning
// payment backend. Incoming payment events and mining fee estimates arrive
// out of band through the registry's OnIncomingPayment and the fee policy.
type Backend interface {
	// GetInfo returns the backend node's identity and channel state.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// MakeInvoice creates an invoice on the backend, tagged with our
	// invoice id so settlement events can be routed back to it.
	MakeInvoice(ctx context.Context, id string,
		req *InvoiceRequest) (*Invoice, error)

	// PayInvoice executes an outgoing payment. The returned fee is the
	// fee actually charged by the backend.
	PayInvoice(ctx context.Context, req *PayInvoiceReq) (*PaymentResult,
		error)

	// SyncPaymentsSince replays incoming payment events settled at or
	// after the given unix timestamp through the usual event feed.
	SyncPaymentsSince(ctx context.Context, fromSec int64) error
}

// FeePolicy is the deterministic fee accounting contract. Implementations
// hold the process-wide mining fee accumulators; everything else is a pure
// function of its inputs.
type FeePolicy interface {
	// LiquidityServiceFeeRate returns the fraction charged on each
	// channel extension.
	LiquidityServiceFeeRate() float64

	// CalcLiquidityServiceFeeMsat returns the liquidity service fee for a
	// channel extension of the given size.
	CalcLiquidityServiceFeeMsat(extensionMsat int64) int64

	// CalcMiningFeeMsat returns the mining fee to charge for a channel
	// extension of the given size.
	CalcMiningFeeMsat(extensionMsat int64) int64

	// AddMiningFeeReceived records a mining fee charged to a wallet.
	AddMiningFeeReceived(msat int64)

	// AddMiningFeePaid records a mining fee the backend charged us.
	AddMiningFeePaid(msat int64)

	// EstimatePaymentFeeMsat returns an upper-bound fee estimate for an
	// outgoing payment, used for balance reservation.
	EstimatePaymentFeeMsat(state State, amountMsat int64,
		route []RouteHop) int64

	// CalcPaymentFeeMsat returns the final fee for a settled outgoing
	// payment given the actual backend fee.
	CalcPaymentFeeMsat(state State, amountMsat, backendFeeMsat int64) int64

	// PaymentFeeBaseMsat returns the flat service fee component of the
	// payment fee.
	PaymentFeeBaseMsat() int64
}

// WalletRecord is a persisted wallet row.
type WalletRecord struct {
	// Pubkey is the wallet owner's pubkey.
	Pubkey string

	// State is the wallet's committed balance state.
	State State
}

// InvoiceRef identifies an invoice by exactly one of its id, payment hash or
// invoice string.
type InvoiceRef struct {
	// ID is the store-assigned invoice id.
	ID string

	// PaymentHash is the hex encoded payment hash.
	PaymentHash string

	// Bolt11 is the serialized invoice.
	Bolt11 string
}

// InvoiceInfo is the store's view of an incoming invoice.
type InvoiceInfo struct {
	// ID is the store-assigned invoice id.
	ID string

	// ClientPubkey is the wallet the invoice belongs to.
	ClientPubkey string

	// Invoice is the invoice itself.
	Invoice Invoice

	// IsPaid is set once the invoice has settled.
	IsPaid bool

	// ZapRequest is the serialized zap request attached to the invoice,
	// if any.
	ZapRequest string

	// Anon is set if no wallet existed for the recipient at creation
	// time.
	Anon bool
}

// UnpaidCounts is the number of unpaid invoices, split by whether the
// recipient had a wallet at creation time.
type UnpaidCounts struct {
	// Known is the count for recipients with an existing wallet.
	Known int64

	// Anon is the count for recipients without one.
	Anon int64
}

// Queries is the set of store operations the wallet engine relies on. It is
// implemented both by the Store itself, in which case every call runs in its
// own atomic transaction, and by the transaction handle passed to
// Store.ExecTx, in which case calls join the enclosing transaction.
type Queries interface {
	// ListWallets returns all persisted wallets.
	ListWallets() ([]WalletRecord, error)

	// FeeTotals returns the persisted mining fee received/paid totals.
	FeeTotals() (received, paid int64, err error)

	// AddMiningFeePaid increments the persisted mining fee paid total.
	AddMiningFeePaid(msat int64) error

	// CreateInvoice inserts an invoice placeholder row and returns its
	// id. The row is completed or deleted by the caller.
	CreateInvoice(clientPubkey string, createdAt int64) (string, error)

	// DeleteInvoice removes an unpaid incoming invoice row.
	DeleteInvoice(id string) error

	// CompleteInvoice fills a placeholder row with the backend invoice.
	CompleteInvoice(id string, inv *Invoice, zapRequest string,
		anon bool) error

	// GetInvoiceInfo resolves an invoice by the given reference. Returns
	// ErrNotFound if no such invoice exists.
	GetInvoiceInfo(ref InvoiceRef) (*InvoiceInfo, error)

	// SettleInvoice marks an invoice settled and persists the wallet's
	// new state and the mining fee delta in the same transaction. Returns
	// false without changing anything if the invoice was already settled.
	SettleInvoice(clientPubkey, id string, settledAt int64,
		preimage string, state State, miningFeeMsat int64) (bool, error)

	// CreatePayment inserts a pending outgoing payment row.
	CreatePayment(clientPubkey string, inv *Invoice, createdAt int64) error

	// DeletePayment removes an outgoing payment row after a failed
	// payment attempt.
	DeletePayment(clientPubkey, paymentHash string) error

	// SettlePayment marks an outgoing payment settled and persists the
	// wallet's new state in the same transaction.
	SettlePayment(clientPubkey, paymentHash string, feesPaid, settledAt,
		serviceFeeMsat int64, preimage string, state State) error

	// GetTransaction returns the transaction with the given invoice id.
	GetTransaction(id string) (*Transaction, error)

	// LookupInvoice resolves a client's transaction by payment hash or
	// invoice string.
	LookupInvoice(req *LookupInvoiceReq) (*Transaction, error)

	// ListTransactions returns a client's transaction history.
	ListTransactions(req *ListTransactionsReq) ([]Transaction, error)

	// CountUnpaidInvoices counts unpaid incoming invoices.
	CountUnpaidInvoices() (UnpaidCounts, error)

	// UpdateWalletState upserts a wallet's committed state.
	UpdateWalletState(pubkey string, state State) error

	// NextWalletFeePubkey returns the pubkey of the next wallet after the
	// given one in the wallet fee round-robin, wrapping around. Returns
	// ErrNotFound if no wallets exist.
	NextWalletFeePubkey(after string) (string, error)

	// ChargeWalletFee records a flat wallet fee debit as a settled
	// outgoing transaction and persists the wallet's new state.
	ChargeWalletFee(pubkey string, feeMsat, chargedAt int64,
		state State) error

	// ClearExpiredInvoices deletes unpaid incoming invoices that expired
	// before the given unix timestamp and returns how many were removed.
	ClearExpiredInvoices(before int64) (int64, error)

	// ClearOldTransactions deletes settled transactions created before
	// the given unix timestamp and returns how many were removed.
	ClearOldTransactions(before int64) (int64, error)

	// LastSettledAt returns the most recent settlement timestamp, used to
	// bound the backend resync after a reconnect.
	LastSettledAt() (int64, error)
}

// Store is the persistent transactional store contract.
type Store interface {
	Queries

	// ExecTx runs fn inside a single atomic transaction. Queries calls
	// made on the passed handle join that transaction; any error rolls
	// the whole transaction back.
	ExecTx(ctx context.Context, fn func(Queries) error) error
}
