package nwc

import (
	"context"
	"encoding/json"

	"github.com/nostrband/walletd/wallet"

	"github.com/nbd-wtf/go-nostr"
)

// Nostr event kinds of the wallet connect protocol.
const (
	// KindInfo announces the wallet service and its capabilities.
	KindInfo = 13194

	// KindRequest carries an encrypted client request.
	KindRequest = 23194

	// KindReply carries the encrypted reply to a request.
	KindReply = 23195

	// KindNotification carries an encrypted unsolicited notification.
	KindNotification = 23196

	// KindZapRequest is a nostr zap request.
	KindZapRequest = 9734

	// KindZapReceipt is a nostr zap receipt.
	KindZapReceipt = 9735
)

// Methods of the wallet connect protocol.
const (
	MethodGetInfo          = "get_info"
	MethodGetBalance       = "get_balance"
	MethodMakeInvoice      = "make_invoice"
	MethodMakeInvoiceFor   = "make_invoice_for"
	MethodPayInvoice       = "pay_invoice"
	MethodListTransactions = "list_transactions"
	MethodLookupInvoice    = "lookup_invoice"
	MethodAddPubkey        = "add_pubkey"
)

// NotificationPaymentReceived is sent to a client when one of its invoices
// settles.
const NotificationPaymentReceived = "payment_received"

// Protocol error codes.
const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodePaymentFailed       = "PAYMENT_FAILED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
	CodeOther               = "OTHER"
)

// Request is the decrypted content of a request event. Params stays raw until
// the method is known.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Error is the error object of a reply.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reply is the decrypted content of a reply event. Exactly one of Error and
// Result is set.
type Reply struct {
	ResultType string      `json:"result_type"`
	Error      *Error      `json:"error"`
	Result     interface{} `json:"result"`
}

// Notification is the decrypted content of a notification event.
type Notification struct {
	Type         string      `json:"notification_type"`
	Notification interface{} `json:"notification"`
}

// MakeInvoiceParams are the params of make_invoice.
type MakeInvoiceParams struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	DescriptionHash string `json:"description_hash"`
	Expiry          int64  `json:"expiry"`
}

// MakeInvoiceForParams are the params of make_invoice_for.
type MakeInvoiceForParams struct {
	MakeInvoiceParams

	Pubkey     string `json:"pubkey"`
	ZapRequest string `json:"zap_request"`
}

// PayInvoiceParams are the params of pay_invoice.
type PayInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount"`
}

// ListTransactionsParams are the params of list_transactions.
type ListTransactionsParams struct {
	From   int64  `json:"from"`
	Until  int64  `json:"until"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Unpaid bool   `json:"unpaid"`
	Type   string `json:"type"`
}

// LookupInvoiceParams are the params of lookup_invoice.
type LookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash"`
	Invoice     string `json:"invoice"`
}

// AddPubkeyParams are the params of add_pubkey.
type AddPubkeyParams struct {
	Pubkey string `json:"pubkey"`
}

// BalanceResult is the result of get_balance.
type BalanceResult struct {
	Balance int64 `json:"balance"`
}

// InfoResult is the result of get_info.
type InfoResult struct {
	wallet.NodeSummary

	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

// ListTransactionsResult is the result of list_transactions.
type ListTransactionsResult struct {
	Transactions []wallet.Transaction `json:"transactions"`
}

// Handler serves the decoded wallet connect operations. The wallet registry
// is the production implementation.
type Handler interface {
	GetInfo(ctx context.Context) (*wallet.NodeSummary, error)

	GetBalance(ctx context.Context, clientPubkey string) (int64, error)

	MakeInvoice(ctx context.Context,
		req *wallet.MakeInvoiceReq) (*wallet.Transaction, error)

	MakeInvoiceFor(ctx context.Context,
		req *wallet.MakeInvoiceForReq) (*wallet.Transaction, error)

	PayInvoice(ctx context.Context,
		req *wallet.PayInvoiceReq) (*wallet.PaymentResult, error)

	ListTransactions(ctx context.Context,
		req *wallet.ListTransactionsReq) ([]wallet.Transaction, error)

	LookupInvoice(ctx context.Context,
		req *wallet.LookupInvoiceReq) (*wallet.Transaction, error)

	AddPubkey(ctx context.Context, callerPubkey, pubkey string) error
}

// Signer signs and encrypts events on behalf of the service key.
type Signer interface {
	// Pubkey returns the service pubkey.
	Pubkey() string

	// Sign fills in the event's pubkey, id and signature.
	Sign(ev *nostr.Event) error

	// Encrypt encrypts plaintext for the given peer.
	Encrypt(peerPubkey, plaintext string) (string, error)

	// Decrypt decrypts ciphertext from the given peer.
	Decrypt(peerPubkey, ciphertext string) (string, error)
}

// Methods returns the method names the service serves. add_pubkey is only
// announced when an admin is configured.
func Methods(withAddPubkey bool) []string {
	methods := []string{
		MethodGetInfo, MethodGetBalance, MethodMakeInvoice,
		MethodMakeInvoiceFor, MethodPayInvoice,
		MethodListTransactions, MethodLookupInvoice,
	}
	if withAddPubkey {
		methods = append(methods, MethodAddPubkey)
	}

	return methods
}

// Notifications returns the notification types the service emits.
func Notifications() []string {
	return []string{NotificationPaymentReceived}
}
