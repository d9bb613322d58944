package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nostrband/walletd/wallet"

	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultSeenCacheSize bounds the request dedup set. Relays replay events on
// resubscribe, so replies must not be recomputed for events already served.
const DefaultSeenCacheSize = 10000

// seenEntry is a zero-size marker in the seen cache.
type seenEntry struct{}

// Size returns the number of cache slots a seen marker occupies.
func (s *seenEntry) Size() (uint64, error) {
	return 1, nil
}

// ServerConfig bundles the dependencies of the protocol server.
type ServerConfig struct {
	// Handler serves the decoded operations.
	Handler Handler

	// Signer signs and encrypts with the service key.
	Signer Signer

	// Clock is the time source.
	Clock clock.Clock

	// Relays is the relay list announced in invoice and info events.
	Relays []string

	// WithAddPubkey announces the add_pubkey method.
	WithAddPubkey bool

	// SeenCacheSize overrides the dedup cache capacity.
	SeenCacheSize int
}

// Server is the wallet connect protocol state machine. It turns encrypted
// request events into encrypted reply events and otherwise knows nothing
// about transports: the relay pool feeds it events and publishes whatever it
// returns.
type Server struct {
	cfg ServerConfig

	seen *lru.Cache[string, *seenEntry]
}

// NewServer creates a new protocol server.
func NewServer(cfg *ServerConfig) *Server {
	size := cfg.SeenCacheSize
	if size == 0 {
		size = DefaultSeenCacheSize
	}

	return &Server{
		cfg:  *cfg,
		seen: lru.NewCache[string, *seenEntry](uint64(size)),
	}
}

// InfoEvent builds the signed capability announcement event.
func (s *Server) InfoEvent() (*nostr.Event, error) {
	methods := Methods(s.cfg.WithAddPubkey)

	content := ""
	for i, m := range methods {
		if i > 0 {
			content += " "
		}
		content += m
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.cfg.Clock.Now().Unix()),
		Kind:      KindInfo,
		Content:   content,
		Tags: nostr.Tags{
			{"notifications", NotificationPaymentReceived},
		},
	}
	if err := s.cfg.Signer.Sign(ev); err != nil {
		return nil, err
	}

	return ev, nil
}

// HandleEvent processes one request event and returns the signed reply event,
// or nil if the event must be dropped without an answer: wrong kind, expired,
// already served or undecryptable.
func (s *Server) HandleEvent(ctx context.Context,
	ev *nostr.Event) (*nostr.Event, error) {

	if ev.Kind != KindRequest {
		return nil, nil
	}

	if s.expired(ev) {
		log.Debugf("Dropping expired request %s", ev.ID)
		return nil, nil
	}

	if _, err := s.seen.Get(ev.ID); !errors.Is(
		err, cache.ErrElementNotFound,
	) {
		log.Tracef("Dropping duplicate request %s", ev.ID)
		return nil, nil
	}
	if _, err := s.seen.Put(ev.ID, &seenEntry{}); err != nil {
		log.Errorf("Unable to record request %s as seen: %v", ev.ID,
			err)
	}

	plaintext, err := s.cfg.Signer.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		log.Debugf("Unable to decrypt request %s from %s: %v", ev.ID,
			ev.PubKey, err)
		return nil, nil
	}

	var req Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return s.reply(ev, "", nil, &Error{
			Code:    CodeOther,
			Message: "malformed request",
		})
	}

	log.Debugf("Request %s from %s: %s", ev.ID, ev.PubKey, req.Method)

	result, herr := s.dispatch(ctx, ev.PubKey, &req)

	return s.reply(ev, req.Method, result, herr)
}

// Notify builds the signed payment_received notification event for a client.
func (s *Server) Notify(clientPubkey string,
	tx *wallet.Transaction) (*nostr.Event, error) {

	content, err := json.Marshal(&Notification{
		Type:         NotificationPaymentReceived,
		Notification: tx,
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cfg.Signer.Encrypt(clientPubkey, string(content))
	if err != nil {
		return nil, err
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.cfg.Clock.Now().Unix()),
		Kind:      KindNotification,
		Content:   encrypted,
		Tags: nostr.Tags{
			{"p", clientPubkey},
		},
	}
	if err := s.cfg.Signer.Sign(ev); err != nil {
		return nil, err
	}

	return ev, nil
}

// expired reports whether the event carries an expiration tag in the past.
func (s *Server) expired(ev *nostr.Event) bool {
	tag := ev.Tags.GetFirst([]string{"expiration"})
	if tag == nil || len(*tag) < 2 {
		return false
	}

	expiry, err := strconv.ParseInt((*tag)[1], 10, 64)
	if err != nil {
		return false
	}

	return expiry < s.cfg.Clock.Now().Unix()
}

// dispatch decodes the method params and runs the operation.
func (s *Server) dispatch(ctx context.Context, clientPubkey string,
	req *Request) (interface{}, *Error) {

	switch req.Method {
	case MethodGetInfo:
		return s.getInfo(ctx)

	case MethodGetBalance:
		balance, err := s.cfg.Handler.GetBalance(ctx, clientPubkey)
		if err != nil {
			return nil, mapError(err)
		}

		return &BalanceResult{Balance: balance}, nil

	case MethodMakeInvoice:
		var params MakeInvoiceParams
		if perr := parseParams(req, &params); perr != nil {
			return nil, perr
		}

		tx, err := s.cfg.Handler.MakeInvoice(
			ctx, makeInvoiceReq(clientPubkey, &params),
		)
		if err != nil {
			return nil, mapError(err)
		}

		return tx, nil

	case MethodMakeInvoiceFor:
		return s.makeInvoiceFor(ctx, clientPubkey, req)

	case MethodPayInvoice:
		var params PayInvoiceParams
		if perr := parseParams(req, &params); perr != nil {
			return nil, perr
		}

		res, err := s.cfg.Handler.PayInvoice(ctx,
			&wallet.PayInvoiceReq{
				ClientPubkey: clientPubkey,
				Bolt11:       params.Invoice,
				AmountMsat:   params.Amount,
			})
		if err != nil {
			return nil, mapError(err)
		}

		return res, nil

	case MethodListTransactions:
		var params ListTransactionsParams
		if perr := parseParams(req, &params); perr != nil {
			return nil, perr
		}

		txs, err := s.cfg.Handler.ListTransactions(ctx,
			&wallet.ListTransactionsReq{
				ClientPubkey: clientPubkey,
				From:         params.From,
				Until:        params.Until,
				Limit:        params.Limit,
				Offset:       params.Offset,
				Unpaid:       params.Unpaid,
				Type:         params.Type,
			})
		if err != nil {
			return nil, mapError(err)
		}
		if txs == nil {
			txs = []wallet.Transaction{}
		}

		return &ListTransactionsResult{Transactions: txs}, nil

	case MethodLookupInvoice:
		var params LookupInvoiceParams
		if perr := parseParams(req, &params); perr != nil {
			return nil, perr
		}
		if params.PaymentHash == "" && params.Invoice == "" {
			return nil, &Error{
				Code:    CodeOther,
				Message: "payment_hash or invoice required",
			}
		}

		tx, err := s.cfg.Handler.LookupInvoice(ctx,
			&wallet.LookupInvoiceReq{
				ClientPubkey: clientPubkey,
				PaymentHash:  params.PaymentHash,
				Bolt11:       params.Invoice,
			})
		if err != nil {
			return nil, mapError(err)
		}

		return tx, nil

	case MethodAddPubkey:
		var params AddPubkeyParams
		if perr := parseParams(req, &params); perr != nil {
			return nil, perr
		}

		err := s.cfg.Handler.AddPubkey(
			ctx, clientPubkey, params.Pubkey,
		)
		if err != nil {
			return nil, mapError(err)
		}

		return struct{}{}, nil

	default:
		return nil, &Error{
			Code:    CodeNotImplemented,
			Message: fmt.Sprintf("unknown method %s", req.Method),
		}
	}
}

func (s *Server) getInfo(ctx context.Context) (interface{}, *Error) {
	summary, err := s.cfg.Handler.GetInfo(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	return &InfoResult{
		NodeSummary:   *summary,
		Methods:       Methods(s.cfg.WithAddPubkey),
		Notifications: Notifications(),
	}, nil
}

func (s *Server) makeInvoiceFor(ctx context.Context, clientPubkey string,
	req *Request) (interface{}, *Error) {

	var params MakeInvoiceForParams
	if perr := parseParams(req, &params); perr != nil {
		return nil, perr
	}
	if params.Pubkey == "" {
		return nil, &Error{
			Code:    CodeOther,
			Message: "pubkey required",
		}
	}

	if params.ZapRequest != "" {
		err := ValidateZapRequest(
			params.ZapRequest, params.Amount,
			s.cfg.Signer.Pubkey(),
		)
		if err != nil {
			return nil, &Error{
				Code:    CodeOther,
				Message: fmt.Sprintf("bad zap request: %v",
					err),
			}
		}
	}

	tx, err := s.cfg.Handler.MakeInvoiceFor(ctx,
		&wallet.MakeInvoiceForReq{
			MakeInvoiceReq: *makeInvoiceReq(
				clientPubkey, &params.MakeInvoiceParams,
			),
			Pubkey:     params.Pubkey,
			ZapRequest: params.ZapRequest,
		})
	if err != nil {
		return nil, mapError(err)
	}

	return tx, nil
}

// reply builds the signed, encrypted reply event for a request.
func (s *Server) reply(req *nostr.Event, method string, result interface{},
	herr *Error) (*nostr.Event, error) {

	if herr != nil {
		log.Debugf("Request %s failed: %s (%s)", req.ID, herr.Code,
			herr.Message)
	}

	content, err := json.Marshal(&Reply{
		ResultType: method,
		Error:      herr,
		Result:     result,
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cfg.Signer.Encrypt(req.PubKey, string(content))
	if err != nil {
		return nil, err
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(s.cfg.Clock.Now().Unix()),
		Kind:      KindReply,
		Content:   encrypted,
		Tags: nostr.Tags{
			{"p", req.PubKey},
			{"e", req.ID},
		},
	}
	if err := s.cfg.Signer.Sign(ev); err != nil {
		return nil, err
	}

	return ev, nil
}

func makeInvoiceReq(clientPubkey string,
	params *MakeInvoiceParams) *wallet.MakeInvoiceReq {

	return &wallet.MakeInvoiceReq{
		ClientPubkey:    clientPubkey,
		AmountMsat:      params.Amount,
		Description:     params.Description,
		DescriptionHash: params.DescriptionHash,
		Expiry:          params.Expiry,
	}
}

func parseParams(req *Request, dst interface{}) *Error {
	if err := json.Unmarshal(req.Params, dst); err != nil {
		return &Error{
			Code:    CodeOther,
			Message: fmt.Sprintf("malformed params: %v", err),
		}
	}

	return nil
}

// mapError translates wallet errors to the protocol's closed error code set.
func mapError(err error) *Error {
	var code string
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrMaxBalanceExceeded),
		errors.Is(err, wallet.ErrNodeBalanceExceeded):

		code = CodeInsufficientBalance

	case errors.Is(err, wallet.ErrPaymentFailed),
		errors.Is(err, wallet.ErrSelfPayment),
		errors.Is(err, wallet.ErrDuplicatePayment),
		errors.Is(err, wallet.ErrPreimageMismatch):

		code = CodePaymentFailed

	case errors.Is(err, wallet.ErrRateLimited),
		errors.Is(err, wallet.ErrMaxWallets):

		code = CodeRateLimited

	case errors.Is(err, wallet.ErrNotFound):
		code = CodeNotFound

	case errors.Is(err, wallet.ErrNotImplemented):
		code = CodeNotImplemented

	case errors.Is(err, wallet.ErrUnauthorized):
		code = CodeUnauthorized

	case errors.Is(err, wallet.ErrAmountNotWholeSat),
		errors.Is(err, wallet.ErrMaxInvoiceSize),
		errors.Is(err, wallet.ErrNoLiquidity):

		code = CodeOther

	default:
		code = CodeInternal
	}

	return &Error{
		Code:    code,
		Message: err.Error(),
	}
}
