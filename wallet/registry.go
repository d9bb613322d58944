package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultMaxPaymentsInFlight is the per-wallet ceiling on concurrently
	// executing outgoing payments.
	DefaultMaxPaymentsInFlight = 10

	// DefaultInvoiceExpirySec is the expiry ceiling for invoices issued to
	// recipients with an existing wallet.
	DefaultInvoiceExpirySec = 86400

	// DefaultAnonInvoiceExpirySec is the expiry ceiling for invoices
	// issued to recipients without a wallet yet. Kept short so that
	// abandoned wallet-creating invoices don't pile up.
	DefaultAnonInvoiceExpirySec = 300

	// DefaultPaymentTimeout bounds a single backend payment attempt.
	DefaultPaymentTimeout = time.Minute

	// maxListTransactionsLimit caps a single transaction history page.
	maxListTransactionsLimit = 100
)

// PaymentReceivedFunc is invoked after an incoming payment settles, outside
// of the settlement transaction. It drives client notifications and zap
// receipts.
type PaymentReceivedFunc func(clientPubkey string, tx *Transaction,
	info *InvoiceInfo)

// RegistryConfig bundles the dependencies and policy knobs of the wallet
// registry.
type RegistryConfig struct {
	// Store is the persistent transactional store.
	Store Store

	// Backend is the Lightning payment backend.
	Backend Backend

	// Fees computes all fee amounts.
	Fees FeePolicy

	// Clock is the time source.
	Clock clock.Clock

	// Net is the chain the backend operates on.
	Net *chaincfg.Params

	// ServicePubkey is the service's own nostr pubkey.
	ServicePubkey string

	// AdminPubkey, if set, enables the add_pubkey operation for this
	// caller.
	AdminPubkey string

	// MaxWallets caps the number of wallets, zero for no cap.
	MaxWallets int

	// MaxBalanceMsat caps a single wallet's balance, zero for no cap.
	MaxBalanceMsat int64

	// MaxInvoiceMsat caps a single invoice, zero for no cap.
	MaxInvoiceMsat int64

	// MaxPaymentsInFlight caps concurrently executing payments per
	// wallet.
	MaxPaymentsInFlight int

	// MaxUnpaidInvoices caps outstanding unpaid invoices of known
	// wallets, zero for no cap.
	MaxUnpaidInvoices int64

	// MaxUnpaidAnonInvoices caps outstanding unpaid invoices of
	// recipients without a wallet, zero for no cap.
	MaxUnpaidAnonInvoices int64

	// InvoiceExpirySec is the expiry ceiling for known wallets.
	InvoiceExpirySec int64

	// AnonInvoiceExpirySec is the expiry ceiling for recipients without a
	// wallet.
	AnonInvoiceExpirySec int64

	// WalletFeeMsat is the flat fee charged round-robin across wallets on
	// every wallet fee tick, zero to disable.
	WalletFeeMsat int64

	// WalletFeeTicker fires once per wallet fee charge.
	WalletFeeTicker ticker.Ticker

	// GCTicker fires once per garbage collection pass.
	GCTicker ticker.Ticker

	// TxRetention is how long settled transactions are kept before the
	// garbage collector removes them, zero to keep forever.
	TxRetention time.Duration

	// InternalWallet is set when the service itself holds a wallet on the
	// backend node. It waives the base payment fee, routes payments
	// between local wallets internally and caps the summed balance at
	// AutoLiquidityMsat.
	InternalWallet bool

	// AutoLiquidityMsat is the backend's auto-liquidity amount, the hard
	// ceiling on the summed balance of all wallets in internal wallet
	// mode.
	AutoLiquidityMsat int64

	// PaymentTimeout bounds a single backend payment attempt.
	PaymentTimeout time.Duration

	// OnPaymentReceived, if set, is called after each settled incoming
	// payment.
	OnPaymentReceived PaymentReceivedFunc
}

// Registry multiplexes many client wallets over a single backend node. It
// owns the wallet set, serializes all incoming payment events through one
// queue and applies the service-wide admission policies that individual
// wallets can't see.
type Registry struct {
	started sync.Once
	stopped sync.Once

	cfg RegistryConfig

	mtx     sync.RWMutex
	wallets map[string]*Wallet

	// lastFeePubkey is the wallet most recently charged the wallet fee.
	lastFeePubkey string

	incoming *queue.ConcurrentQueue

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewRegistry creates a new wallet registry.
func NewRegistry(cfg *RegistryConfig) *Registry {
	c := *cfg
	if c.MaxPaymentsInFlight == 0 {
		c.MaxPaymentsInFlight = DefaultMaxPaymentsInFlight
	}
	if c.InvoiceExpirySec == 0 {
		c.InvoiceExpirySec = DefaultInvoiceExpirySec
	}
	if c.AnonInvoiceExpirySec == 0 {
		c.AnonInvoiceExpirySec = DefaultAnonInvoiceExpirySec
	}
	if c.PaymentTimeout == 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}

	return &Registry{
		cfg:      c,
		wallets:  make(map[string]*Wallet),
		incoming: queue.NewConcurrentQueue(16),
		quit:     make(chan struct{}),
	}
}

// Start loads the persisted wallets, kicks off the event loop and schedules a
// backend resync from the last known settlement.
func (r *Registry) Start() error {
	var startErr error
	r.started.Do(func() {
		log.Infof("WalletRegistry starting")

		records, err := r.cfg.Store.ListWallets()
		if err != nil {
			startErr = fmt.Errorf("unable to load wallets: %w",
				err)
			return
		}

		r.mtx.Lock()
		for _, rec := range records {
			r.wallets[rec.Pubkey] = NewWallet(
				r.walletConfig(rec.Pubkey, rec.State),
			)
		}
		numWallets := len(r.wallets)
		r.mtx.Unlock()

		log.Infof("WalletRegistry loaded %d wallets", numWallets)

		r.incoming.Start()

		if r.cfg.WalletFeeTicker != nil && r.cfg.WalletFeeMsat > 0 {
			r.cfg.WalletFeeTicker.Resume()
		}
		if r.cfg.GCTicker != nil {
			r.cfg.GCTicker.Resume()
		}

		r.wg.Add(1)
		go r.eventLoop()

		r.wg.Add(1)
		go r.resync()
	})

	return startErr
}

// Stop shuts down the registry and waits for the event loop to drain.
func (r *Registry) Stop() error {
	r.stopped.Do(func() {
		log.Infof("WalletRegistry shutting down")

		close(r.quit)
		r.wg.Wait()

		r.incoming.Stop()

		if r.cfg.WalletFeeTicker != nil {
			r.cfg.WalletFeeTicker.Stop()
		}
		if r.cfg.GCTicker != nil {
			r.cfg.GCTicker.Stop()
		}
	})

	return nil
}

// OnIncomingPayment enqueues a backend payment event for serialized handling.
// Safe to call from any goroutine.
func (r *Registry) OnIncomingPayment(ev *IncomingPayment) {
	select {
	case r.incoming.ChanIn() <- ev:
	case <-r.quit:
	}
}

// resync replays any incoming payments settled since the last settlement we
// persisted, closing the gap left by downtime.
func (r *Registry) resync() {
	defer r.wg.Done()

	last, err := r.cfg.Store.LastSettledAt()
	if err != nil {
		log.Errorf("Unable to read last settlement time: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), r.cfg.PaymentTimeout,
	)
	defer cancel()

	if err := r.cfg.Backend.SyncPaymentsSince(ctx, last); err != nil {
		log.Errorf("Backend resync from %d failed: %v", last, err)
	}
}

// eventLoop is the single consumer of incoming payment events and the
// periodic wallet fee and garbage collection ticks.
func (r *Registry) eventLoop() {
	defer r.wg.Done()

	var walletFeeTicks, gcTicks <-chan time.Time
	if r.cfg.WalletFeeTicker != nil {
		walletFeeTicks = r.cfg.WalletFeeTicker.Ticks()
	}
	if r.cfg.GCTicker != nil {
		gcTicks = r.cfg.GCTicker.Ticks()
	}

	for {
		select {
		case e, ok := <-r.incoming.ChanOut():
			if !ok {
				return
			}
			r.handleIncomingPayment(e.(*IncomingPayment))

		case <-walletFeeTicks:
			r.chargeNextWalletFee()

		case <-gcTicks:
			r.collectGarbage()

		case <-r.quit:
			return
		}
	}
}

// handleIncomingPayment settles one backend payment event against the wallet
// it belongs to. Events for unknown or already settled invoices are dropped.
func (r *Registry) handleIncomingPayment(ev *IncomingPayment) {
	// An auto-liquidity purchase piggybacked on this payment is a mining
	// fee the backend charged us, account for it regardless of whose
	// payment triggered it.
	if ev.LiquidityFeeMsat > 0 {
		r.cfg.Fees.AddMiningFeePaid(ev.LiquidityFeeMsat)
		if err := r.cfg.Store.AddMiningFeePaid(
			ev.LiquidityFeeMsat,
		); err != nil {
			log.Errorf("Unable to persist mining fee paid: %v",
				err)
		}
	}

	if ev.ExternalID == "" {
		log.Debugf("Skipping foreign payment %s", ev.PaymentHash)
		return
	}

	info, err := r.cfg.Store.GetInvoiceInfo(InvoiceRef{ID: ev.ExternalID})
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warnf("Payment %s references unknown invoice %s",
			ev.PaymentHash, ev.ExternalID)
		return

	case err != nil:
		log.Errorf("Unable to load invoice %s: %v", ev.ExternalID,
			err)
		return
	}

	if info.IsPaid {
		return
	}

	w := r.getOrCreateWallet(info.ClientPubkey)

	settled, err := w.SettleInvoice(r.cfg.Store, info, ev)
	if err != nil {
		log.Errorf("Unable to settle invoice %s: %v", info.ID, err)
		return
	}
	if !settled {
		return
	}

	r.notifyPaymentReceived(info)
}

// notifyPaymentReceived loads the settled transaction and hands it to the
// notification callback.
func (r *Registry) notifyPaymentReceived(info *InvoiceInfo) {
	if r.cfg.OnPaymentReceived == nil {
		return
	}

	tx, err := r.cfg.Store.GetTransaction(info.ID)
	if err != nil {
		log.Errorf("Unable to load settled transaction %s: %v",
			info.ID, err)
		return
	}

	r.cfg.OnPaymentReceived(info.ClientPubkey, tx, info)
}

// MakeInvoice creates an invoice crediting the calling client's own wallet.
func (r *Registry) MakeInvoice(ctx context.Context,
	req *MakeInvoiceReq) (*Transaction, error) {

	return r.makeInvoice(ctx, req, req.ClientPubkey, "")
}

// MakeInvoiceFor creates an invoice crediting a third-party recipient,
// optionally attaching a zap request. Recipients without a wallet get one on
// settlement.
func (r *Registry) MakeInvoiceFor(ctx context.Context,
	req *MakeInvoiceForReq) (*Transaction, error) {

	return r.makeInvoice(ctx, &req.MakeInvoiceReq, req.Pubkey,
		req.ZapRequest)
}

func (r *Registry) makeInvoice(ctx context.Context, req *MakeInvoiceReq,
	recipient, zapRequest string) (*Transaction, error) {

	amount := req.AmountMsat
	if amount <= 0 || amount%1000 != 0 {
		return nil, ErrAmountNotWholeSat
	}
	if r.cfg.MaxInvoiceMsat > 0 && amount > r.cfg.MaxInvoiceMsat {
		return nil, ErrMaxInvoiceSize
	}

	w := r.lookupWallet(recipient)
	anon := w == nil

	if anon && r.cfg.MaxWallets > 0 &&
		r.walletCount() >= r.cfg.MaxWallets {

		return nil, ErrMaxWallets
	}

	if w != nil && r.cfg.MaxBalanceMsat > 0 {
		if w.State().Balance+amount > r.cfg.MaxBalanceMsat {
			return nil, ErrMaxBalanceExceeded
		}
	}

	if r.cfg.InternalWallet && r.cfg.AutoLiquidityMsat > 0 &&
		r.totalBalance()+amount > r.cfg.AutoLiquidityMsat {

		return nil, ErrNodeBalanceExceeded
	}

	// A recipient without a wallet needs the node to actually be able to
	// receive.
	if anon {
		info, err := r.cfg.Backend.GetInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to query backend: %w",
				err)
		}
		if len(info.Channels) == 0 {
			return nil, ErrNoLiquidity
		}
	}

	counts, err := r.cfg.Store.CountUnpaidInvoices()
	if err != nil {
		return nil, err
	}
	if anon {
		if r.cfg.MaxUnpaidAnonInvoices > 0 &&
			counts.Anon >= r.cfg.MaxUnpaidAnonInvoices {

			return nil, ErrRateLimited
		}
	} else if r.cfg.MaxUnpaidInvoices > 0 &&
		counts.Known >= r.cfg.MaxUnpaidInvoices {

		return nil, ErrRateLimited
	}

	maxExpiry := r.cfg.InvoiceExpirySec
	if anon {
		maxExpiry = r.cfg.AnonInvoiceExpirySec
	}
	expiry := req.Expiry
	if expiry <= 0 || expiry > maxExpiry {
		expiry = maxExpiry
	}

	id, err := r.cfg.Store.CreateInvoice(
		recipient, r.cfg.Clock.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}

	inv, err := r.cfg.Backend.MakeInvoice(ctx, id, &InvoiceRequest{
		AmountMsat:      amount,
		Description:     req.Description,
		DescriptionHash: req.DescriptionHash,
		Expiry:          expiry,
		ZapRequest:      zapRequest,
	})
	if err != nil {
		if derr := r.cfg.Store.DeleteInvoice(id); derr != nil {
			log.Errorf("Unable to remove invoice placeholder "+
				"%s: %v", id, derr)
		}

		return nil, fmt.Errorf("backend invoice creation failed: %w",
			err)
	}

	err = r.cfg.Store.CompleteInvoice(id, inv, zapRequest, anon)
	if err != nil {
		return nil, err
	}

	log.Debugf("Created invoice %s for %s: %d msat, anon=%v", id,
		recipient, amount, anon)

	return r.cfg.Store.GetTransaction(id)
}

// PayInvoice pays a bolt11 invoice from a client's wallet. Payments to
// invoices issued by this service are transferred internally in internal
// wallet mode, everything else goes through the backend.
func (r *Registry) PayInvoice(ctx context.Context,
	req *PayInvoiceReq) (*PaymentResult, error) {

	w := r.lookupWallet(req.ClientPubkey)
	if w == nil {
		return nil, ErrInsufficientBalance
	}

	if r.cfg.InternalWallet {
		info, err := r.cfg.Store.GetInvoiceInfo(InvoiceRef{
			Bolt11: req.Bolt11,
		})
		switch {
		case err == nil:
			return r.payInternal(ctx, w, req, info)

		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PaymentTimeout)
	defer cancel()

	return w.PayInvoice(
		ctx, r.cfg.Store, req,
		func(ctx context.Context, _ *Invoice,
			req *PayInvoiceReq) (*PaymentResult, error) {

			return r.cfg.Backend.PayInvoice(ctx, req)
		},
	)
}

// payInternal transfers funds between two local wallets without touching the
// node. The payer's debit and the recipient's credit commit in one store
// transaction.
func (r *Registry) payInternal(ctx context.Context, payer *Wallet,
	req *PayInvoiceReq, info *InvoiceInfo) (*PaymentResult, error) {

	if info.ClientPubkey == req.ClientPubkey {
		return nil, ErrSelfPayment
	}
	if info.IsPaid {
		return nil, fmt.Errorf("%w: invoice already paid",
			ErrPaymentFailed)
	}

	recipient := r.getOrCreateWallet(info.ClientPubkey)

	var res *PaymentResult
	err := r.cfg.Store.ExecTx(ctx, func(q Queries) error {
		var err error
		res, err = payer.PayInvoice(
			ctx, q, req,
			func(_ context.Context, inv *Invoice,
				_ *PayInvoiceReq) (*PaymentResult, error) {

				ev := &IncomingPayment{
					PaymentHash: inv.PaymentHash,
					SettledAt:   r.cfg.Clock.Now().Unix(),
					ExternalID:  info.ID,
				}

				settled, err := recipient.SettleInvoice(
					q, info, ev,
				)
				if err != nil {
					return nil, err
				}
				if !settled {
					return nil, fmt.Errorf("%w: invoice "+
						"already paid",
						ErrPaymentFailed)
				}

				return &PaymentResult{}, nil
			},
		)

		return err
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Internal payment of invoice %s: %s -> %s", info.ID,
		req.ClientPubkey, info.ClientPubkey)

	r.notifyPaymentReceived(info)

	return res, nil
}

// GetInfo returns the backend node's identity and aggregate channel state.
func (r *Registry) GetInfo(ctx context.Context) (*NodeSummary, error) {
	info, err := r.cfg.Backend.GetInfo(ctx)
	if err != nil {
		return nil, err
	}

	var capacity int64
	for _, ch := range info.Channels {
		capacity += ch.CapacityMsat
	}

	return &NodeSummary{
		Alias:        r.cfg.ServicePubkey,
		Color:        "000000",
		Pubkey:       info.NodeID,
		Network:      info.Chain,
		BlockHeight:  info.BlockHeight,
		Channels:     len(info.Channels),
		CapacityMsat: capacity,
	}, nil
}

// GetBalance returns a client's spendable balance. Clients without a wallet
// have a zero balance.
func (r *Registry) GetBalance(ctx context.Context,
	clientPubkey string) (int64, error) {

	w := r.lookupWallet(clientPubkey)
	if w == nil {
		return 0, nil
	}

	return w.State().Balance, nil
}

// ListTransactions returns a page of a client's transaction history.
func (r *Registry) ListTransactions(ctx context.Context,
	req *ListTransactionsReq) ([]Transaction, error) {

	q := *req
	if q.Limit <= 0 || q.Limit > maxListTransactionsLimit {
		q.Limit = maxListTransactionsLimit
	}
	if q.Until == 0 {
		q.Until = r.cfg.Clock.Now().Unix()
	}

	return r.cfg.Store.ListTransactions(&q)
}

// LookupInvoice resolves a client's transaction by payment hash or invoice
// string.
func (r *Registry) LookupInvoice(ctx context.Context,
	req *LookupInvoiceReq) (*Transaction, error) {

	if req.PaymentHash == "" && req.Bolt11 != "" {
		inv, _, err := DecodeBolt11(req.Bolt11, r.cfg.Net)
		if err != nil {
			return nil, ErrNotFound
		}
		req = &LookupInvoiceReq{
			ClientPubkey: req.ClientPubkey,
			PaymentHash:  inv.PaymentHash,
		}
	}
	if req.PaymentHash == "" {
		return nil, ErrNotFound
	}

	return r.cfg.Store.LookupInvoice(req)
}

// AddPubkey provisions a wallet for a new client pubkey. Only the configured
// admin may call it.
func (r *Registry) AddPubkey(ctx context.Context, callerPubkey,
	pubkey string) error {

	if r.cfg.AdminPubkey == "" {
		return ErrNotImplemented
	}
	if callerPubkey != r.cfg.AdminPubkey {
		return ErrUnauthorized
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if _, ok := r.wallets[pubkey]; ok {
		return nil
	}
	if r.cfg.MaxWallets > 0 && len(r.wallets) >= r.cfg.MaxWallets {
		return ErrMaxWallets
	}

	if err := r.cfg.Store.UpdateWalletState(pubkey, State{}); err != nil {
		return err
	}

	r.wallets[pubkey] = NewWallet(r.walletConfig(pubkey, State{}))

	log.Infof("Provisioned wallet for %s", pubkey)

	return nil
}

// chargeNextWalletFee charges the flat wallet fee to the next wallet in the
// round-robin. Wallets that can't cover the fee are skipped until their next
// turn.
func (r *Registry) chargeNextWalletFee() {
	pubkey, err := r.cfg.Store.NextWalletFeePubkey(r.lastFeePubkey)
	switch {
	case errors.Is(err, ErrNotFound):
		return

	case err != nil:
		log.Errorf("Unable to pick wallet fee target: %v", err)
		return
	}

	r.lastFeePubkey = pubkey

	w := r.lookupWallet(pubkey)
	if w == nil {
		return
	}

	err = w.ChargeWalletFee(r.cfg.Store, r.cfg.WalletFeeMsat)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		log.Debugf("Wallet %s can't cover wallet fee, skipping",
			pubkey)

	case err != nil:
		log.Errorf("Unable to charge wallet fee to %s: %v", pubkey,
			err)
	}
}

// collectGarbage removes expired unpaid invoices and settled transactions
// past their retention.
func (r *Registry) collectGarbage() {
	now := r.cfg.Clock.Now()

	n, err := r.cfg.Store.ClearExpiredInvoices(now.Unix())
	if err != nil {
		log.Errorf("Unable to clear expired invoices: %v", err)
	} else if n > 0 {
		log.Debugf("Cleared %d expired invoices", n)
	}

	if r.cfg.TxRetention == 0 {
		return
	}

	before := now.Add(-r.cfg.TxRetention).Unix()
	n, err = r.cfg.Store.ClearOldTransactions(before)
	if err != nil {
		log.Errorf("Unable to clear old transactions: %v", err)
	} else if n > 0 {
		log.Debugf("Cleared %d old transactions", n)
	}
}

func (r *Registry) walletConfig(pubkey string, state State) WalletConfig {
	return WalletConfig{
		Pubkey:              pubkey,
		State:               state,
		Fees:                r.cfg.Fees,
		Net:                 r.cfg.Net,
		Clock:               r.cfg.Clock,
		MaxPaymentsInFlight: r.cfg.MaxPaymentsInFlight,
	}
}

func (r *Registry) lookupWallet(pubkey string) *Wallet {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return r.wallets[pubkey]
}

func (r *Registry) getOrCreateWallet(pubkey string) *Wallet {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if w, ok := r.wallets[pubkey]; ok {
		return w
	}

	w := NewWallet(r.walletConfig(pubkey, State{}))
	r.wallets[pubkey] = w

	log.Infof("Created wallet for %s", pubkey)

	return w
}

func (r *Registry) walletCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return len(r.wallets)
}

func (r *Registry) totalBalance() int64 {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	var sum int64
	for _, w := range r.wallets {
		sum += w.State().Balance
	}

	return sum
}
