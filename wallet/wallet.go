package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// PayFunc executes the actual payment once the wallet has admitted it and
// reserved the funds. The registry passes the backend's PayInvoice here, or an
// internal transfer for payments between wallets of this service.
type PayFunc func(ctx context.Context, inv *Invoice,
	req *PayInvoiceReq) (*PaymentResult, error)

// WalletConfig bundles the dependencies of a single wallet ledger.
type WalletConfig struct {
	// Pubkey is the wallet owner's pubkey.
	Pubkey string

	// State is the wallet's committed state loaded from the store.
	State State

	// Fees computes all fee amounts.
	Fees FeePolicy

	// Net is the chain the backend operates on, needed to decode bolt11
	// invoices.
	Net *chaincfg.Params

	// Clock is the time source.
	Clock clock.Clock

	// MaxPaymentsInFlight caps the number of concurrently executing
	// outgoing payments of this wallet.
	MaxPaymentsInFlight int
}

// Wallet is the ledger of a single client. It owns the wallet's balance state
// and serializes all admission decisions under its lock, so concurrent
// payments can never reserve more than the committed balance. The committed
// state itself only changes together with a successful store write.
type Wallet struct {
	cfg WalletConfig

	mu      sync.Mutex
	state   State
	pending map[string]int64
}

// NewWallet creates a wallet ledger around the given committed state.
func NewWallet(cfg WalletConfig) *Wallet {
	return &Wallet{
		cfg:     cfg,
		state:   cfg.State,
		pending: make(map[string]int64),
	}
}

// Pubkey returns the wallet owner's pubkey.
func (w *Wallet) Pubkey() string {
	return w.cfg.Pubkey
}

// State returns a copy of the wallet's committed state.
func (w *Wallet) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// PendingLockedMsat returns the total amount currently reserved by in-flight
// payments.
func (w *Wallet) PendingLockedMsat() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lockedMsatLocked()
}

func (w *Wallet) lockedMsatLocked() int64 {
	var sum int64
	for _, locked := range w.pending {
		sum += locked
	}

	return sum
}

// SettleInvoice credits a settled incoming payment to the wallet. If the new
// balance exceeds the wallet's virtual channel size, the channel is extended
// in whole-sat steps and the extension's liquidity service fee and mining fee
// are added to the wallet's fee credit. The store write and the settlement
// flag flip happen in one transaction; a second settlement of the same
// invoice changes nothing and returns false.
func (w *Wallet) SettleInvoice(q Queries, inv *InvoiceInfo,
	ev *IncomingPayment) (bool, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	amount := inv.Invoice.AmountMsat

	newState := w.state
	newState.Balance += amount

	var miningFee int64
	if newState.Balance > newState.ChannelSize {
		needed := newState.Balance - newState.ChannelSize
		ext := ((needed + 999) / 1000) * 1000

		miningFee = w.cfg.Fees.CalcMiningFeeMsat(ext)
		serviceFee := w.cfg.Fees.CalcLiquidityServiceFeeMsat(ext)

		newState.ChannelSize += ext
		newState.FeeCredit += serviceFee + miningFee

		log.Debugf("Wallet(%s): extending channel by %d msat, "+
			"mining fee %d msat, service fee %d msat",
			w.cfg.Pubkey, ext, miningFee, serviceFee)
	}

	settled, err := q.SettleInvoice(
		w.cfg.Pubkey, inv.ID, ev.SettledAt, ev.Preimage, newState,
		miningFee,
	)
	if err != nil {
		return false, fmt.Errorf("unable to settle invoice %s: %w",
			inv.ID, err)
	}
	if !settled {
		log.Debugf("Wallet(%s): invoice %s already settled",
			w.cfg.Pubkey, inv.ID)
		return false, nil
	}

	w.state = newState
	w.cfg.Fees.AddMiningFeeReceived(miningFee)

	log.Infof("Wallet(%s): settled invoice %s for %d msat, balance=%d",
		w.cfg.Pubkey, inv.ID, amount, newState.Balance)

	return true, nil
}

// PayInvoice executes an outgoing payment: decode and validate the invoice,
// reserve the amount plus a fee estimate against the balance under the wallet
// lock, record the pending payment, run the payment through pay, then commit
// the debited state and the settled payment in one store transaction. Any
// failure after the reservation releases it again; a failed payment attempt
// also removes the pending row.
func (w *Wallet) PayInvoice(ctx context.Context, q Queries,
	req *PayInvoiceReq, pay PayFunc) (*PaymentResult, error) {

	inv, route, err := DecodeBolt11(req.Bolt11, w.cfg.Net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	amount := inv.AmountMsat
	if amount == 0 {
		amount = req.AmountMsat
	}
	if amount <= 0 || amount%1000 != 0 {
		return nil, ErrAmountNotWholeSat
	}
	inv.AmountMsat = amount

	if err := w.admitPayment(inv, amount, route); err != nil {
		return nil, err
	}

	release := func() {
		w.mu.Lock()
		delete(w.pending, inv.PaymentHash)
		w.mu.Unlock()
	}

	err = q.CreatePayment(w.cfg.Pubkey, inv, w.cfg.Clock.Now().Unix())
	if err != nil {
		release()
		return nil, fmt.Errorf("unable to record payment: %w", err)
	}

	res, err := pay(ctx, inv, req)
	if err != nil {
		release()
		if derr := q.DeletePayment(
			w.cfg.Pubkey, inv.PaymentHash,
		); derr != nil {
			log.Errorf("Wallet(%s): unable to remove failed "+
				"payment %s: %v", w.cfg.Pubkey,
				inv.PaymentHash, derr)
		}

		log.Warnf("Wallet(%s): payment %s failed: %v", w.cfg.Pubkey,
			inv.PaymentHash, err)

		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	// Internal transfers never touch the node and carry no preimage.
	if res.Preimage != "" {
		err = verifyPreimage(res.Preimage, inv.PaymentHash)
	}
	if err != nil {
		release()
		log.Criticalf("Wallet(%s): backend returned bad preimage "+
			"for payment %s: %v", w.cfg.Pubkey, inv.PaymentHash,
			err)

		if derr := q.DeletePayment(
			w.cfg.Pubkey, inv.PaymentHash,
		); derr != nil {
			log.Errorf("Wallet(%s): unable to remove payment "+
				"%s: %v", w.cfg.Pubkey, inv.PaymentHash, derr)
		}

		return nil, err
	}

	return w.commitPayment(q, inv, amount, res)
}

// admitPayment reserves amount plus the fee estimate against the wallet's
// balance, net of all existing reservations.
func (w *Wallet) admitPayment(inv *Invoice, amount int64,
	route []RouteHop) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.pending[inv.PaymentHash]; ok {
		return ErrDuplicatePayment
	}
	if len(w.pending) >= w.cfg.MaxPaymentsInFlight {
		return ErrRateLimited
	}

	feeEstimate := w.cfg.Fees.EstimatePaymentFeeMsat(
		w.state, amount, route,
	)
	lockAmount := amount + feeEstimate

	if lockAmount+w.lockedMsatLocked() > w.state.Balance {
		return ErrInsufficientBalance
	}

	w.pending[inv.PaymentHash] = lockAmount

	log.Debugf("Wallet(%s): admitted payment %s, locked %d msat "+
		"(estimate %d msat)", w.cfg.Pubkey, inv.PaymentHash,
		lockAmount, feeEstimate)

	return nil
}

// commitPayment computes the final fee from the actual backend fee, persists
// the debited state together with the settled payment row and releases the
// reservation.
func (w *Wallet) commitPayment(q Queries, inv *Invoice, amount int64,
	res *PaymentResult) (*PaymentResult, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	defer delete(w.pending, inv.PaymentHash)

	backendFee := res.FeesPaid
	totalFee := w.cfg.Fees.CalcPaymentFeeMsat(w.state, amount, backendFee)
	serviceFee := totalFee - backendFee

	newState := w.state
	newState.Balance -= amount + totalFee
	newState.FeeCredit -= serviceFee - w.cfg.Fees.PaymentFeeBaseMsat()
	if newState.FeeCredit < 0 {
		newState.FeeCredit = 0
	}

	err := q.SettlePayment(
		w.cfg.Pubkey, inv.PaymentHash, totalFee,
		w.cfg.Clock.Now().Unix(), serviceFee, res.Preimage, newState,
	)
	if err != nil {
		// The backend payment went through but the debit did not
		// persist. This needs operator attention.
		log.Criticalf("Wallet(%s): payment %s sent but settlement "+
			"not persisted: %v", w.cfg.Pubkey, inv.PaymentHash,
			err)

		return nil, fmt.Errorf("unable to settle payment: %w", err)
	}

	w.state = newState

	if newState.Balance < newState.FeeCredit {
		log.Criticalf("Wallet(%s): balance %d below fee credit %d "+
			"after payment %s", w.cfg.Pubkey, newState.Balance,
			newState.FeeCredit, inv.PaymentHash)
	}

	log.Infof("Wallet(%s): paid %s, amount=%d total_fee=%d "+
		"backend_fee=%d balance=%d", w.cfg.Pubkey, inv.PaymentHash,
		amount, totalFee, backendFee, newState.Balance)

	return &PaymentResult{
		Preimage: res.Preimage,
		FeesPaid: totalFee,
	}, nil
}

// ChargeWalletFee debits a flat service fee from the wallet and records it as
// a settled outgoing transaction.
func (w *Wallet) ChargeWalletFee(q Queries, feeMsat int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state.Balance < feeMsat {
		return ErrInsufficientBalance
	}

	newState := w.state
	newState.Balance -= feeMsat

	err := q.ChargeWalletFee(
		w.cfg.Pubkey, feeMsat, w.cfg.Clock.Now().Unix(), newState,
	)
	if err != nil {
		return fmt.Errorf("unable to charge wallet fee: %w", err)
	}

	w.state = newState

	log.Debugf("Wallet(%s): charged wallet fee %d msat, balance=%d",
		w.cfg.Pubkey, feeMsat, newState.Balance)

	return nil
}

// DecodeBolt11 parses a bolt11 invoice into the package's invoice type and
// the fee terms of its route hints.
func DecodeBolt11(bolt11 string, net *chaincfg.Params) (*Invoice, []RouteHop,
	error) {

	payReq, err := zpay32.Decode(bolt11, net)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to decode invoice: %w",
			err)
	}

	inv := &Invoice{
		Bolt11:      bolt11,
		PaymentHash: hex.EncodeToString(payReq.PaymentHash[:]),
		CreatedAt:   payReq.Timestamp.Unix(),
		ExpiresAt:   payReq.Timestamp.Add(payReq.Expiry()).Unix(),
	}
	if payReq.MilliSat != nil {
		inv.AmountMsat = int64(*payReq.MilliSat)
	}
	if payReq.Description != nil {
		inv.Description = *payReq.Description
	}
	if payReq.DescriptionHash != nil {
		inv.DescriptionHash = hex.EncodeToString(
			payReq.DescriptionHash[:],
		)
	}

	var route []RouteHop
	for _, hint := range payReq.RouteHints {
		for _, hop := range hint {
			route = append(route, RouteHop{
				BaseFeeMsat: int64(hop.FeeBaseMSat),
				PPMFee: int64(
					hop.FeeProportionalMillionths,
				),
			})
		}
	}

	return inv, route, nil
}

// verifyPreimage checks that the hex encoded preimage hashes to the hex
// encoded payment hash.
func verifyPreimage(preimageHex, hashHex string) error {
	preimage, err := lntypes.MakePreimageFromStr(preimageHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreimageMismatch, err)
	}
	hash, err := lntypes.MakeHashFromStr(hashHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPreimageMismatch, err)
	}
	if !preimage.Matches(hash) {
		return ErrPreimageMismatch
	}

	return nil
}
