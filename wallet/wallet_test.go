package wallet_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"

	"github.com/nostrband/walletd/fees"
	"github.com/nostrband/walletd/wallet"
)

var (
	testNet  = &chaincfg.RegressionNetParams
	testNow  = time.Unix(1700000000, 0)
	testCtx  = context.Background()
	alicePub = "alice"
)

// testPayment is a generated bolt11 invoice together with its preimage.
type testPayment struct {
	bolt11   string
	hash     string
	preimage string
}

// genInvoice creates a random signed bolt11 invoice. A zero amount produces an
// amountless invoice.
func genInvoice(t *testing.T, amountMsat int64,
	expiry time.Duration) *testPayment {

	t.Helper()

	var preimage [32]byte
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)

	hash := sha256.Sum256(preimage[:])

	opts := []func(*zpay32.Invoice){
		zpay32.Description("test"),
		zpay32.Expiry(expiry),
	}
	if amountMsat > 0 {
		opts = append(
			opts, zpay32.Amount(lnwire.MilliSatoshi(amountMsat)),
		)
	}

	inv, err := zpay32.NewInvoice(testNet, hash, testNow, opts...)
	require.NoError(t, err)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	bolt11, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			digest := chainhash.HashB(msg)
			return ecdsa.SignCompact(privKey, digest, true), nil
		},
	})
	require.NoError(t, err)

	return &testPayment{
		bolt11:   bolt11,
		hash:     hex.EncodeToString(hash[:]),
		preimage: hex.EncodeToString(preimage[:]),
	}
}

// newTestWallet creates a wallet around a fresh store and a default fee
// policy.
func newTestWallet(t *testing.T, state wallet.State) (*wallet.Wallet,
	*memStore, *fees.Policy) {

	t.Helper()

	store := newMemStore()
	require.NoError(t, store.UpdateWalletState(alicePub, state))

	policy := fees.NewPolicy(false)

	w := wallet.NewWallet(wallet.WalletConfig{
		Pubkey:              alicePub,
		State:               state,
		Fees:                policy,
		Net:                 testNet,
		Clock:               clock.NewTestClock(testNow),
		MaxPaymentsInFlight: wallet.DefaultMaxPaymentsInFlight,
	})

	return w, store, policy
}

// addInvoice inserts a completed incoming invoice row for the recipient.
func addInvoice(t *testing.T, store *memStore, recipient string,
	p *testPayment, amountMsat int64) *wallet.InvoiceInfo {

	t.Helper()

	id, err := store.CreateInvoice(recipient, testNow.Unix())
	require.NoError(t, err)

	inv, _, err := wallet.DecodeBolt11(p.bolt11, testNet)
	require.NoError(t, err)
	if inv.AmountMsat == 0 {
		inv.AmountMsat = amountMsat
	}

	require.NoError(t, store.CompleteInvoice(id, inv, "", false))

	info, err := store.GetInvoiceInfo(wallet.InvoiceRef{ID: id})
	require.NoError(t, err)

	return info
}

// payDirect runs an outgoing payment with a backend stand-in that settles
// immediately with the right preimage and the given backend fee.
func payDirect(w *wallet.Wallet, store *memStore, p *testPayment,
	amountMsat, backendFee int64) (*wallet.PaymentResult, error) {

	return w.PayInvoice(
		testCtx, store,
		&wallet.PayInvoiceReq{
			ClientPubkey: alicePub,
			Bolt11:       p.bolt11,
			AmountMsat:   amountMsat,
		},
		func(_ context.Context, _ *wallet.Invoice,
			_ *wallet.PayInvoiceReq) (*wallet.PaymentResult,
			error) {

			return &wallet.PaymentResult{
				Preimage: p.preimage,
				FeesPaid: backendFee,
			}, nil
		},
	)
}

// TestSettleInvoice checks that settling an incoming payment credits the
// balance and extends the virtual channel, charging the liquidity and mining
// fees into the fee credit.
func TestSettleInvoice(t *testing.T) {
	t.Parallel()

	const amount int64 = 10_000_000

	w, store, policy := newTestWallet(t, wallet.State{})

	// A fifth of the auto-liquidity estimate is outstanding, so a channel
	// extension of ext msat owes ext/10 in mining fees.
	policy.SetMiningFeeEstimate(fees.AutoLiquidityMsat / 10)

	p := genInvoice(t, amount, time.Hour)
	info := addInvoice(t, store, alicePub, p, amount)

	settled, err := w.SettleInvoice(store, info, &wallet.IncomingPayment{
		PaymentHash: p.hash,
		Preimage:    p.preimage,
		SettledAt:   testNow.Unix(),
		ExternalID:  info.ID,
	})
	require.NoError(t, err)
	require.True(t, settled)

	miningFee := amount / 10
	serviceFee := amount / 100

	state := w.State()
	require.Equal(t, amount, state.Balance)
	require.Equal(t, amount, state.ChannelSize)
	require.Equal(t, miningFee+serviceFee, state.FeeCredit)

	// The committed state and the mining fee total must match the store.
	require.Equal(t, state, store.walletState(alicePub))
	received, _ := policy.MiningFeeTotals()
	require.Equal(t, miningFee, received)

	row, ok := store.invoiceRowFor(info.ID)
	require.True(t, ok)
	require.True(t, row.isPaid)
	require.Equal(t, p.preimage, row.preimage)
}

// TestSettleInvoiceIdempotent checks that a second settlement of the same
// invoice changes nothing.
func TestSettleInvoiceIdempotent(t *testing.T) {
	t.Parallel()

	const amount int64 = 5_000_000

	w, store, _ := newTestWallet(t, wallet.State{})

	p := genInvoice(t, amount, time.Hour)
	info := addInvoice(t, store, alicePub, p, amount)

	ev := &wallet.IncomingPayment{
		PaymentHash: p.hash,
		Preimage:    p.preimage,
		SettledAt:   testNow.Unix(),
		ExternalID:  info.ID,
	}

	settled, err := w.SettleInvoice(store, info, ev)
	require.NoError(t, err)
	require.True(t, settled)

	stateAfter := w.State()

	settled, err = w.SettleInvoice(store, info, ev)
	require.NoError(t, err)
	require.False(t, settled)

	require.Equal(t, stateAfter, w.State())
	require.Equal(t, stateAfter, store.walletState(alicePub))
}

// TestSettleInvoiceWithinChannel checks that a settlement fitting into the
// existing channel charges no fees.
func TestSettleInvoiceWithinChannel(t *testing.T) {
	t.Parallel()

	const amount int64 = 1_000_000

	start := wallet.State{Balance: 0, ChannelSize: 10_000_000}
	w, store, policy := newTestWallet(t, start)
	policy.SetMiningFeeEstimate(fees.AutoLiquidityMsat)

	p := genInvoice(t, amount, time.Hour)
	info := addInvoice(t, store, alicePub, p, amount)

	settled, err := w.SettleInvoice(store, info, &wallet.IncomingPayment{
		PaymentHash: p.hash,
		Preimage:    p.preimage,
		SettledAt:   testNow.Unix(),
		ExternalID:  info.ID,
	})
	require.NoError(t, err)
	require.True(t, settled)

	state := w.State()
	require.Equal(t, amount, state.Balance)
	require.Equal(t, start.ChannelSize, state.ChannelSize)
	require.Zero(t, state.FeeCredit)
}

// TestPayInvoice checks the happy path of an outgoing payment: the amount
// plus the actual backend fee plus the base service fee leave the balance and
// the payment row settles with the preimage.
func TestPayInvoice(t *testing.T) {
	t.Parallel()

	const (
		balance    int64 = 100_000_000
		amount     int64 = 10_000_000
		backendFee int64 = 30_000
	)

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, policy := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)

	res, err := payDirect(w, store, p, 0, backendFee)
	require.NoError(t, err)

	totalFee := backendFee + policy.PaymentFeeBaseMsat()
	require.Equal(t, p.preimage, res.Preimage)
	require.Equal(t, totalFee, res.FeesPaid)

	state := w.State()
	require.Equal(t, balance-amount-totalFee, state.Balance)
	require.Zero(t, state.FeeCredit)
	require.Equal(t, state, store.walletState(alicePub))
	require.Zero(t, w.PendingLockedMsat())

	row, ok := store.paymentRowFor(alicePub, p.hash)
	require.True(t, ok)
	require.True(t, row.settled)
	require.Equal(t, p.preimage, row.preimage)
	require.Equal(t, totalFee, row.feesPaid)
}

// TestPayInvoiceRepaysFeeCredit checks that an outgoing payment repays a
// proportional share of the wallet's fee credit.
func TestPayInvoiceRepaysFeeCredit(t *testing.T) {
	t.Parallel()

	const (
		balance int64 = 100_000_000
		credit  int64 = 1_000_000
		amount  int64 = 10_000_000
	)

	start := wallet.State{
		Balance:     balance,
		ChannelSize: balance,
		FeeCredit:   credit,
	}
	w, store, policy := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)

	res, err := payDirect(w, store, p, 0, 0)
	require.NoError(t, err)

	// ceil(amount * credit / (balance - credit)) on top of the base fee.
	repaid := int64(101_011)
	totalFee := policy.PaymentFeeBaseMsat() + repaid
	require.Equal(t, totalFee, res.FeesPaid)

	state := w.State()
	require.Equal(t, balance-amount-totalFee, state.Balance)
	require.Equal(t, credit-repaid, state.FeeCredit)
}

// TestPayInvoiceAmountless checks paying a zero-amount invoice with a caller
// supplied amount, and that the amount is required.
func TestPayInvoiceAmountless(t *testing.T) {
	t.Parallel()

	const balance int64 = 100_000_000

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, _ := newTestWallet(t, start)

	p := genInvoice(t, 0, time.Hour)

	_, err := payDirect(w, store, p, 0, 0)
	require.ErrorIs(t, err, wallet.ErrAmountNotWholeSat)

	_, err = payDirect(w, store, p, 1234, 0)
	require.ErrorIs(t, err, wallet.ErrAmountNotWholeSat)

	res, err := payDirect(w, store, p, 5_000_000, 0)
	require.NoError(t, err)
	require.Equal(t, p.preimage, res.Preimage)
}

// TestPayInvoiceInsufficientBalance checks that a payment whose amount plus
// fee estimate exceeds the balance is rejected without side effects.
func TestPayInvoiceInsufficientBalance(t *testing.T) {
	t.Parallel()

	const amount int64 = 10_000_000

	// The balance covers the amount but not the fee estimate on top.
	start := wallet.State{Balance: amount, ChannelSize: amount}
	w, store, _ := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)

	_, err := payDirect(w, store, p, 0, 0)
	require.ErrorIs(t, err, wallet.ErrInsufficientBalance)

	require.Zero(t, w.PendingLockedMsat())
	require.Equal(t, start, w.State())

	_, ok := store.paymentRowFor(alicePub, p.hash)
	require.False(t, ok)
}

// TestPayInvoiceFailure checks that a failed backend payment releases the
// reservation and removes the pending row, so a retry can succeed.
func TestPayInvoiceFailure(t *testing.T) {
	t.Parallel()

	const (
		balance int64 = 100_000_000
		amount  int64 = 10_000_000
	)

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, _ := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)

	_, err := w.PayInvoice(
		testCtx, store,
		&wallet.PayInvoiceReq{ClientPubkey: alicePub, Bolt11: p.bolt11},
		func(_ context.Context, _ *wallet.Invoice,
			_ *wallet.PayInvoiceReq) (*wallet.PaymentResult,
			error) {

			return nil, errors.New("no route")
		},
	)
	require.ErrorIs(t, err, wallet.ErrPaymentFailed)

	require.Zero(t, w.PendingLockedMsat())
	require.Equal(t, start, w.State())

	_, ok := store.paymentRowFor(alicePub, p.hash)
	require.False(t, ok)

	// The retry goes through.
	_, err = payDirect(w, store, p, 0, 0)
	require.NoError(t, err)
}

// TestPayInvoiceBadPreimage checks that a backend result whose preimage
// doesn't hash to the payment hash is rejected and the payment row removed.
func TestPayInvoiceBadPreimage(t *testing.T) {
	t.Parallel()

	const (
		balance int64 = 100_000_000
		amount  int64 = 10_000_000
	)

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, _ := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)
	other := genInvoice(t, amount, time.Hour)

	_, err := w.PayInvoice(
		testCtx, store,
		&wallet.PayInvoiceReq{ClientPubkey: alicePub, Bolt11: p.bolt11},
		func(_ context.Context, _ *wallet.Invoice,
			_ *wallet.PayInvoiceReq) (*wallet.PaymentResult,
			error) {

			return &wallet.PaymentResult{
				Preimage: other.preimage,
			}, nil
		},
	)
	require.ErrorIs(t, err, wallet.ErrPreimageMismatch)

	require.Zero(t, w.PendingLockedMsat())
	require.Equal(t, start, w.State())

	_, ok := store.paymentRowFor(alicePub, p.hash)
	require.False(t, ok)
}

// TestPayInvoiceDuplicate checks that a payment is admitted only once while
// the first attempt is still in flight.
func TestPayInvoiceDuplicate(t *testing.T) {
	t.Parallel()

	const (
		balance int64 = 100_000_000
		amount  int64 = 10_000_000
	)

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, _ := newTestWallet(t, start)

	p := genInvoice(t, amount, time.Hour)

	admitted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := w.PayInvoice(
			testCtx, store,
			&wallet.PayInvoiceReq{
				ClientPubkey: alicePub,
				Bolt11:       p.bolt11,
			},
			func(_ context.Context, _ *wallet.Invoice,
				_ *wallet.PayInvoiceReq) (
				*wallet.PaymentResult, error) {

				close(admitted)
				<-release

				return &wallet.PaymentResult{
					Preimage: p.preimage,
				}, nil
			},
		)
		done <- err
	}()

	<-admitted

	_, err := payDirect(w, store, p, 0, 0)
	require.ErrorIs(t, err, wallet.ErrDuplicatePayment)

	close(release)
	require.NoError(t, <-done)
}

// TestPayInvoiceInFlightLimit checks the per-wallet cap on concurrent
// payments.
func TestPayInvoiceInFlightLimit(t *testing.T) {
	t.Parallel()

	const (
		balance int64 = 100_000_000
		amount  int64 = 10_000_000
	)

	store := newMemStore()
	require.NoError(t, store.UpdateWalletState(
		alicePub, wallet.State{Balance: balance, ChannelSize: balance},
	))

	w := wallet.NewWallet(wallet.WalletConfig{
		Pubkey: alicePub,
		State: wallet.State{
			Balance: balance, ChannelSize: balance,
		},
		Fees:                fees.NewPolicy(false),
		Net:                 testNet,
		Clock:               clock.NewTestClock(testNow),
		MaxPaymentsInFlight: 1,
	})

	first := genInvoice(t, amount, time.Hour)
	second := genInvoice(t, amount, time.Hour)

	admitted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := w.PayInvoice(
			testCtx, store,
			&wallet.PayInvoiceReq{
				ClientPubkey: alicePub,
				Bolt11:       first.bolt11,
			},
			func(_ context.Context, _ *wallet.Invoice,
				_ *wallet.PayInvoiceReq) (
				*wallet.PaymentResult, error) {

				close(admitted)
				<-release

				return &wallet.PaymentResult{
					Preimage: first.preimage,
				}, nil
			},
		)
		done <- err
	}()

	<-admitted

	_, err := payDirect(w, store, second, 0, 0)
	require.ErrorIs(t, err, wallet.ErrRateLimited)

	close(release)
	require.NoError(t, <-done)
}

// TestConcurrentAdmission checks that concurrent payments can never reserve
// more than the wallet's balance: with room for four reservations, exactly
// four out of ten concurrent attempts are admitted.
func TestConcurrentAdmission(t *testing.T) {
	t.Parallel()

	const (
		balance     int64 = 50_000_000
		amount      int64 = 10_000_000
		numAttempts       = 10
		expectOK          = 4
	)

	start := wallet.State{Balance: balance, ChannelSize: balance}
	w, store, _ := newTestWallet(t, start)

	preimages := make(map[string]string)
	var payments []*testPayment
	for i := 0; i < numAttempts; i++ {
		p := genInvoice(t, amount, time.Hour)
		preimages[p.hash] = p.preimage
		payments = append(payments, p)
	}

	admitted := make(chan struct{}, numAttempts)
	release := make(chan struct{})
	results := make(chan error, numAttempts)

	for _, p := range payments {
		go func(p *testPayment) {
			_, err := w.PayInvoice(
				testCtx, store,
				&wallet.PayInvoiceReq{
					ClientPubkey: alicePub,
					Bolt11:       p.bolt11,
				},
				func(_ context.Context, inv *wallet.Invoice,
					_ *wallet.PayInvoiceReq) (
					*wallet.PaymentResult, error) {

					admitted <- struct{}{}
					<-release

					return &wallet.PaymentResult{
						Preimage: preimages[inv.PaymentHash],
					}, nil
				},
			)
			results <- err
		}(p)
	}

	// Wait until every attempt either reserved funds or was turned away.
	var numAdmitted, numRejected int
	for numAdmitted+numRejected < numAttempts {
		select {
		case <-admitted:
			numAdmitted++

		case err := <-results:
			require.ErrorIs(t, err, wallet.ErrInsufficientBalance)
			numRejected++

		case <-time.After(10 * time.Second):
			t.Fatal("admission decisions timed out")
		}
	}

	require.Equal(t, expectOK, numAdmitted)
	require.LessOrEqual(t, w.PendingLockedMsat(), balance)

	close(release)
	for i := 0; i < numAdmitted; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)

		case <-time.After(10 * time.Second):
			t.Fatal("payments timed out")
		}
	}

	require.Zero(t, w.PendingLockedMsat())
	require.GreaterOrEqual(t, w.State().Balance, int64(0))
}

// TestChargeWalletFee checks the flat wallet fee debit and its insufficient
// balance guard.
func TestChargeWalletFee(t *testing.T) {
	t.Parallel()

	start := wallet.State{Balance: 10_000, ChannelSize: 10_000}
	w, store, _ := newTestWallet(t, start)

	require.NoError(t, w.ChargeWalletFee(store, 6_000))
	require.EqualValues(t, 4_000, w.State().Balance)
	require.Equal(t, w.State(), store.walletState(alicePub))

	err := w.ChargeWalletFee(store, 6_000)
	require.ErrorIs(t, err, wallet.ErrInsufficientBalance)
	require.EqualValues(t, 4_000, w.State().Balance)
}

// TestDecodeBolt11 checks the invoice decoder's field mapping.
func TestDecodeBolt11(t *testing.T) {
	t.Parallel()

	const amount int64 = 25_000_000

	p := genInvoice(t, amount, 2*time.Hour)

	inv, route, err := wallet.DecodeBolt11(p.bolt11, testNet)
	require.NoError(t, err)

	require.Equal(t, p.bolt11, inv.Bolt11)
	require.Equal(t, p.hash, inv.PaymentHash)
	require.Equal(t, amount, inv.AmountMsat)
	require.Equal(t, "test", inv.Description)
	require.Equal(t, testNow.Unix(), inv.CreatedAt)
	require.Equal(t, testNow.Add(2*time.Hour).Unix(), inv.ExpiresAt)
	require.Empty(t, route)

	_, _, err = wallet.DecodeBolt11("lnbcrt1garbage", testNet)
	require.Error(t, err)
}
