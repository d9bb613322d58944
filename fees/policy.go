package fees

import (
	"math"
	"sync"

	"github.com/nostrband/walletd/wallet"
)

const (
	// AutoLiquidityMsat is the amount of inbound liquidity the phoenixd
	// backend buys whenever it runs out of receive capacity. The backend
	// reports a single lump-sum mining fee estimate for a purchase of this
	// size, which we then apportion over individual wallet channel
	// extensions.
	AutoLiquidityMsat int64 = 2_000_000_000

	// LiquidityServiceFeeRate is the fraction the backend charges as its
	// liquidity service fee on every channel extension.
	LiquidityServiceFeeRate = 0.01

	// paymentFeeRate is the proportional fee the backend charges on every
	// outgoing payment.
	paymentFeeRate = 0.004

	// paymentFeeBaseMsat is the flat fee the backend charges on every
	// outgoing payment.
	paymentFeeBaseMsat int64 = 4_000

	// serviceFeeBaseMsat is our own flat fee added on top of the backend
	// fee for every outgoing payment.
	serviceFeeBaseMsat int64 = 1_000
)

// Policy converts backend-reported mining and liquidity costs into per-wallet
// charges. All computations are pure functions of their inputs plus three
// process-wide running totals: the current mining fee estimate and the mining
// fees received from wallets and paid to the backend so far.
//
// The methods that mutate the running totals are safe for concurrent use.
type Policy struct {
	mtx sync.Mutex

	// miningFeeEstimate is the backend's current estimate of the mining
	// fee for one auto-liquidity purchase, refreshed periodically.
	miningFeeEstimate int64

	// miningFeePaid is the total mining fee charged to us by the backend,
	// monotonically increasing, seeded from the store at startup.
	miningFeePaid int64

	// miningFeeReceived is the total mining fee we have charged to
	// wallets, monotonically increasing, seeded from the store at startup.
	miningFeeReceived int64

	// internalWallet disables the base service fee, used when the daemon
	// serves a single internal wallet and shouldn't profit from it.
	internalWallet bool
}

// A compile time assertion that Policy satisfies the wallet.FeePolicy
// contract.
var _ wallet.FeePolicy = (*Policy)(nil)

// NewPolicy creates a fee policy. If internalWallet is set, the base service
// fee on outgoing payments is waived.
func NewPolicy(internalWallet bool) *Policy {
	return &Policy{
		internalWallet: internalWallet,
	}
}

// Seed initializes the running mining fee totals from persisted values. It
// must be called before any other method.
func (p *Policy) Seed(received, paid int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.miningFeeReceived = received
	p.miningFeePaid = paid
}

// SetMiningFeeEstimate updates the backend's lump-sum mining fee estimate for
// a single auto-liquidity purchase.
func (p *Policy) SetMiningFeeEstimate(msat int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.miningFeeEstimate = msat
}

// AddMiningFeeReceived records a mining fee charged to a wallet on a channel
// extension.
func (p *Policy) AddMiningFeeReceived(msat int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.miningFeeReceived += msat
}

// AddMiningFeePaid records a mining fee the backend charged us on a new
// liquidity purchase.
func (p *Policy) AddMiningFeePaid(msat int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.miningFeePaid += msat
}

// MiningFeeTotals returns the running received/paid mining fee totals.
func (p *Policy) MiningFeeTotals() (int64, int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.miningFeeReceived, p.miningFeePaid
}

// LiquidityServiceFeeRate returns the fraction charged on each channel
// extension.
func (p *Policy) LiquidityServiceFeeRate() float64 {
	return LiquidityServiceFeeRate
}

// PaymentFeeBaseMsat returns our flat service fee per outgoing payment.
func (p *Policy) PaymentFeeBaseMsat() int64 {
	if p.internalWallet {
		return 0
	}
	return serviceFeeBaseMsat
}

// CalcMiningFeeMsat returns the mining fee to charge a wallet for extending
// its virtual channel by extensionMsat. The charge closes the gap between the
// backend's mining fee estimate and what we have collected from wallets so
// far, spread proportionally over the auto-liquidity amount so the totals
// converge toward the real estimate as more wallets extend capacity.
func (p *Policy) CalcMiningFeeMsat(extensionMsat int64) int64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	// How much more we have received than we have paid.
	miningFeeBalance := p.miningFeeReceived - p.miningFeePaid

	// The fee we still need to collect to get closer to the estimate.
	targetFee := p.miningFeeEstimate - miningFeeBalance

	log.Debugf("calcMiningFeeMsat: extension=%d target=%d estimate=%d "+
		"received=%d paid=%d", extensionMsat, targetFee,
		p.miningFeeEstimate, p.miningFeeReceived, p.miningFeePaid)

	// Already overcharged?
	if targetFee <= 0 {
		return 0
	}

	return ceilDiv(targetFee*extensionMsat, AutoLiquidityMsat)
}

// servicePaymentFeeMsat is our own fee on an outgoing payment: the flat base
// fee plus the wallet's accumulated fee credit amortized over its available
// balance, so heavier spenders repay liquidity costs faster.
func (p *Policy) servicePaymentFeeMsat(state wallet.State, amountMsat int64) int64 {
	fee := p.PaymentFeeBaseMsat()

	available := state.Balance - state.FeeCredit
	if state.FeeCredit > 0 && available > 0 {
		fee += ceilDiv(amountMsat*state.FeeCredit, available)
	} else if state.FeeCredit > 0 {
		// No available balance left to amortize over, charge the
		// remaining credit in full.
		fee += state.FeeCredit
	}

	return fee
}

// EstimatePaymentFeeMsat returns an upper-bound fee estimate for an outgoing
// payment, used to reserve balance before the payment is attempted. The
// backend charges floor(0.4%) plus a flat base regardless of the actual
// routing fees, so the estimate is the backend formula plus our own fee. The
// prescribed route is accepted for interface symmetry with the final fee
// computation; the backend's flat+percentage schedule already covers any
// hinted hops.
func (p *Policy) EstimatePaymentFeeMsat(state wallet.State, amountMsat int64,
	_ []wallet.RouteHop) int64 {

	backendFee := int64(float64(amountMsat)*paymentFeeRate) +
		paymentFeeBaseMsat

	return backendFee + p.servicePaymentFeeMsat(state, amountMsat)
}

// CalcPaymentFeeMsat returns the final fee for a settled outgoing payment
// once the actual backend fee is known. Normally this converges with the
// estimate.
func (p *Policy) CalcPaymentFeeMsat(state wallet.State, amountMsat,
	backendFeeMsat int64) int64 {

	return backendFeeMsat + p.servicePaymentFeeMsat(state, amountMsat)
}

// CalcLiquidityServiceFeeMsat returns the liquidity service fee for a channel
// extension of the given size.
func (p *Policy) CalcLiquidityServiceFeeMsat(extensionMsat int64) int64 {
	return int64(math.Ceil(float64(extensionMsat) * LiquidityServiceFeeRate))
}

// ceilDiv divides a by b rounding up. Both operands must be positive.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
