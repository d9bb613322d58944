package fees

import (
	"testing"

	"github.com/nostrband/walletd/wallet"

	"github.com/stretchr/testify/require"
)

// TestCalcMiningFeeMsat checks that mining fee charges close the gap between
// the backend's estimate and what was collected so far, apportioned over the
// auto-liquidity amount.
func TestCalcMiningFeeMsat(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		estimate  int64
		received  int64
		paid      int64
		extension int64
		expected  int64
	}{{
		name:      "no estimate",
		extension: 100_000_000,
		expected:  0,
	}, {
		name:      "full estimate outstanding",
		estimate:  10_000_000,
		extension: AutoLiquidityMsat,
		expected:  10_000_000,
	}, {
		name:      "proportional share",
		estimate:  10_000_000,
		extension: AutoLiquidityMsat / 10,
		expected:  1_000_000,
	}, {
		name:      "partially collected",
		estimate:  10_000_000,
		received:  4_000_000,
		extension: AutoLiquidityMsat,
		expected:  6_000_000,
	}, {
		name:      "collections offset by payments",
		estimate:  10_000_000,
		received:  4_000_000,
		paid:      4_000_000,
		extension: AutoLiquidityMsat,
		expected:  10_000_000,
	}, {
		name:      "overcharged",
		estimate:  10_000_000,
		received:  15_000_000,
		extension: AutoLiquidityMsat,
		expected:  0,
	}, {
		name:      "rounds up",
		estimate:  1,
		extension: 1000,
		expected:  1,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := NewPolicy(false)
			p.Seed(tc.received, tc.paid)
			p.SetMiningFeeEstimate(tc.estimate)

			require.Equal(
				t, tc.expected,
				p.CalcMiningFeeMsat(tc.extension),
			)
		})
	}
}

// TestCalcLiquidityServiceFeeMsat checks the liquidity service fee rounds up
// to whole msat.
func TestCalcLiquidityServiceFeeMsat(t *testing.T) {
	t.Parallel()

	p := NewPolicy(false)

	require.EqualValues(t, 10_000, p.CalcLiquidityServiceFeeMsat(1_000_000))
	require.EqualValues(t, 1, p.CalcLiquidityServiceFeeMsat(1))
	require.EqualValues(t, 0, p.CalcLiquidityServiceFeeMsat(0))
}

// TestPaymentFees checks the outgoing payment fee schedule, including the
// fee credit amortization.
func TestPaymentFees(t *testing.T) {
	t.Parallel()

	p := NewPolicy(false)

	// No fee credit: the backend formula plus our base fee.
	state := wallet.State{Balance: 1_000_000}
	est := p.EstimatePaymentFeeMsat(state, 100_000, nil)
	require.EqualValues(t, 400+4_000+1_000, est)

	// The final fee replaces the backend estimate with the actual
	// backend fee.
	fee := p.CalcPaymentFeeMsat(state, 100_000, 2_500)
	require.EqualValues(t, 2_500+1_000, fee)

	// Fee credit is amortized over the available balance: paying 10% of
	// the available balance repays 10% of the credit.
	state = wallet.State{Balance: 1_100_000, FeeCredit: 100_000}
	fee = p.CalcPaymentFeeMsat(state, 100_000, 0)
	require.EqualValues(t, 1_000+10_000, fee)

	// No available balance left: the whole credit is charged.
	state = wallet.State{Balance: 50_000, FeeCredit: 50_000}
	fee = p.CalcPaymentFeeMsat(state, 10_000, 0)
	require.EqualValues(t, 1_000+50_000, fee)
}

// TestInternalWalletWaivesBaseFee checks that internal wallet mode drops the
// base service fee but keeps the credit amortization.
func TestInternalWalletWaivesBaseFee(t *testing.T) {
	t.Parallel()

	p := NewPolicy(true)

	require.EqualValues(t, 0, p.PaymentFeeBaseMsat())

	state := wallet.State{Balance: 1_100_000, FeeCredit: 100_000}
	fee := p.CalcPaymentFeeMsat(state, 100_000, 0)
	require.EqualValues(t, 10_000, fee)
}

// TestMiningFeeTotals checks the running totals move with settlements and
// liquidity purchases.
func TestMiningFeeTotals(t *testing.T) {
	t.Parallel()

	p := NewPolicy(false)
	p.Seed(1_000, 2_000)

	p.AddMiningFeeReceived(500)
	p.AddMiningFeePaid(300)

	received, paid := p.MiningFeeTotals()
	require.EqualValues(t, 1_500, received)
	require.EqualValues(t, 2_300, paid)
}
