// Package staking sizes martingale stakes so that each retry recovers the losses
// accumulated so far plus one target profit.
package staking

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrDomain is returned when the payout ratio cannot size a stake.
var ErrDomain = errors.New("invalid payout percent")

var hundred = decimal.NewFromInt(100)

// Stake returns round2((cumulativeLoss + targetProfit) / (payoutPercent / 100)).
func Stake(cumulativeLoss, targetProfit, payoutPercent float64) (float64, error) {
	if payoutPercent <= 0 {
		return 0, fmt.Errorf("%w: %v must be > 0", ErrDomain, payoutPercent)
	}

	payout := decimal.NewFromFloat(payoutPercent).Div(hundred)
	amount := decimal.NewFromFloat(cumulativeLoss).
		Add(decimal.NewFromFloat(targetProfit)).
		Div(payout).
		Round(2)

	return amount.InexactFloat64(), nil
}

// Ladder computes the stake for the entry trade (level 0) and each of the
// given number of martingale levels. Level 0 is the base stake; every later
// level recovers the sum of all prior levels plus one base stake of profit.
func Ladder(base, payoutPercent float64, levels int) ([]float64, error) {
	if levels < 0 {
		levels = 0
	}

	amounts := make([]float64, 0, levels+1)
	amounts = append(amounts, base)

	cumulative := decimal.NewFromFloat(base)
	for i := 1; i <= levels; i++ {
		stake, err := Stake(cumulative.InexactFloat64(), base, payoutPercent)
		if err != nil {
			return nil, err
		}
		amounts = append(amounts, stake)
		cumulative = cumulative.Add(decimal.NewFromFloat(stake))
	}

	return amounts, nil
}

// Total sums stakes without accumulating float error.
func Total(amounts []float64) float64 {
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(decimal.NewFromFloat(a))
	}
	return sum.InexactFloat64()
}
