// Package limits enforces per-instrument soft and hard weight limits.
//
// Limits are fractions of gross portfolio value. The soft limit is an
// advisory ceiling that stops further buys; the hard limit is never to be
// exceeded, not even by drift. All comparisons are done on market values
// (weight × gross) so no rounding of weights leaks into the decision.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/model"
)

var (
	// ErrSoftLimitExceeded is returned when a trade would push an
	// instrument's weight past its soft limit.
	ErrSoftLimitExceeded = errors.New("limits: soft position limit exceeded")

	// ErrHardLimitExceeded is returned when a trade would push an
	// instrument's weight past its hard limit.
	ErrHardLimitExceeded = errors.New("limits: hard position limit exceeded")
)

// AmountScale is the number of decimal places trade amounts are cut to.
const AmountScale int32 = 2

// Checker evaluates trades against the limits of one fund snapshot.
type Checker struct {
	gross  decimal.Decimal
	limits map[string]model.PositionLimitSnapshot
}

// NewChecker creates a checker for a portfolio of the given gross value.
// Instruments without an entry in limits are unconstrained.
func NewChecker(gross decimal.Decimal, limits map[string]model.PositionLimitSnapshot) *Checker {
	if limits == nil {
		limits = map[string]model.PositionLimitSnapshot{}
	}
	return &Checker{gross: gross, limits: limits}
}

// Weight returns value as a fraction of gross, or zero for an empty portfolio.
func (c *Checker) Weight(value decimal.Decimal) decimal.Decimal {
	if !c.gross.IsPositive() {
		return decimal.Zero
	}
	return value.Div(c.gross)
}

// CheckLimit validates a signed trade delta on an instrument currently
// worth currentValue. Returns nil if the projected position is within
// limits. Sells that reduce a position never fail the soft check.
func (c *Checker) CheckLimit(isin string, currentValue, delta decimal.Decimal) error {
	lim, ok := c.limits[isin]
	if !ok || !c.gross.IsPositive() {
		return nil
	}
	projected := currentValue.Add(delta)

	// 1. Hard ceiling, always.
	if projected.GreaterThan(c.ceiling(lim.HardLimit)) {
		return ErrHardLimitExceeded
	}

	// 2. Soft ceiling only stops buys.
	if delta.IsPositive() && projected.GreaterThan(c.ceiling(lim.SoftLimit)) {
		return ErrSoftLimitExceeded
	}
	return nil
}

// CapBuy limits a desired buy to the soft boundary. The returned status is
// LimitSoft when the buy was reduced, LimitHard when even the capped buy
// would breach the hard limit (the amount is then zero), and LimitOK
// otherwise.
func (c *Checker) CapBuy(isin string, currentValue, desired decimal.Decimal) (decimal.Decimal, model.LimitStatus) {
	if !desired.IsPositive() {
		return desired, model.LimitOK
	}
	lim, ok := c.limits[isin]
	if !ok || !c.gross.IsPositive() {
		return desired, model.LimitOK
	}

	amount := desired
	status := model.LimitOK
	softCeiling := c.ceiling(lim.SoftLimit)
	if currentValue.Add(amount).GreaterThan(softCeiling) {
		room := softCeiling.Sub(currentValue)
		amount = decimal.Max(room, decimal.Zero).RoundDown(AmountScale)
		status = model.LimitSoft
	}

	if amount.IsPositive() && errors.Is(c.CheckLimit(isin, currentValue, amount), ErrHardLimitExceeded) {
		return decimal.Zero, model.LimitHard
	}
	return amount, status
}

// CapSell widens a desired sell (a non-positive delta) so the remaining
// position does not exceed the hard limit, and clamps it to the position
// value so nothing is oversold.
func (c *Checker) CapSell(isin string, currentValue, desired decimal.Decimal) decimal.Decimal {
	amount := desired
	if lim, ok := c.limits[isin]; ok && c.gross.IsPositive() {
		excess := currentValue.Sub(c.ceiling(lim.HardLimit))
		if excess.IsPositive() {
			forced := excess.RoundUp(AmountScale).Neg()
			amount = decimal.Min(amount, forced)
		}
	}
	if amount.Neg().GreaterThan(currentValue) {
		amount = currentValue.Neg()
	}
	return amount
}

// HardCeiling reports the maximum value an instrument may reach, and
// whether the instrument has limits at all.
func (c *Checker) HardCeiling(isin string) (decimal.Decimal, bool) {
	lim, ok := c.limits[isin]
	if !ok {
		return decimal.Zero, false
	}
	return c.ceiling(lim.HardLimit), true
}

func (c *Checker) ceiling(weight decimal.Decimal) decimal.Decimal {
	return weight.Mul(c.gross)
}
