// Package rebalance turns a fund snapshot into trades that move each
// instrument toward its model-portfolio weight.
//
// The engine is a deterministic single pass with no side effects:
//
//  1. every instrument held or present in the model gets a desired delta
//     (targetWeight − currentWeight) × gross;
//  2. buys are capped at the soft limit and refused past the hard limit,
//     sells are widened so drift above the hard limit is sold down;
//  3. buys are fitted into free cash, dropping instruments whose share
//     falls under the minimum transaction and redistributing the rest;
//  4. trades under the minimum are discarded (fast-sell sells excepted)
//     and the mode keeps one side only.
//
// REBALANCE skips step 3 and keeps both sides, aiming every instrument at
// its normalized weight of net investable value. SELL_FAST is a separate
// liquidation path: it covers negative free cash from fast-sell
// instruments first, pro rata, and only then from the rest.
//
// All monetary values use shopspring/decimal, never float64.
package rebalance

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/limits"
	"github.com/pensionops/rebalancer/internal/model"
)

var (
	// ErrUnknownMode is returned for a mode the engine does not implement.
	ErrUnknownMode = errors.New("rebalance: unknown transaction mode")

	// ErrNilInput is returned when no input snapshot is supplied.
	ErrNilInput = errors.New("rebalance: nil input")

	// ThresholdTolerance is subtracted from the minimum transaction when
	// deciding whether a distributed buy is large enough to keep.
	ThresholdTolerance = decimal.New(1, -2)
)

const (
	// AmountScale is the number of decimal places for trade amounts.
	AmountScale int32 = limits.AmountScale

	// WeightScale is the number of decimal places for projected weights.
	WeightScale int32 = 6

	// MaxIterations bounds the threshold-aware redistribution of buys.
	MaxIterations = 20

	// shareScale is the precision of pro rata shares in fast liquidation.
	shareScale int32 = 10
)

// cashTolerance is how far below zero free cash may sit before a
// liquidation is needed.
var cashTolerance = decimal.New(1, -2)

// Engine computes rebalancing trades. It is stateless.
type Engine struct{}

// NewEngine creates a rebalancing engine.
func NewEngine() *Engine {
	return &Engine{}
}

type candidate struct {
	isin     string
	current  decimal.Decimal
	amount   decimal.Decimal
	status   model.LimitStatus
	fastSell bool
}

// Calculate returns the trades for input in the given mode, ordered by ISIN.
func (e *Engine) Calculate(input *model.FundTransactionInput, mode model.TransactionMode) (*model.FundCalculationResult, error) {
	if input == nil {
		return nil, ErrNilInput
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	result := &model.FundCalculationResult{
		Fund:   input.Fund,
		Mode:   mode,
		Input:  input,
		Trades: []model.TradeCalculation{},
	}
	gross := input.GrossPortfolioValue
	if !gross.IsPositive() {
		return result, nil
	}

	checker := limits.NewChecker(gross, input.PositionLimits)
	var candidates []candidate
	switch mode {
	case model.ModeSellFast:
		candidates = e.liquidate(input)
	case model.ModeRebalance:
		candidates = e.desiredTrades(input, checker, normalizedTargets(input))
	default:
		candidates = e.desiredTrades(input, checker, func(w decimal.Decimal) decimal.Decimal {
			return w.Mul(gross)
		})
		fitBuysToCash(candidates, input.FreeCash, input.MinTransactionThreshold)
	}

	for _, c := range candidates {
		if !keep(c, mode, input.MinTransactionThreshold) {
			continue
		}
		result.Trades = append(result.Trades, model.TradeCalculation{
			ISIN:            c.isin,
			Amount:          c.amount,
			ProjectedWeight: checker.Weight(c.current.Add(c.amount)).Round(WeightScale),
			LimitStatus:     c.status,
		})
	}
	return result, nil
}

// heldValues sums market value per ISIN.
func heldValues(input *model.FundTransactionInput) map[string]decimal.Decimal {
	values := make(map[string]decimal.Decimal)
	for _, p := range input.Positions {
		values[p.ISIN] = values[p.ISIN].Add(p.MarketValue)
	}
	return values
}

// normalizedTargets scales model weights to sum to one and applies them to
// net investable value: gross less cash buffer and liabilities.
func normalizedTargets(input *model.FundTransactionInput) func(decimal.Decimal) decimal.Decimal {
	net := input.GrossPortfolioValue.Sub(input.CashBuffer).Sub(input.Liabilities.Abs())
	total := decimal.Zero
	for _, w := range modelWeights(input) {
		total = total.Add(w)
	}
	if total.IsZero() {
		total = decimal.NewFromInt(1)
	}
	return func(w decimal.Decimal) decimal.Decimal {
		return w.Mul(net).Div(total)
	}
}

// modelWeights indexes the model by ISIN; a repeated ISIN keeps its last weight.
func modelWeights(input *model.FundTransactionInput) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal)
	for _, w := range input.ModelWeights {
		weights[w.ISIN] = w.Weight
	}
	return weights
}

// desiredTrades computes the limit-adjusted delta for every instrument in
// the union of positions and model weights. target maps a model weight to
// the market value the instrument should reach.
func (e *Engine) desiredTrades(input *model.FundTransactionInput, checker *limits.Checker, target func(decimal.Decimal) decimal.Decimal) []candidate {
	values := heldValues(input)
	weights := modelWeights(input)

	universe := make([]string, 0, len(values)+len(weights))
	for isin := range values {
		universe = append(universe, isin)
	}
	for isin := range weights {
		if _, held := values[isin]; !held {
			universe = append(universe, isin)
		}
	}
	sort.Strings(universe)

	candidates := make([]candidate, 0, len(universe))
	for _, isin := range universe {
		current := values[isin]
		// Absent from the model means target zero: a full exit.
		desired := target(weights[isin]).Sub(current)

		c := candidate{
			isin:     isin,
			current:  current,
			status:   model.LimitOK,
			fastSell: input.FastSellISINs[isin],
		}
		if desired.IsPositive() {
			c.amount, c.status = checker.CapBuy(isin, current, desired.RoundDown(AmountScale))
		} else {
			c.amount = desired.Round(AmountScale)
		}
		if !c.amount.IsPositive() {
			// Drift above the hard limit is sold down even when the
			// model asks for more.
			c.amount = checker.CapSell(isin, current, c.amount)
			if c.amount.IsNegative() {
				c.status = model.LimitOK
			}
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// liquidate sells just enough to lift free cash back to zero. Fast-sell
// holdings go first, pro rata to their value, or entirely when they cannot
// cover the need on their own; the remainder is spread pro rata over the
// other holdings.
func (e *Engine) liquidate(input *model.FundTransactionInput) []candidate {
	if input.FreeCash.GreaterThanOrEqual(cashTolerance.Neg()) {
		return nil
	}
	need := input.FreeCash.Abs()

	values := heldValues(input)
	isins := make([]string, 0, len(values))
	for isin := range values {
		isins = append(isins, isin)
	}
	sort.Strings(isins)

	var fast, slow []int
	fastTotal, slowTotal := decimal.Zero, decimal.Zero
	candidates := make([]candidate, len(isins))
	for i, isin := range isins {
		candidates[i] = candidate{
			isin:     isin,
			current:  values[isin],
			amount:   decimal.Zero,
			status:   model.LimitOK,
			fastSell: input.FastSellISINs[isin],
		}
		if !values[isin].IsPositive() {
			continue
		}
		if candidates[i].fastSell {
			fast = append(fast, i)
			fastTotal = fastTotal.Add(values[isin])
		} else {
			slow = append(slow, i)
			slowTotal = slowTotal.Add(values[isin])
		}
	}

	fromFast := decimal.Min(need, fastTotal)
	for _, i := range fast {
		c := &candidates[i]
		if need.GreaterThanOrEqual(fastTotal) {
			c.amount = c.current.Neg()
			continue
		}
		share := c.current.DivRound(fastTotal, shareScale)
		c.amount = decimal.Min(fromFast.Mul(share).Round(AmountScale), c.current).Neg()
	}

	remaining := need.Sub(fromFast)
	if remaining.LessThanOrEqual(cashTolerance) || slowTotal.IsZero() {
		return candidates
	}
	for _, i := range slow {
		c := &candidates[i]
		share := c.current.DivRound(slowTotal, shareScale)
		c.amount = decimal.Min(remaining.Mul(share).Round(AmountScale), c.current).Neg()
	}
	return candidates
}

// fitBuysToCash scales positive amounts so their total never exceeds
// freeCash. Sells are left untouched.
func fitBuysToCash(candidates []candidate, freeCash, threshold decimal.Decimal) {
	var idx []int
	total := decimal.Zero
	for i, c := range candidates {
		if c.amount.IsPositive() {
			idx = append(idx, i)
			total = total.Add(c.amount)
		}
	}
	if len(idx) == 0 || total.LessThanOrEqual(freeCash) {
		return
	}
	if !freeCash.IsPositive() {
		for _, i := range idx {
			candidates[i].amount = decimal.Zero
		}
		return
	}

	scores := make([]decimal.Decimal, len(idx))
	for k, i := range idx {
		scores[k] = candidates[i].amount
	}
	for k, allocation := range DistributeWithThreshold(scores, freeCash, threshold) {
		candidates[idx[k]].amount = allocation
	}
}

// DistributeWithThreshold splits amount across positive scores pro rata,
// never giving any slot more than its own score. Slots whose share falls
// under threshold (less ThresholdTolerance) are dropped and the amount is
// redistributed over the rest, for at most MaxIterations passes. Shares
// are rounded down so the allocations never sum past amount.
func DistributeWithThreshold(scores []decimal.Decimal, amount, threshold decimal.Decimal) []decimal.Decimal {
	size := len(scores)
	mask := make([]bool, size)
	allocations := make([]decimal.Decimal, size)
	for i, s := range scores {
		mask[i] = s.IsPositive()
		allocations[i] = decimal.Zero
	}
	if !amount.IsPositive() {
		return allocations
	}

	tolerance := threshold.Sub(ThresholdTolerance)
	for iteration := 0; iteration < MaxIterations; iteration++ {
		sum := decimal.Zero
		for i, s := range scores {
			if mask[i] {
				sum = sum.Add(s)
			}
		}
		if sum.IsZero() {
			break
		}

		temp := make([]decimal.Decimal, size)
		var minAllocation *decimal.Decimal
		for i, s := range scores {
			temp[i] = decimal.Zero
			if !mask[i] {
				continue
			}
			share := s.Mul(amount).Div(sum).RoundDown(AmountScale)
			temp[i] = decimal.Min(share, s)
			if minAllocation == nil || temp[i].LessThan(*minAllocation) {
				m := temp[i]
				minAllocation = &m
			}
		}
		allocations = temp

		if minAllocation == nil || minAllocation.GreaterThanOrEqual(tolerance) {
			break
		}

		changed := false
		for i := range scores {
			if mask[i] && temp[i].LessThan(tolerance) {
				mask[i] = false
				changed = true
			}
		}
		if !changed {
			break
		}
		for i := range allocations {
			if !mask[i] {
				allocations[i] = decimal.Zero
			}
		}
	}
	return allocations
}

func keep(c candidate, mode model.TransactionMode, threshold decimal.Decimal) bool {
	if c.amount.IsZero() || c.status == model.LimitHard {
		return false
	}
	// A liquidation must raise the full amount, however small each sale.
	if mode == model.ModeSellFast {
		return c.amount.IsNegative()
	}
	if c.amount.Abs().LessThan(threshold) && !(c.fastSell && c.amount.IsNegative()) {
		return false
	}
	switch mode {
	case model.ModeBuy:
		return c.amount.IsPositive()
	case model.ModeRebalance:
		return true
	}
	return c.amount.IsNegative()
}
