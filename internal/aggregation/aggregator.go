// Package aggregation assembles the point-in-time FundTransactionInput a
// rebalancing calculation runs on. It only reads from its repositories.
package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/store"
)

var (
	// ErrNoPositionData is returned when a fund has no position calculation
	// on or before the requested date.
	ErrNoPositionData = errors.New("aggregation: no position data")

	// ErrInvalidAdjustment is returned when a manual adjustment value is
	// not numeric.
	ErrInvalidAdjustment = errors.New("aggregation: invalid manual adjustment")

	// ErrFlagshipISINUnset is returned when reserved fund units exist but
	// no ISIN is configured to value them.
	ErrFlagshipISINUnset = errors.New("aggregation: flagship ISIN not configured")
)

// Manual adjustment keys.
const (
	AdjustAdditionalLiabilities = "additionalLiabilities"
	AdjustAdditionalReceivables = "additionalReceivables"
)

// Defaults applied when a fund has no configured limit.
var (
	DefaultMinTransaction = decimal.NewFromInt(50000)
	DefaultCashBuffer     = decimal.Zero
)

// Options configures an Aggregator.
type Options struct {
	// FlagshipFund is the only fund whose liabilities include ledger
	// balances. Empty disables the ledger lookup for every fund.
	FlagshipFund model.Fund

	// FlagshipISIN is the ISIN whose latest NAV values reserved units.
	// Gathering the flagship fund fails while reserved units exist and
	// this is empty.
	FlagshipISIN string

	DefaultMinTransaction decimal.Decimal
	DefaultCashBuffer     decimal.Decimal
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		FlagshipFund:          model.TKF100,
		DefaultMinTransaction: DefaultMinTransaction,
		DefaultCashBuffer:     DefaultCashBuffer,
	}
}

// Aggregator builds FundTransactionInput snapshots.
type Aggregator struct {
	src  store.SourceRepositories
	opts Options
}

// NewAggregator creates an aggregator reading from src.
func NewAggregator(src store.SourceRepositories, opts Options) *Aggregator {
	return &Aggregator{src: src, opts: opts}
}

// GatherInput assembles the input for fund as of asOf. Identical repository
// state yields an identical input.
func (a *Aggregator) GatherInput(ctx context.Context, fund model.Fund, asOf time.Time, adjustments map[string]any) (*model.FundTransactionInput, error) {
	in := model.NewFundTransactionInput(fund)

	positionDate, ok, err := a.src.LatestPositionDate(ctx, fund, asOf)
	if err != nil {
		return nil, fmt.Errorf("latest position date: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: fund %s on or before %s", ErrNoPositionData, fund, asOf.Format(time.DateOnly))
	}

	records, err := a.src.PositionsByDate(ctx, fund, positionDate)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	securities := decimal.Zero
	for _, r := range records {
		if !r.MarketValue.Valid {
			continue
		}
		in.Positions = append(in.Positions, model.PositionSnapshot{ISIN: r.ISIN, MarketValue: r.MarketValue.Decimal})
		securities = securities.Add(r.MarketValue.Decimal)
	}

	cash, err := a.src.CashBalance(ctx, fund, positionDate)
	if err != nil {
		return nil, fmt.Errorf("cash balance: %w", err)
	}
	in.GrossPortfolioValue = securities.Add(cash)

	in.Liabilities, err = a.src.AccruedFees(ctx, fund, model.FirstOfMonth(asOf),
		[]model.FeeType{model.FeeManagement, model.FeeDepot}, asOf)
	if err != nil {
		return nil, fmt.Errorf("accrued fees: %w", err)
	}

	if err := a.loadModelPortfolio(ctx, in); err != nil {
		return nil, err
	}
	if err := a.loadLimits(ctx, in); err != nil {
		return nil, err
	}

	if a.opts.FlagshipFund != "" && fund == a.opts.FlagshipFund {
		if err := a.addLedgerBalances(ctx, in); err != nil {
			return nil, err
		}
	}

	if err := applyAdjustments(in, adjustments); err != nil {
		return nil, err
	}

	pending, err := a.pendingNetBuys(ctx, fund, asOf)
	if err != nil {
		return nil, err
	}

	in.FreeCash = cash.
		Sub(in.CashBuffer).
		Sub(in.Liabilities).
		Add(in.Receivables).
		Sub(pending)

	return in, nil
}

func (a *Aggregator) loadModelPortfolio(ctx context.Context, in *model.FundTransactionInput) error {
	rows, err := a.src.LatestAllocations(ctx, in.Fund)
	if err != nil {
		return fmt.Errorf("model portfolio: %w", err)
	}
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		if row.ISIN == "" {
			continue
		}
		w := model.ModelWeight{ISIN: row.ISIN, Weight: row.Weight}
		if i, dup := index[row.ISIN]; dup {
			in.ModelWeights[i] = w
		} else {
			index[row.ISIN] = len(in.ModelWeights)
			in.ModelWeights = append(in.ModelWeights, w)
		}
		if row.FastSell {
			in.FastSellISINs[row.ISIN] = true
		} else {
			delete(in.FastSellISINs, row.ISIN)
		}
		if row.InstrumentType != "" {
			in.InstrumentTypes[row.ISIN] = row.InstrumentType
		}
		if row.Venue != "" {
			in.OrderVenues[row.ISIN] = row.Venue
		}
	}
	return nil
}

func (a *Aggregator) loadLimits(ctx context.Context, in *model.FundTransactionInput) error {
	in.CashBuffer = a.opts.DefaultCashBuffer
	in.MinTransactionThreshold = a.opts.DefaultMinTransaction

	limit, err := a.src.LatestFundLimit(ctx, in.Fund)
	if err != nil {
		return fmt.Errorf("fund limit: %w", err)
	}
	if limit != nil {
		if limit.ReserveSoft.Valid {
			in.CashBuffer = limit.ReserveSoft.Decimal
		}
		if limit.MinTransaction.Valid {
			in.MinTransactionThreshold = limit.MinTransaction.Decimal
		}
	}

	positionLimits, err := a.src.LatestPositionLimits(ctx, in.Fund)
	if err != nil {
		return fmt.Errorf("position limits: %w", err)
	}
	for _, l := range positionLimits {
		in.PositionLimits[l.ISIN] = model.PositionLimitSnapshot{SoftLimit: l.SoftLimit, HardLimit: l.HardLimit}
	}
	return nil
}

func (a *Aggregator) addLedgerBalances(ctx context.Context, in *model.FundTransactionInput) error {
	unreconciled, err := a.src.SystemAccountBalance(ctx, store.AccountUnreconciledBankReceipts)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", store.AccountUnreconciledBankReceipts, err)
	}

	reservedUnits, err := a.src.FundUnitsBalance(ctx, store.AccountFundUnitsReserved)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", store.AccountFundUnitsReserved, err)
	}
	reservedValue := decimal.Zero
	if !reservedUnits.IsZero() {
		if a.opts.FlagshipISIN == "" {
			return fmt.Errorf("%w: %s units reserved", ErrFlagshipISINUnset, reservedUnits)
		}
		nav, ok, err := a.src.LatestNAV(ctx, a.opts.FlagshipISIN)
		if err != nil {
			return fmt.Errorf("nav %s: %w", a.opts.FlagshipISIN, err)
		}
		if ok {
			reservedValue = reservedUnits.Mul(nav)
		}
	}

	clearing, err := a.src.SystemAccountBalance(ctx, store.AccountIncomingPaymentsClearing)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", store.AccountIncomingPaymentsClearing, err)
	}

	in.Liabilities = in.Liabilities.Add(unreconciled).Add(reservedValue)
	in.Receivables = in.Receivables.Add(clearing)
	return nil
}

func (a *Aggregator) pendingNetBuys(ctx context.Context, fund model.Fund, asOf time.Time) (decimal.Decimal, error) {
	orders, err := a.src.UnsettledOrders(ctx, fund, asOf)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unsettled orders: %w", err)
	}
	net := decimal.Zero
	for _, o := range orders {
		switch o.Type {
		case model.Buy:
			net = net.Add(o.Amount)
		case model.Sell:
			net = net.Sub(o.Amount)
		}
	}
	return net, nil
}

func applyAdjustments(in *model.FundTransactionInput, adjustments map[string]any) error {
	if raw, ok := adjustments[AdjustAdditionalLiabilities]; ok {
		v, err := numeric(AdjustAdditionalLiabilities, raw)
		if err != nil {
			return err
		}
		in.Liabilities = in.Liabilities.Add(v)
	}
	if raw, ok := adjustments[AdjustAdditionalReceivables]; ok {
		v, err := numeric(AdjustAdditionalReceivables, raw)
		if err != nil {
			return err
		}
		in.Receivables = in.Receivables.Add(v)
	}
	return nil
}

// numeric converts a manual adjustment value to a decimal. nil counts as zero.
func numeric(key string, raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return parseNumeric(key, v.String())
	case string:
		return parseNumeric(key, v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s=%v", ErrInvalidAdjustment, key, raw)
	}
}

func parseNumeric(key, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q", ErrInvalidAdjustment, key, s)
	}
	return d, nil
}
