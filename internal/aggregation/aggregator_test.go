package aggregation_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pensionops/rebalancer/internal/aggregation"
	"github.com/pensionops/rebalancer/internal/model"
	"github.com/pensionops/rebalancer/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// countingLedger records ledger access on top of a memory store.
type countingLedger struct {
	*store.MemoryStore
	calls int
}

func (c *countingLedger) SystemAccountBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	c.calls++
	return c.MemoryStore.SystemAccountBalance(ctx, account)
}

func (c *countingLedger) FundUnitsBalance(ctx context.Context, account string) (decimal.Decimal, error) {
	c.calls++
	return c.MemoryStore.FundUnitsBalance(ctx, account)
}

func (c *countingLedger) LatestNAV(ctx context.Context, isin string) (decimal.Decimal, bool, error) {
	c.calls++
	return c.MemoryStore.LatestNAV(ctx, isin)
}

var asOf = model.Date(2026, 1, 15)

func seed(t *testing.T, fund model.Fund) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	posDate := model.Date(2026, 1, 14)

	s.AddPositions(
		model.PositionRecord{Fund: fund, Date: posDate, ISIN: "IE00A", MarketValue: decimal.NewNullDecimal(d("600000.10"))},
		model.PositionRecord{Fund: fund, Date: posDate, ISIN: "IE00B", MarketValue: decimal.NewNullDecimal(d("300000.20"))},
		model.PositionRecord{Fund: fund, Date: posDate, ISIN: "IE00C"}, // unpriced
		// An older snapshot must be ignored.
		model.PositionRecord{Fund: fund, Date: model.Date(2026, 1, 13), ISIN: "IE00A", MarketValue: decimal.NewNullDecimal(d("1"))},
	)
	s.AddCash(fund, posDate, d("99999.70"))
	s.AddFeeAccruals(
		model.FeeAccrual{Fund: fund, Type: model.FeeManagement, AccrualDate: model.Date(2026, 1, 10), FeeMonth: model.Date(2026, 1, 1), Amount: d("120.50")},
		model.FeeAccrual{Fund: fund, Type: model.FeeDepot, AccrualDate: model.Date(2026, 1, 11), FeeMonth: model.Date(2026, 1, 1), Amount: d("30.25")},
	)
	s.SetAllocations(fund, []model.ModelPortfolioAllocation{
		{Fund: fund, ISIN: "IE00A", Weight: d("0.6"), InstrumentType: model.InstrumentETF, Venue: model.VenueSEB},
		{Fund: fund, ISIN: "IE00B", Weight: d("0.4"), InstrumentType: model.InstrumentFund, Venue: model.VenueFT},
		{Fund: fund, ISIN: "IE00D", Weight: d("0"), FastSell: true},
		{Fund: fund, ISIN: "", Weight: d("0.1")},
	})
	s.SetPositionLimits(fund, []model.PositionLimit{
		{Fund: fund, ISIN: "IE00A", SoftLimit: d("0.65"), HardLimit: d("0.7")},
	})
	return s
}

func TestGatherInput_GrossAndFreeCashFormulas(t *testing.T) {
	s := seed(t, model.TUK75)
	s.SetFundLimit(model.FundLimit{Fund: model.TUK75, ReserveSoft: decimal.NewNullDecimal(d("5000")), MinTransaction: decimal.NewNullDecimal(d("1000"))})

	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)

	assert.Equal(t, "1000000", in.GrossPortfolioValue.String())
	assert.Len(t, in.Positions, 2)
	assert.Equal(t, "150.75", in.Liabilities.String())
	assert.Equal(t, "5000", in.CashBuffer.String())
	assert.Equal(t, "1000", in.MinTransactionThreshold.String())
	// 99999.70 - 5000 - 150.75 + 0 - 0
	assert.Equal(t, "94848.95", in.FreeCash.String())

	require.Len(t, in.ModelWeights, 3)
	assert.True(t, in.FastSellISINs["IE00D"])
	assert.Equal(t, model.InstrumentFund, in.InstrumentTypes["IE00B"])
	assert.Equal(t, model.VenueFT, in.OrderVenues["IE00B"])
	_, typed := in.InstrumentTypes["IE00D"]
	assert.False(t, typed)
	assert.Equal(t, "0.7", in.PositionLimits["IE00A"].HardLimit.String())
}

func TestGatherInput_DefaultsWhenLimitsAbsent(t *testing.T) {
	s := seed(t, model.TUK75)

	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)

	assert.True(t, in.CashBuffer.IsZero())
	assert.Equal(t, "50000", in.MinTransactionThreshold.String())
}

func TestGatherInput_NullLimitFieldsFallBack(t *testing.T) {
	s := seed(t, model.TUK75)
	s.SetFundLimit(model.FundLimit{Fund: model.TUK75, ReserveSoft: decimal.NewNullDecimal(d("7"))})

	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)

	assert.Equal(t, "7", in.CashBuffer.String())
	assert.Equal(t, "50000", in.MinTransactionThreshold.String())
}

func TestGatherInput_NoPositionData(t *testing.T) {
	s := store.NewMemoryStore()
	s.AddPositions(model.PositionRecord{Fund: model.TUK75, Date: model.Date(2026, 1, 16), ISIN: "X"})

	_, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, asOf, nil)
	assert.ErrorIs(t, err, aggregation.ErrNoPositionData)
}

func TestGatherInput_PendingOrdersReduceFreeCash(t *testing.T) {
	ctx := context.Background()
	s := seed(t, model.TUK75)
	require.NoError(t, s.CreateBatch(ctx, &model.TransactionBatch{ID: "b1", Fund: model.TUK75}))

	later := model.Date(2026, 1, 17)
	settled := asOf
	require.NoError(t, s.SaveOrders(ctx, []model.TransactionOrder{
		{ID: "o1", BatchID: "b1", Fund: model.TUK75, Type: model.Buy, Amount: d("20000"), ExpectedSettlementDate: &later},
		{ID: "o2", BatchID: "b1", Fund: model.TUK75, Type: model.Sell, Amount: d("5000"), ExpectedSettlementDate: &later},
		{ID: "o3", BatchID: "b1", Fund: model.TUK75, Type: model.Buy, Amount: d("70000"), ExpectedSettlementDate: &settled},
	}))

	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(ctx, model.TUK75, asOf, nil)
	require.NoError(t, err)

	// 99999.70 - 0 - 150.75 + 0 - (20000 - 5000)
	assert.Equal(t, "84848.95", in.FreeCash.String())
}

func TestGatherInput_ManualAdjustments(t *testing.T) {
	s := seed(t, model.TUK75)
	agg := aggregation.NewAggregator(s, aggregation.DefaultOptions())

	in, err := agg.GatherInput(context.Background(), model.TUK75, asOf, map[string]any{
		aggregation.AdjustAdditionalLiabilities: json.Number("849.25"),
		aggregation.AdjustAdditionalReceivables: "100",
		"ignored":                               "not a number",
	})
	require.NoError(t, err)

	assert.Equal(t, "1000", in.Liabilities.String())
	assert.Equal(t, "100", in.Receivables.String())
	// 99999.70 - 0 - 1000 + 100
	assert.Equal(t, "99099.7", in.FreeCash.String())

	for _, bad := range []any{"abc", true, []any{1}} {
		_, err := agg.GatherInput(context.Background(), model.TUK75, asOf, map[string]any{
			aggregation.AdjustAdditionalLiabilities: bad,
		})
		assert.ErrorIs(t, err, aggregation.ErrInvalidAdjustment, "value %v", bad)
	}
}

func TestGatherInput_FlagshipAddsLedgerBalances(t *testing.T) {
	s := seed(t, model.TKF100)
	s.SetSystemAccountBalance(store.AccountUnreconciledBankReceipts, d("1000"))
	s.SetSystemAccountBalance(store.AccountIncomingPaymentsClearing, d("2500"))
	s.SetFundUnitsBalance(store.AccountFundUnitsReserved, d("100"))
	s.SetNAV("EE3600001707", d("1.5"))

	opts := aggregation.DefaultOptions()
	opts.FlagshipISIN = "EE3600001707"
	in, err := aggregation.NewAggregator(s, opts).GatherInput(context.Background(), model.TKF100, asOf, nil)
	require.NoError(t, err)

	// fees 150.75 + unreconciled 1000 + reserved 100*1.5
	assert.Equal(t, "1300.75", in.Liabilities.String())
	assert.Equal(t, "2500", in.Receivables.String())
	// 99999.70 - 0 - 1300.75 + 2500
	assert.Equal(t, "101198.95", in.FreeCash.String())
}

func TestGatherInput_ReservedUnitsValuedAtNAV(t *testing.T) {
	s := seed(t, model.TKF100)
	s.SetFundUnitsBalance(store.AccountFundUnitsReserved, d("100000"))
	s.SetNAV("EE3600001707", d("1.5"))

	opts := aggregation.DefaultOptions()
	opts.FlagshipISIN = "EE3600001707"
	in, err := aggregation.NewAggregator(s, opts).GatherInput(context.Background(), model.TKF100, asOf, nil)
	require.NoError(t, err)

	assert.Equal(t, "150150.75", in.Liabilities.String())
	assert.Equal(t, "-50151.05", in.FreeCash.String())
}

func TestGatherInput_ReservedUnitsWithoutISIN(t *testing.T) {
	s := seed(t, model.TKF100)
	s.SetFundUnitsBalance(store.AccountFundUnitsReserved, d("100000"))
	s.SetNAV("EE3600001707", d("1.5"))

	_, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TKF100, asOf, nil)
	assert.ErrorIs(t, err, aggregation.ErrFlagshipISINUnset)

	// Without reserved units there is nothing to value.
	s.SetFundUnitsBalance(store.AccountFundUnitsReserved, decimal.Zero)
	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TKF100, asOf, nil)
	require.NoError(t, err)
	assert.Equal(t, "150.75", in.Liabilities.String())
}

func TestGatherInput_NonFlagshipSkipsLedger(t *testing.T) {
	ledger := &countingLedger{MemoryStore: seed(t, model.TUK75)}
	ledger.SetSystemAccountBalance(store.AccountUnreconciledBankReceipts, d("1000"))

	in, err := aggregation.NewAggregator(ledger, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)

	assert.Zero(t, ledger.calls)
	assert.Equal(t, "150.75", in.Liabilities.String())
}

func TestGatherInput_Deterministic(t *testing.T) {
	s := seed(t, model.TUK75)
	agg := aggregation.NewAggregator(s, aggregation.DefaultOptions())

	a, err := agg.GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)
	b, err := agg.GatherInput(context.Background(), model.TUK75, asOf, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGatherInput_UsesAsOfMonthForFees(t *testing.T) {
	s := seed(t, model.TUK75)
	s.AddFeeAccruals(model.FeeAccrual{
		Fund: model.TUK75, Type: model.FeeManagement,
		AccrualDate: model.Date(2026, 2, 1), FeeMonth: model.Date(2026, 2, 1), Amount: d("999"),
	})

	in, err := aggregation.NewAggregator(s, aggregation.DefaultOptions()).
		GatherInput(context.Background(), model.TUK75, model.Date(2026, 1, 31).Add(12*time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, "150.75", in.Liabilities.String())
}
