package export_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pensionops/rebalancer/internal/export"
	"github.com/pensionops/rebalancer/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func qty(n int64) *int64 { return &n }

var profiles = map[model.Fund]model.FundProfile{
	model.TKF100: {Name: "TULEVA ADDITIONAL INVESTMENT FUND", SecuritiesAccount: "S-100", CashAccount: "C-100"},
	model.TUK75:  {Name: "TULEVA MAAILMA AKTSIATE PENSIONIFOND", SecuritiesAccount: "S-75", CashAccount: "C-75"},
	model.TUV100: {Name: "TULEVA III SAMBA PENSIONIFOND", SecuritiesAccount: "S-3", CashAccount: "C-3"},
}

func rows(t *testing.T, data []byte, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheet}, f.GetSheetList())
	out, err := f.GetRows(sheet)
	require.NoError(t, err)
	return out
}

func sampleOrders() []model.TransactionOrder {
	settle := model.Date(2026, 1, 20)
	return []model.TransactionOrder{
		{Fund: model.TUK75, ISIN: "IE00ETF1", Type: model.Buy, InstrumentType: model.InstrumentETF, Venue: model.VenueSEB, Amount: d("120000.55"), Quantity: qty(10), ExpectedSettlementDate: &settle},
		{Fund: model.TUK75, ISIN: "LU00FUND", Type: model.Sell, InstrumentType: model.InstrumentFund, Venue: model.VenueSEB, Amount: d("50000")},
		{Fund: model.TUK75, ISIN: "IE00FT01", Type: model.Buy, InstrumentType: model.InstrumentETF, Venue: model.VenueFT, Amount: d("100"), Quantity: qty(4)},
		{Fund: model.TKF100, ISIN: "IE00FT01", Type: model.Buy, InstrumentType: model.InstrumentETF, Venue: model.VenueFT, Amount: d("50"), Quantity: qty(2)},
		{Fund: model.TKF100, ISIN: "IE00FT01", Type: model.Sell, InstrumentType: model.InstrumentETF, Venue: model.VenueFT, Amount: d("25"), Quantity: qty(1)},
	}
}

var labels = export.Labels{
	Names:      map[string]string{"IE00FT01": "World ETF", "LU00FUND": "Index Fund"},
	Tickers:    map[string]string{"IE00ETF1": "ETF1.DE"},
	BBGTickers: map[string]string{"IE00FT01": "WRLD GY"},
}

func TestExport_ProducesAllWorkbooks(t *testing.T) {
	files, err := export.NewService(profiles).Export(sampleOrders(), labels)
	require.NoError(t, err)

	for _, key := range []string{export.KeyOrders, export.KeySEBFund, export.KeySEBETF, export.KeyFTETF} {
		assert.NotEmpty(t, files[key], key)
	}
	assert.Len(t, files, 4)
}

func TestOrders_GenericLayout(t *testing.T) {
	data, err := export.NewService(profiles).Orders(sampleOrders())
	require.NoError(t, err)

	got := rows(t, data, export.SheetOrders)
	require.Len(t, got, 6)
	assert.Equal(t, []string{"Fund", "ISIN", "Type", "Instrument", "Venue", "Amount", "Quantity", "Settlement Date"}, got[0])
	assert.Equal(t, []string{"TUK75", "IE00ETF1", "BUY", "ETF", "SEB", "120000.55", "10", "2026-01-20"}, got[1])
	assert.Equal(t, []string{"TUK75", "LU00FUND", "SELL", "FUND", "SEB", "50000"}, got[2])
}

func TestSEBFund_OnlyFundInstruments(t *testing.T) {
	data, err := export.NewService(profiles).SEBFund(sampleOrders(), labels)
	require.NoError(t, err)

	got := rows(t, data, export.SheetSEBFund)
	require.Len(t, got, 4)
	assert.Equal(t, "ORDER", got[0][1])
	assert.Equal(t, "Fund units", got[1][1])
	assert.Equal(t, "Portfelli tähis", got[2][0])

	line := got[3]
	assert.Equal(t, "TULEVA MAAILMA AKTSIATE PENSIONIFOND", line[1])
	assert.Equal(t, "S-75", line[3])
	assert.Equal(t, "C-75", line[4])
	assert.Equal(t, "EUR", line[5])
	assert.Equal(t, "REDP", line[9])
	assert.Equal(t, "Index Fund", line[12])
	assert.Equal(t, "LU00FUND", line[13])
	assert.Equal(t, "50000", line[16])
}

func TestSEBETF_OnlySEBExchangeTraded(t *testing.T) {
	data, err := export.NewService(profiles).SEBETF(sampleOrders(), labels)
	require.NoError(t, err)

	got := rows(t, data, export.SheetSEBETF)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"SEB"}, got[0])
	assert.Equal(t, []string{"TULEVA MAAILMA AKTSIATE PENSIONIFOND", "S-75", "IE00ETF1", "ETF1.DE", "MOC", "", "10", "BUY"}, got[2])
}

func TestFTETF_AggregatesPerInstrumentAndSide(t *testing.T) {
	data, err := export.NewService(profiles).FTETF(sampleOrders(), labels)
	require.NoError(t, err)

	got := rows(t, data, export.SheetFTETF)
	require.Len(t, got, 5)
	assert.Equal(t, []string{"FT"}, got[0])
	assert.Equal(t, "TULEVA ADDITIONAL INVESTMENT FUND", got[1][6])
	assert.Equal(t, "TULEVA III SAMBA PENSIONIFOND", got[1][8])

	// BUY: TUK75 4 + TKF100 2; columns TKF100, TUK75, TUV100.
	assert.Equal(t, []string{"World ETF", "WRLD GY", "IE00FT01", "BUY", "6", "150", "2", "4", "0"}, got[2])
	assert.Equal(t, []string{"World ETF", "WRLD GY", "IE00FT01", "SELL", "1", "25", "1", "0", "0"}, got[3])
	assert.Equal(t, "Approximate total order size:", got[4][0])
	assert.Equal(t, "175", got[4][5])
}

func TestLabelsFrom_LaterRowsWin(t *testing.T) {
	l := export.LabelsFrom([]model.ModelPortfolioAllocation{
		{ISIN: "A", Label: "old", Ticker: "T1"},
		{ISIN: "A", Label: "new"},
		{ISIN: "", Label: "ignored"},
	})
	assert.Equal(t, "new", l.Names["A"])
	assert.Equal(t, "T1", l.Tickers["A"])
	assert.Len(t, l.Names, 1)
}

func TestObjectName(t *testing.T) {
	at := time.Date(2026, 1, 16, 9, 30, 5, 0, time.UTC)
	assert.Equal(t, "exports/TUK75/2026-01-16/093005-sebFundXlsx.xlsx",
		export.ObjectName("exports", model.TUK75, at, export.KeySEBFund))
}
