// Package export renders finalized orders as XLSX workbooks for the
// custodian and broker desks, and uploads them for operators.
package export

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/pensionops/rebalancer/internal/model"
)

// Batch metadata keys of the generated workbooks.
const (
	KeyOrders  = "xlsxExport"
	KeySEBFund = "sebFundXlsx"
	KeySEBETF  = "sebEtfXlsx"
	KeyFTETF   = "ftEtfXlsx"
)

// DestinationKeys are the workbooks sent to an execution desk.
var DestinationKeys = []string{KeySEBFund, KeySEBETF, KeyFTETF}

// Sheet names.
const (
	SheetOrders  = "Orders"
	SheetSEBFund = "Indeksfondid SEB"
	SheetSEBETF  = "SEB ETF"
	SheetFTETF   = "FT ETF"
)

var genericHeaders = []any{
	"Fund", "ISIN", "Type", "Instrument", "Venue", "Amount", "Quantity", "Settlement Date",
}

var sebFundHeaders = []any{
	"Portfelli tähis", "Issuer Of Order", "Korralduse andja CIF", "Securities Acc", "Cash Acc",
	"Currency", "Counterparties name", "Counterparties Securities No",
	"Counterparties Account Manager", "Transaction Type", "Trade Date", "Settlement Date",
	"Security Name", "ISIN", "Quantity", "Price", "Transaction Sum", "Commission", "Total Sum",
}

var sebETFHeaders = []any{
	"Client Name", "Account external no.", "Instruction ISIN", "RIC",
	"Instruction type", "Net amount", "Quantity", "Type",
}

// Labels maps instrument ISINs to display strings taken from the model
// portfolio.
type Labels struct {
	Names      map[string]string
	Tickers    map[string]string
	BBGTickers map[string]string
}

// LabelsFrom builds lookups from allocation rows; later rows win and empty
// values are skipped.
func LabelsFrom(rows []model.ModelPortfolioAllocation) Labels {
	l := Labels{
		Names:      make(map[string]string),
		Tickers:    make(map[string]string),
		BBGTickers: make(map[string]string),
	}
	for _, r := range rows {
		if r.ISIN == "" {
			continue
		}
		if r.Label != "" {
			l.Names[r.ISIN] = r.Label
		}
		if r.Ticker != "" {
			l.Tickers[r.ISIN] = r.Ticker
		}
		if r.BBGTicker != "" {
			l.BBGTickers[r.ISIN] = r.BBGTicker
		}
	}
	return l
}

// Service generates XLSX workbooks. Fund profiles supply display names and
// account numbers; funds without a profile are labelled by code.
type Service struct {
	funds map[model.Fund]model.FundProfile
	order []model.Fund
}

// NewService creates an export service.
func NewService(funds map[model.Fund]model.FundProfile) *Service {
	order := make([]model.Fund, 0, len(funds))
	for f := range funds {
		order = append(order, f)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &Service{funds: funds, order: order}
}

// Export renders every workbook keyed by its metadata key.
func (s *Service) Export(orders []model.TransactionOrder, labels Labels) (map[string][]byte, error) {
	out := make(map[string][]byte, 4)
	builders := []struct {
		key   string
		build func() ([]byte, error)
	}{
		{KeyOrders, func() ([]byte, error) { return s.Orders(orders) }},
		{KeySEBFund, func() ([]byte, error) { return s.SEBFund(orders, labels) }},
		{KeySEBETF, func() ([]byte, error) { return s.SEBETF(orders, labels) }},
		{KeyFTETF, func() ([]byte, error) { return s.FTETF(orders, labels) }},
	}
	for _, b := range builders {
		data, err := b.build()
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", b.key, err)
		}
		out[b.key] = data
	}
	return out, nil
}

// Orders lists every order in a generic layout. Amounts are plain strings
// so they survive exactly.
func (s *Service) Orders(orders []model.TransactionOrder) ([]byte, error) {
	return render(SheetOrders, func(w *sheetWriter) {
		w.row(1, genericHeaders...)
		for i, o := range orders {
			var qty, settle any
			if o.Quantity != nil {
				qty = *o.Quantity
			}
			if o.ExpectedSettlementDate != nil {
				settle = o.ExpectedSettlementDate.Format("2006-01-02")
			}
			w.row(i+2, string(o.Fund), o.ISIN, string(o.Type), string(o.InstrumentType),
				string(o.Venue), o.Amount.String(), qty, settle)
		}
	})
}

// SEBFund is the custodian subscription/redemption order form for FUND
// instruments.
func (s *Service) SEBFund(orders []model.TransactionOrder, labels Labels) ([]byte, error) {
	return render(SheetSEBFund, func(w *sheetWriter) {
		w.cell(2, 1, "ORDER")
		w.cell(2, 2, "Fund units")
		w.row(3, sebFundHeaders...)

		r := 4
		for _, o := range orders {
			if o.InstrumentType != model.InstrumentFund {
				continue
			}
			p := s.profile(o.Fund)
			side := "REDP"
			if o.Type == model.Buy {
				side = "SUBS"
			}
			w.cell(2, r, p.Name)
			w.cell(4, r, p.SecuritiesAccount)
			w.cell(5, r, p.CashAccount)
			w.cell(6, r, "EUR")
			w.cell(10, r, side)
			w.cell(13, r, labels.Names[o.ISIN])
			w.cell(14, r, o.ISIN)
			w.cell(17, r, o.Amount.InexactFloat64())
			r++
		}
	})
}

// SEBETF is the broker market-on-close form for ETFs executed through SEB.
func (s *Service) SEBETF(orders []model.TransactionOrder, labels Labels) ([]byte, error) {
	return render(SheetSEBETF, func(w *sheetWriter) {
		w.row(1, "SEB")
		w.row(2, sebETFHeaders...)

		r := 3
		for _, o := range orders {
			if o.Venue != model.VenueSEB || o.InstrumentType != model.InstrumentETF {
				continue
			}
			p := s.profile(o.Fund)
			w.cell(1, r, p.Name)
			w.cell(2, r, p.SecuritiesAccount)
			w.cell(3, r, o.ISIN)
			w.cell(4, r, labels.Tickers[o.ISIN])
			w.cell(5, r, "MOC")
			if o.Quantity != nil {
				w.cell(7, r, *o.Quantity)
			}
			w.cell(8, r, string(o.Type))
			r++
		}
	})
}

// ftLine aggregates FT orders for one instrument and side.
type ftLine struct {
	isin   string
	side   model.TransactionType
	qty    int64
	amount decimal.Decimal
	byFund map[model.Fund]int64
}

// FTETF aggregates FT orders per instrument and side with a per-fund
// quantity breakdown and a closing control total.
func (s *Service) FTETF(orders []model.TransactionOrder, labels Labels) ([]byte, error) {
	var lines []*ftLine
	index := make(map[string]*ftLine)
	for _, o := range orders {
		if o.Venue != model.VenueFT {
			continue
		}
		key := o.ISIN + ":" + string(o.Type)
		line, ok := index[key]
		if !ok {
			line = &ftLine{isin: o.ISIN, side: o.Type, amount: decimal.Zero, byFund: make(map[model.Fund]int64)}
			index[key] = line
			lines = append(lines, line)
		}
		if o.Quantity != nil {
			line.qty += *o.Quantity
			line.byFund[o.Fund] += *o.Quantity
		}
		line.amount = line.amount.Add(o.Amount)
	}

	return render(SheetFTETF, func(w *sheetWriter) {
		headers := []any{"ETF Name", "BBG", "ISIN", "Type", "QTY",
			"Approximate total size in EUR (for control purposes)"}
		for _, f := range s.order {
			headers = append(headers, s.profile(f).Name)
		}
		w.row(1, "FT")
		w.row(2, headers...)

		r := 3
		total := decimal.Zero
		for _, line := range lines {
			w.row(r, labels.Names[line.isin], labels.BBGTickers[line.isin], line.isin,
				string(line.side), line.qty, line.amount.InexactFloat64())
			for i, f := range s.order {
				w.cell(7+i, r, line.byFund[f])
			}
			total = total.Add(line.amount)
			r++
		}
		w.cell(1, r, "Approximate total order size:")
		w.cell(6, r, total.InexactFloat64())
	})
}

func (s *Service) profile(f model.Fund) model.FundProfile {
	p, ok := s.funds[f]
	if !ok || p.Name == "" {
		p.Name = string(f)
	}
	return p
}

// sheetWriter records the first write error so sheet layouts stay linear.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	err   error
}

func (w *sheetWriter) cell(col, row int, v any) {
	if w.err != nil || v == nil {
		return
	}
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellValue(w.sheet, name, v)
}

func (w *sheetWriter) row(row int, values ...any) {
	for i, v := range values {
		w.cell(i+1, row, v)
	}
}

func render(sheet string, fill func(w *sheetWriter)) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}
	w := &sheetWriter{f: f, sheet: sheet}
	fill(w)
	if w.err != nil {
		return nil, w.err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
