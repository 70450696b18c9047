// Package settlement computes expected settlement dates for orders.
//
// Only weekends are skipped; there is no holiday calendar.
package settlement

import (
	"time"

	"github.com/pensionops/rebalancer/internal/model"
)

// Business-day lags per instrument type.
const (
	ETFSettlementDays  = 2
	FundSettlementDays = 5
)

// Calculator is stateless; the zero value is ready to use.
type Calculator struct{}

// NewCalculator returns a settlement date calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// SettlementDate returns tradeDate plus the instrument type's lag in
// Monday–Friday business days. Unknown types settle like ETFs.
func (c *Calculator) SettlementDate(tradeDate time.Time, instrumentType model.InstrumentType) time.Time {
	days := ETFSettlementDays
	if instrumentType == model.InstrumentFund {
		days = FundSettlementDays
	}
	return AddBusinessDays(tradeDate, days)
}

// AddBusinessDays moves date forward n weekdays.
func AddBusinessDays(date time.Time, n int) time.Time {
	y, m, d := date.Date()
	result := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for added := 0; added < n; {
		result = result.AddDate(0, 0, 1)
		if IsBusinessDay(result) {
			added++
		}
	}
	return result
}

// IsBusinessDay reports whether date falls Monday through Friday.
func IsBusinessDay(date time.Time) bool {
	wd := date.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
