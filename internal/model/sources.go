package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionRecord is a calculated position row. MarketValue is invalid when
// the valuation could not be priced.
type PositionRecord struct {
	Fund        Fund                `json:"fund" db:"fund"`
	Date        time.Time           `json:"date" db:"date"`
	ISIN        string              `json:"isin" db:"isin"`
	MarketValue decimal.NullDecimal `json:"market_value" db:"calculated_market_value"`
}

// ModelPortfolioAllocation is one row of a fund's model portfolio.
type ModelPortfolioAllocation struct {
	Fund           Fund            `json:"fund" db:"fund"`
	EffectiveDate  time.Time       `json:"effective_date" db:"effective_date"`
	ISIN           string          `json:"isin" db:"isin"`
	Weight         decimal.Decimal `json:"weight" db:"weight"`
	FastSell       bool            `json:"fast_sell" db:"fast_sell"`
	InstrumentType InstrumentType  `json:"instrument_type,omitempty" db:"instrument_type"`
	Venue          OrderVenue      `json:"order_venue,omitempty" db:"order_venue"`
	Label          string          `json:"label,omitempty" db:"label"`
	Ticker         string          `json:"ticker,omitempty" db:"ticker"`
	BBGTicker      string          `json:"bbg_ticker,omitempty" db:"bbg_ticker"`
}

// FundLimit carries fund-level limits; either value may be absent.
type FundLimit struct {
	Fund           Fund                `json:"fund" db:"fund"`
	EffectiveDate  time.Time           `json:"effective_date" db:"effective_date"`
	ReserveSoft    decimal.NullDecimal `json:"reserve_soft" db:"reserve_soft"`
	MinTransaction decimal.NullDecimal `json:"min_transaction" db:"min_transaction"`
}

// PositionLimit carries one instrument's soft and hard weight limits.
type PositionLimit struct {
	Fund          Fund            `json:"fund" db:"fund"`
	EffectiveDate time.Time       `json:"effective_date" db:"effective_date"`
	ISIN          string          `json:"isin" db:"isin"`
	SoftLimit     decimal.Decimal `json:"soft_limit_percent" db:"soft_limit_percent"`
	HardLimit     decimal.Decimal `json:"hard_limit_percent" db:"hard_limit_percent"`
}

// FeeAccrual is one day's accrued fee for a fund.
type FeeAccrual struct {
	Fund        Fund            `json:"fund" db:"fund_code"`
	Type        FeeType         `json:"fee_type" db:"fee_type"`
	AccrualDate time.Time       `json:"accrual_date" db:"accrual_date"`
	FeeMonth    time.Time       `json:"fee_month" db:"fee_month"`
	Amount      decimal.Decimal `json:"daily_amount_gross" db:"daily_amount_gross"`
}
