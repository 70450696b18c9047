// Package model defines the core domain types shared across the rebalancer.
// All monetary values and weights use shopspring/decimal, never float64.
package model

import (
	"errors"
	"time"
)

// ErrIllegalTransition is returned when a lifecycle method is called on an
// entity whose current status does not allow the move.
var ErrIllegalTransition = errors.New("model: illegal status transition")

// Fund is the short code of a managed fund.
type Fund string

const (
	TKF100 Fund = "TKF100"
	TUK75  Fund = "TUK75"
	TUV100 Fund = "TUV100"
)

// Funds lists every managed fund.
func Funds() []Fund {
	return []Fund{TKF100, TUK75, TUV100}
}

// InstrumentType drives settlement timing and export routing.
type InstrumentType string

const (
	InstrumentETF  InstrumentType = "ETF"
	InstrumentFund InstrumentType = "FUND"
)

// OrderVenue is the counterparty an order is routed to.
type OrderVenue string

const (
	VenueSEB OrderVenue = "SEB"
	VenueFT  OrderVenue = "FT"
)

// TransactionMode selects which trades a command produces.
type TransactionMode string

const (
	ModeBuy  TransactionMode = "BUY"
	ModeSell TransactionMode = "SELL"
	// ModeSellFast liquidates to cover negative free cash, fast-sell
	// instruments first.
	ModeSellFast TransactionMode = "SELL_FAST"
	// ModeRebalance moves every instrument to its normalized model weight,
	// buying and selling in one pass.
	ModeRebalance TransactionMode = "REBALANCE"
)

// Valid reports whether m is a known mode.
func (m TransactionMode) Valid() bool {
	switch m {
	case ModeBuy, ModeSell, ModeSellFast, ModeRebalance:
		return true
	}
	return false
}

// TransactionType is the direction of a single order.
type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

// FeeType identifies an accrued fee stream.
type FeeType string

const (
	FeeManagement FeeType = "MANAGEMENT"
	FeeDepot      FeeType = "DEPOT"
	FeeCustody    FeeType = "CUSTODY"
)

// LimitStatus records how a trade relates to its instrument's position limits.
type LimitStatus string

const (
	LimitOK   LimitStatus = "OK"
	LimitSoft LimitStatus = "SOFT_LIMIT"
	LimitHard LimitStatus = "HARD_LIMIT"
)

// Date returns the calendar date y-m-d as a UTC midnight time.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateOf returns the calendar date of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date(y, m, d)
}

// FirstOfMonth returns the first calendar day of date's month.
func FirstOfMonth(date time.Time) time.Time {
	return Date(date.Year(), date.Month(), 1)
}

// FundProfile carries the static details used to label a fund's orders.
type FundProfile struct {
	Name              string `yaml:"name" json:"name"`
	ISIN              string `yaml:"isin" json:"isin"`
	SecuritiesAccount string `yaml:"securities_account" json:"securities_account"`
	CashAccount       string `yaml:"cash_account" json:"cash_account"`
}
