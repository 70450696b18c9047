package model

import (
	"github.com/shopspring/decimal"
)

// PositionSnapshot is one held instrument's market value on the valuation date.
type PositionSnapshot struct {
	ISIN        string          `json:"isin"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// ModelWeight is the target fraction of portfolio value for one instrument.
// Weights need not sum to 1.
type ModelWeight struct {
	ISIN   string          `json:"isin"`
	Weight decimal.Decimal `json:"weight"`
}

// PositionLimitSnapshot holds an instrument's weight ceilings as fractions.
// Soft stops further buys; hard is never to be exceeded.
type PositionLimitSnapshot struct {
	SoftLimit decimal.Decimal `json:"soft_limit"`
	HardLimit decimal.Decimal `json:"hard_limit"`
}

// FundTransactionInput is a consistent point-in-time view of one fund.
//
// Invariants:
//
//	GrossPortfolioValue = Σ positions.MarketValue + cash
//	FreeCash = cash − CashBuffer − Liabilities + Receivables − pending net buys
type FundTransactionInput struct {
	Fund                    Fund                             `json:"fund"`
	Positions               []PositionSnapshot               `json:"positions"`
	ModelWeights            []ModelWeight                    `json:"model_weights"`
	GrossPortfolioValue     decimal.Decimal                  `json:"gross_portfolio_value"`
	CashBuffer              decimal.Decimal                  `json:"cash_buffer"`
	Liabilities             decimal.Decimal                  `json:"liabilities"`
	Receivables             decimal.Decimal                  `json:"receivables"`
	FreeCash                decimal.Decimal                  `json:"free_cash"`
	MinTransactionThreshold decimal.Decimal                  `json:"min_transaction_threshold"`
	PositionLimits          map[string]PositionLimitSnapshot `json:"position_limits"`
	FastSellISINs           map[string]bool                  `json:"fast_sell_isins"`
	InstrumentTypes         map[string]InstrumentType        `json:"instrument_types"`
	OrderVenues             map[string]OrderVenue            `json:"order_venues"`
}

// NewFundTransactionInput returns an input for fund with every amount at
// zero and every lookup map empty (never nil).
func NewFundTransactionInput(fund Fund) *FundTransactionInput {
	return &FundTransactionInput{
		Fund:                    fund,
		Positions:               []PositionSnapshot{},
		ModelWeights:            []ModelWeight{},
		GrossPortfolioValue:     decimal.Zero,
		CashBuffer:              decimal.Zero,
		Liabilities:             decimal.Zero,
		Receivables:             decimal.Zero,
		FreeCash:                decimal.Zero,
		MinTransactionThreshold: decimal.Zero,
		PositionLimits:          make(map[string]PositionLimitSnapshot),
		FastSellISINs:           make(map[string]bool),
		InstrumentTypes:         make(map[string]InstrumentType),
		OrderVenues:             make(map[string]OrderVenue),
	}
}

// TradeCalculation is one instrument's computed trade.
// Positive Amount is a buy, negative a sell.
type TradeCalculation struct {
	ISIN            string          `json:"isin"`
	Amount          decimal.Decimal `json:"trade_amount"`
	ProjectedWeight decimal.Decimal `json:"projected_weight"`
	LimitStatus     LimitStatus     `json:"limit_status"`
}

// FundCalculationResult is the engine output for one input and mode.
type FundCalculationResult struct {
	Fund   Fund                  `json:"fund"`
	Mode   TransactionMode       `json:"mode"`
	Input  *FundTransactionInput `json:"-"`
	Trades []TradeCalculation    `json:"trades"`
}
