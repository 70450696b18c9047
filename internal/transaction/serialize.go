package transaction

import (
	"sort"

	"github.com/pensionops/rebalancer/internal/model"
)

// Audit payloads carry every number as a plain decimal string so the
// snapshot round-trips exactly.

func serializeInput(in *model.FundTransactionInput) map[string]any {
	positions := make([]any, 0, len(in.Positions))
	for _, p := range in.Positions {
		positions = append(positions, map[string]any{
			"isin":        p.ISIN,
			"marketValue": p.MarketValue.String(),
		})
	}

	weights := make([]any, 0, len(in.ModelWeights))
	for _, w := range in.ModelWeights {
		weights = append(weights, map[string]any{
			"isin":   w.ISIN,
			"weight": w.Weight.String(),
		})
	}

	limits := make(map[string]any, len(in.PositionLimits))
	for isin, l := range in.PositionLimits {
		limits[isin] = map[string]any{
			"softLimit": l.SoftLimit.String(),
			"hardLimit": l.HardLimit.String(),
		}
	}

	fastSell := make([]string, 0, len(in.FastSellISINs))
	for isin, ok := range in.FastSellISINs {
		if ok {
			fastSell = append(fastSell, isin)
		}
	}
	sort.Strings(fastSell)
	fastSellAny := make([]any, len(fastSell))
	for i, isin := range fastSell {
		fastSellAny[i] = isin
	}

	return map[string]any{
		"positions":               positions,
		"modelWeights":            weights,
		"grossPortfolioValue":     in.GrossPortfolioValue.String(),
		"cashBuffer":              in.CashBuffer.String(),
		"liabilities":             in.Liabilities.String(),
		"receivables":             in.Receivables.String(),
		"freeCash":                in.FreeCash.String(),
		"minTransactionThreshold": in.MinTransactionThreshold.String(),
		"positionLimits":          limits,
		"fastSellIsins":           fastSellAny,
	}
}

func serializeTrades(trades []model.TradeCalculation) []any {
	out := make([]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"isin":            t.ISIN,
			"tradeAmount":     t.Amount.String(),
			"projectedWeight": t.ProjectedWeight.String(),
			"limitStatus":     string(t.LimitStatus),
		})
	}
	return out
}
