package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

// proposal is the order the sizing rules would emit. Concentration and
// buying-power gates check it before sizing finally approves it.
type proposal struct {
	Shares       int64
	LimitPrice   decimal.Decimal
	Notional     decimal.Decimal
	RiskDollars  decimal.Decimal
	StopDistance decimal.Decimal
	Allocation   decimal.Decimal
	RawShares    int64
	Capped       bool
}

var one = decimal.NewFromInt(1)

// sizeShortHorizon risks a fixed fraction of equity against an ATR stop,
// then caps the result at the per-position limit.
func sizeShortHorizon(equity, price, atr float64, r config.Risk) (proposal, error) {
	if !(equity > 0) {
		return proposal{}, fmt.Errorf("equity %v is not positive", equity)
	}
	if !(price > 0) || !(atr > 0) {
		return proposal{}, fmt.Errorf("price %v or atr %v is not positive", price, atr)
	}
	eq := decimal.NewFromFloat(equity)
	px := decimal.NewFromFloat(price)

	riskDollars := eq.Mul(decimal.NewFromFloat(r.ShortHorizon.RiskPerTradePct))
	stop := decimal.NewFromFloat(r.ShortHorizon.ATRMultiplier).Mul(decimal.NewFromFloat(atr))
	if !stop.IsPositive() {
		return proposal{}, fmt.Errorf("stop distance %s is not positive", stop)
	}
	raw := riskDollars.Div(stop).Floor().IntPart()

	maxShares := eq.Mul(decimal.NewFromFloat(r.MaxPositionPct)).Div(px).Floor().IntPart()
	shares, capped := raw, false
	if shares > maxShares {
		shares, capped = maxShares, true
	}
	if shares < 0 {
		shares = 0
	}

	limit := px.Round(2)
	return proposal{
		Shares:       shares,
		LimitPrice:   limit,
		Notional:     limit.Mul(decimal.NewFromInt(shares)),
		RiskDollars:  riskDollars,
		StopDistance: stop,
		RawShares:    raw,
		Capped:       capped,
	}, nil
}

// sizeLongHorizon allocates a fixed fraction of equity and bids slightly
// under the last price so the order never pays the ask outright.
func sizeLongHorizon(equity, price float64, r config.Risk) (proposal, error) {
	if !(equity > 0) {
		return proposal{}, fmt.Errorf("equity %v is not positive", equity)
	}
	if !(price > 0) {
		return proposal{}, fmt.Errorf("price %v is not positive", price)
	}
	eq := decimal.NewFromFloat(equity)
	alloc := decimal.Min(
		eq.Mul(decimal.NewFromFloat(r.LongHorizon.AllocPct)),
		eq.Mul(decimal.NewFromFloat(r.MaxPositionPct)),
	)
	limit := decimal.NewFromFloat(price).
		Mul(one.Sub(decimal.NewFromFloat(r.LongHorizon.ChaseOffset()))).
		Round(2)
	if !limit.IsPositive() {
		return proposal{}, fmt.Errorf("limit price %s is not positive", limit)
	}

	raw := alloc.Div(limit).Floor().IntPart()
	shares := raw
	if shares < 1 {
		shares = 1
	}
	return proposal{
		Shares:     shares,
		LimitPrice: limit,
		Notional:   limit.Mul(decimal.NewFromInt(shares)),
		Allocation: alloc,
		RawShares:  raw,
	}, nil
}

func (p proposal) metrics(pf domain.PortfolioState) domain.RiskMetrics {
	notional := p.Notional.InexactFloat64()
	m := domain.RiskMetrics{
		RiskDollars:  p.RiskDollars.InexactFloat64(),
		StopDistance: p.StopDistance.InexactFloat64(),
		Allocation:   p.Allocation.InexactFloat64(),
		RawShares:    p.RawShares,
		Capped:       p.Capped,
		Notional:     notional,
		DrawdownPct:  pf.CurrentDrawdownPct(),
		DailyLossPct: pf.DailyLossPct(),
	}
	if pf.TotalEquity > 0 {
		m.PositionPct = notional / pf.TotalEquity
	}
	return m
}
