package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// ConfigSource returns the current config snapshot.
type ConfigSource interface {
	Get() *config.Root
}

// HaltReader reports the process-wide halt flag.
type HaltReader interface {
	Halted() bool
}

// gate is one deterministic check. A nil result passes.
type gate struct {
	name  string
	check func(*evaluation) *violation
}

// evaluation carries the inputs of a single Evaluate call through the
// gate pipeline.
type evaluation struct {
	risk   config.Risk
	mode   domain.Mode
	halted bool

	sig    domain.Signal
	action domain.Action
	pf     domain.PortfolioState
	mkt    domain.MarketContext
	fund   *domain.Fundamentals
	sector string

	sized    bool
	prop     proposal
	propFail *violation
}

// proposal sizes the order once and memoises the result for the
// concentration, buying-power and sizing gates.
func (e *evaluation) proposal() (proposal, *violation) {
	if e.sized {
		return e.prop, e.propFail
	}
	e.sized = true

	var err error
	switch e.mode {
	case domain.ModeShortHorizon:
		e.prop, err = sizeShortHorizon(e.pf.TotalEquity, e.mkt.CurrentPrice, e.mkt.ATR14, e.risk)
	default:
		e.prop, err = sizeLongHorizon(e.pf.TotalEquity, e.mkt.CurrentPrice, e.risk)
	}
	if err != nil {
		e.propFail = reject(MetricDataError, "cannot size order: "+err.Error())
	}
	return e.prop, e.propFail
}

// Gatekeeper is the only path from a Signal to an executable order. It is
// safe for concurrent use; the config snapshot and the halt flag are read
// fresh on every call.
type Gatekeeper struct {
	mode  domain.Mode
	cfg   ConfigSource
	halt  HaltReader
	gates []gate
	now   func() time.Time
}

// NewGatekeeper fixes the gate pipeline for mode. Hot reloads change the
// limits, never the pipeline.
func NewGatekeeper(mode domain.Mode, cfg ConfigSource, halt HaltReader) *Gatekeeper {
	g := &Gatekeeper{mode: mode, cfg: cfg, halt: halt, now: time.Now}

	regime := gate{"regime", shortHorizonRegime}
	if mode == domain.ModeLongHorizon {
		regime = gate{"valuation", longHorizonValuation}
	}
	g.gates = []gate{
		{"halt", haltGate},
		{"viability", viabilityGate},
		regime,
		{"concentration", concentrationGate},
		{"buying_power", buyingPowerGate},
		{"sizing", sizingGate},
	}
	return g
}

// SetClock overrides the timestamp source.
func (g *Gatekeeper) SetClock(now func() time.Time) { g.now = now }

func (g *Gatekeeper) Mode() domain.Mode { return g.mode }

// Evaluate runs the gate pipeline. It never panics: anything unexpected
// becomes a SYSTEM_ERROR rejection.
func (g *Gatekeeper) Evaluate(sig domain.Signal, pf domain.PortfolioState, mkt domain.MarketContext, fund *domain.Fundamentals) (d domain.RiskDecision) {
	start := time.Now()
	ticker := strings.ToUpper(strings.TrimSpace(sig.Ticker))

	defer func() {
		if r := recover(); r != nil {
			observ.Error("risk_evaluate_panic", fmt.Errorf("%v", r), map[string]any{"ticker": ticker})
			d = g.rejected(ticker, sig.SignalID, reject(MetricSystemError, fmt.Sprintf("unexpected failure: %v", r)))
		}
		g.record(d, time.Since(start))
	}()

	e := &evaluation{
		risk: g.cfg.Get().Risk,
		mode: g.mode,
		sig:  sig,
		pf:   pf,
		mkt:  mkt,
		fund: fund,
	}
	e.sig.Ticker = ticker
	e.halted = pf.Halted || (g.halt != nil && g.halt.Halted())

	if v := validate(e); v != nil {
		return g.rejected(ticker, sig.SignalID, v)
	}
	e.sector = resolveSector(ticker, fund, e.risk)

	if e.action == domain.ActionSell {
		return g.evaluateSell(e)
	}

	for _, gt := range g.gates {
		if v := gt.check(e); v != nil {
			return g.rejected(ticker, sig.SignalID, v)
		}
	}

	p, _ := e.proposal()
	return domain.RiskDecision{Approved: &domain.Approval{
		DecisionID: uuid.NewString(),
		SignalID:   sig.SignalID,
		Ticker:     ticker,
		Sector:     e.sector,
		Action:     domain.ActionBuy,
		Quantity:   p.Shares,
		LimitPrice: p.LimitPrice.InexactFloat64(),
		Mode:       g.mode,
		Timestamp:  g.now(),
		Metrics:    p.metrics(pf),
	}}
}

// evaluateSell only needs the halt gate and an open position to exit.
func (g *Gatekeeper) evaluateSell(e *evaluation) domain.RiskDecision {
	if v := haltGate(e); v != nil {
		return g.rejected(e.sig.Ticker, e.sig.SignalID, v)
	}
	pos, ok := e.pf.Position(e.sig.Ticker)
	if !ok {
		return g.rejected(e.sig.Ticker, e.sig.SignalID,
			reject(MetricNoPosition, fmt.Sprintf("no open position in %s to sell", e.sig.Ticker)))
	}
	limit := decimal.NewFromFloat(e.mkt.CurrentPrice).Round(2)
	return domain.RiskDecision{Approved: &domain.Approval{
		DecisionID: uuid.NewString(),
		SignalID:   e.sig.SignalID,
		Ticker:     e.sig.Ticker,
		Sector:     pos.Sector,
		Action:     domain.ActionSell,
		Quantity:   pos.Quantity,
		LimitPrice: limit.InexactFloat64(),
		Mode:       g.mode,
		Timestamp:  g.now(),
		Metrics: domain.RiskMetrics{
			RawShares:    pos.Quantity,
			Notional:     limit.Mul(decimal.NewFromInt(pos.Quantity)).InexactFloat64(),
			DrawdownPct:  e.pf.CurrentDrawdownPct(),
			DailyLossPct: e.pf.DailyLossPct(),
		},
	}}
}

func (g *Gatekeeper) rejected(ticker, signalID string, v *violation) domain.RiskDecision {
	return domain.RiskDecision{Rejected: &domain.Rejection{
		Ticker:        ticker,
		SignalID:      signalID,
		FailingMetric: v.Metric,
		Reason:        v.Reason,
		Timestamp:     g.now(),
	}}
}

func (g *Gatekeeper) record(d domain.RiskDecision, took time.Duration) {
	outcome := "approved"
	if !d.IsApproved() {
		outcome = "rejected"
	}
	observ.IncCounter("decisions_total", map[string]string{"outcome": outcome, "metric": d.Metric()})
	observ.RecordDuration("gate_eval_seconds", took, map[string]string{"mode": string(g.mode)})
}

// validate checks the untrusted signal and the market snapshot before any
// gate runs.
func validate(e *evaluation) *violation {
	action, ok := domain.ParseAction(e.sig.Action)
	if !ok {
		return reject(MetricInvalidAction, fmt.Sprintf("unknown action %q", e.sig.Action))
	}
	if action == domain.ActionHold {
		return reject(MetricNoAction, "signal suggests HOLD")
	}
	e.action = action

	if e.sig.Ticker == "" {
		return reject(MetricInvalidAction, "signal has no ticker")
	}
	if !domain.Finite(e.sig.Confidence) || e.sig.Confidence < 0 || e.sig.Confidence > 1 {
		return reject(MetricInvalidAction, fmt.Sprintf("confidence %v outside [0,1]", e.sig.Confidence))
	}
	if mt := strings.ToUpper(strings.TrimSpace(e.mkt.Ticker)); mt != "" && mt != e.sig.Ticker {
		return reject(MetricInvalidAction, fmt.Sprintf("market data is for %s, signal is for %s", mt, e.sig.Ticker))
	}

	if !domain.Finite(e.mkt.CurrentPrice) || e.mkt.CurrentPrice <= 0 {
		return reject(MetricDataError, fmt.Sprintf("current price %v is not positive", e.mkt.CurrentPrice))
	}
	if !domain.Finite(e.mkt.ATR14) || e.mkt.ATR14 <= 0 {
		return reject(MetricDataError, fmt.Sprintf("atr_14 %v is not positive", e.mkt.ATR14))
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"avg_daily_volume", e.mkt.AvgDailyVolume},
		{"vix_level", e.mkt.VIXLevel},
		{"total_equity", e.pf.TotalEquity},
		{"buying_power", e.pf.BuyingPower},
	} {
		if !domain.Finite(f.v) {
			return reject(MetricDataError, fmt.Sprintf("%s %v is not finite", f.name, f.v))
		}
	}
	if fd := e.fund; fd != nil {
		for _, f := range []struct {
			name string
			v    *float64
		}{
			{"pe_trailing", fd.PETrailing},
			{"pe_forward", fd.PEForward},
			{"payout_ratio", fd.PayoutRatio},
		} {
			if f.v != nil && !domain.Finite(*f.v) {
				return reject(MetricDataError, fmt.Sprintf("%s %v is not finite", f.name, *f.v))
			}
		}
	}
	return nil
}

func resolveSector(ticker string, fund *domain.Fundamentals, r config.Risk) string {
	if fund != nil && fund.Sector != "" {
		return fund.Sector
	}
	return r.SectorFor(ticker)
}

func haltGate(e *evaluation) *violation {
	if e.halted {
		return reject(MetricHalted, "trading is halted; manual reset required")
	}
	return nil
}

func viabilityGate(e *evaluation) *violation {
	if dd := e.pf.CurrentDrawdownPct(); dd >= e.risk.MaxDrawdownPct {
		return reject(MetricDrawdownHalt,
			fmt.Sprintf("drawdown %.2f%% at or above limit %.2f%%", dd*100, e.risk.MaxDrawdownPct*100))
	}
	if dl := e.pf.DailyLossPct(); dl >= e.risk.MaxDailyLossPct {
		return reject(MetricDailyLoss,
			fmt.Sprintf("daily loss %.2f%% at or above limit %.2f%%", dl*100, e.risk.MaxDailyLossPct*100))
	}
	return nil
}

func shortHorizonRegime(e *evaluation) *violation {
	sh := e.risk.ShortHorizon
	if e.mkt.AvgDailyVolume < sh.MinADV {
		return reject(MetricLowLiquidity,
			fmt.Sprintf("average daily volume %.0f below floor %.0f", e.mkt.AvgDailyVolume, sh.MinADV))
	}
	if d := e.mkt.DaysToEarnings; d >= 0 && d <= sh.BlackoutDays() {
		return reject(MetricEarningsBlackout,
			fmt.Sprintf("earnings in %d days, inside %d day blackout", d, sh.BlackoutDays()))
	}
	if e.action == domain.ActionBuy && e.mkt.VIXLevel > sh.MaxVIX {
		return reject(MetricVIXCeiling, fmt.Sprintf("VIX %.1f above ceiling %.1f", e.mkt.VIXLevel, sh.MaxVIX))
	}
	return nil
}

// longHorizonValuation is skipped for ETFs and unknown sectors, where a
// sector-relative P/E cap has no meaning.
func longHorizonValuation(e *evaluation) *violation {
	f := e.fund
	if f == nil || f.IsETF || f.Sector == "" || f.Sector == domain.UnknownSector {
		return nil
	}
	lh := e.risk.LongHorizon
	if pe, ok := f.PE(); ok && pe > 0 {
		mult := 1.0
		if m, ok := lh.SectorPEMultipliers[f.Sector]; ok && m > 0 {
			mult = m
		}
		if limit := lh.MaxPE * mult; pe > limit {
			return reject(MetricValuationExtreme,
				fmt.Sprintf("P/E %.1f exceeds %s cap %.1f", pe, f.Sector, limit))
		}
	}
	if f.PayoutRatio != nil && *f.PayoutRatio > lh.PayoutRatioCap {
		return reject(MetricDividendRisk,
			fmt.Sprintf("payout ratio %.0f%% above cap %.0f%%", *f.PayoutRatio*100, lh.PayoutRatioCap*100))
	}
	return nil
}

func concentrationGate(e *evaluation) *violation {
	p, v := e.proposal()
	if v != nil {
		return v
	}
	equity := decimal.NewFromFloat(e.pf.TotalEquity)
	existing, holding := e.pf.Position(e.sig.Ticker)

	exposure := decimal.NewFromFloat(existing.MarketValue).Add(p.Notional)
	if pct := exposure.Div(equity); pct.GreaterThan(decimal.NewFromFloat(e.risk.MaxPositionPct)) {
		return reject(MetricPositionConcentration,
			fmt.Sprintf("%s exposure would reach %s%% of equity, limit %.2f%%",
				e.sig.Ticker, pct.Mul(decimal.NewFromInt(100)).StringFixed(2), e.risk.MaxPositionPct*100))
	}

	if e.sector != domain.UnknownSector {
		sector := decimal.NewFromFloat(e.pf.SectorExposure(e.sector)).Add(p.Notional)
		if pct := sector.Div(equity); pct.GreaterThan(decimal.NewFromFloat(e.risk.MaxSectorPct)) {
			return reject(MetricSectorConcentration,
				fmt.Sprintf("%s sector exposure would reach %s%% of equity, limit %.2f%%",
					e.sector, pct.Mul(decimal.NewFromInt(100)).StringFixed(2), e.risk.MaxSectorPct*100))
		}
	}

	if limit := e.risk.MaxOpenPositions; limit > 0 && !holding && e.pf.OpenCount() >= limit {
		return reject(MetricMaxPositions, fmt.Sprintf("already holding %d positions, limit %d", e.pf.OpenCount(), limit))
	}
	return nil
}

func buyingPowerGate(e *evaluation) *violation {
	p, v := e.proposal()
	if v != nil {
		return v
	}
	if p.Notional.GreaterThan(decimal.NewFromFloat(e.pf.BuyingPower)) {
		return reject(MetricBuyingPower,
			fmt.Sprintf("order notional %s exceeds buying power %.2f", p.Notional.StringFixed(2), e.pf.BuyingPower))
	}
	return nil
}

func sizingGate(e *evaluation) *violation {
	p, v := e.proposal()
	if v != nil {
		return v
	}
	if p.Shares <= 0 {
		return reject(MetricTinyRisk,
			fmt.Sprintf("risk budget sizes to zero shares (raw %d)", p.RawShares))
	}
	return nil
}
