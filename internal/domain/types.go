package domain

import (
	"math"
	"strings"
	"time"
)

// Action is the trade direction a Signal proposes.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction normalises a raw action string. ok is false for anything
// outside BUY, SELL and HOLD.
func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionHold:
		return ActionHold, true
	}
	return "", false
}

// Signal is an untrusted trade suggestion from the upstream LLM layer.
// Every field may be malformed.
type Signal struct {
	SignalID      string  `json:"signal_id" yaml:"signal_id"`
	Ticker        string  `json:"ticker" yaml:"ticker"`
	Action        string  `json:"suggested_action" yaml:"suggested_action"`
	Confidence    float64 `json:"confidence" yaml:"confidence"`
	Rationale     string  `json:"rationale" yaml:"rationale"`
	StrategyAlias string  `json:"strategy_alias" yaml:"strategy_alias"`
}

// MarketContext is the market snapshot for one ticker at evaluation time.
type MarketContext struct {
	Ticker         string    `json:"ticker" yaml:"ticker"`
	CurrentPrice   float64   `json:"current_price" yaml:"current_price"`
	ATR14          float64   `json:"atr_14" yaml:"atr_14"`
	AvgDailyVolume float64   `json:"avg_daily_volume" yaml:"avg_daily_volume"`
	DaysToEarnings int       `json:"days_to_earnings" yaml:"days_to_earnings"` // negative when unknown
	VIXLevel       float64   `json:"vix_level" yaml:"vix_level"`
	SMA20          float64   `json:"sma_20" yaml:"sma_20"`
	SMA50          float64   `json:"sma_50" yaml:"sma_50"`
	AsOf           time.Time `json:"as_of" yaml:"as_of"`
}

// Fundamentals holds optional valuation data. A nil pointer is a missing
// data point.
type Fundamentals struct {
	PETrailing  *float64 `json:"pe_trailing,omitempty" yaml:"pe_trailing"`
	PEForward   *float64 `json:"pe_forward,omitempty" yaml:"pe_forward"`
	PayoutRatio *float64 `json:"payout_ratio,omitempty" yaml:"payout_ratio"`
	Sector      string   `json:"sector,omitempty" yaml:"sector"`
	IsETF       bool     `json:"is_etf,omitempty" yaml:"is_etf"`
}

// PE returns the trailing P/E, falling back to forward.
func (f *Fundamentals) PE() (float64, bool) {
	if f == nil {
		return 0, false
	}
	if f.PETrailing != nil {
		return *f.PETrailing, true
	}
	if f.PEForward != nil {
		return *f.PEForward, true
	}
	return 0, false
}

// Float returns a pointer to v, for building Fundamentals literals.
func Float(v float64) *float64 { return &v }

// UnknownSector is used when no sector mapping exists for a ticker.
const UnknownSector = "UNKNOWN"

// PositionState is the internal record of one open position.
type PositionState struct {
	Ticker           string    `json:"ticker" db:"ticker"`
	Sector           string    `json:"sector" db:"sector"`
	Quantity         int64     `json:"quantity" db:"quantity"`
	MarketValue      float64   `json:"market_value" db:"market_value"`
	UnrealizedPnLPct float64   `json:"unrealized_pnl_pct" db:"unrealized_pnl_pct"`
	OpenedAt         time.Time `json:"opened_at" db:"opened_at"`
}

// PortfolioState is built fresh from the broker every cycle.
type PortfolioState struct {
	BuyingPower      float64         `json:"buying_power"`
	TotalEquity      float64         `json:"total_equity"`
	HighWaterMark    float64         `json:"high_water_mark"`
	DailyStartEquity float64         `json:"daily_start_equity"`
	Positions        []PositionState `json:"positions"`
	Halted           bool            `json:"halted"`
}

// CurrentDrawdownPct is the fractional decline from the high-water mark.
func (p PortfolioState) CurrentDrawdownPct() float64 {
	if p.HighWaterMark <= 0 {
		return 0
	}
	return (p.HighWaterMark - p.TotalEquity) / p.HighWaterMark
}

// DailyLossPct is the fractional decline from the day's starting equity.
func (p PortfolioState) DailyLossPct() float64 {
	if p.DailyStartEquity <= 0 {
		return 0
	}
	return (p.DailyStartEquity - p.TotalEquity) / p.DailyStartEquity
}

// Position returns the open position for ticker, if any.
func (p PortfolioState) Position(ticker string) (PositionState, bool) {
	for _, pos := range p.Positions {
		if pos.Ticker == ticker && pos.Quantity > 0 {
			return pos, true
		}
	}
	return PositionState{}, false
}

// SectorExposure sums market value of open positions in sector.
func (p PortfolioState) SectorExposure(sector string) float64 {
	var total float64
	for _, pos := range p.Positions {
		if pos.Quantity > 0 && pos.Sector == sector {
			total += pos.MarketValue
		}
	}
	return total
}

// OpenCount is the number of positions with a positive quantity.
func (p PortfolioState) OpenCount() int {
	n := 0
	for _, pos := range p.Positions {
		if pos.Quantity > 0 {
			n++
		}
	}
	return n
}

// Finite reports whether v is a usable number.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
