// Package portfolio assembles the PortfolioState the gatekeeper evaluates
// against. Quantities and values come from the broker; the store only
// contributes what the broker does not know, such as sectors.
package portfolio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

type Builder struct {
	broker    broker.Client
	positions store.PositionStore
	marks     *Marks
	halt      risk.HaltReader
	cfg       risk.ConfigSource
	now       func() time.Time
}

func NewBuilder(b broker.Client, positions store.PositionStore, marks *Marks, halt risk.HaltReader, cfg risk.ConfigSource) *Builder {
	return &Builder{broker: b, positions: positions, marks: marks, halt: halt, cfg: cfg, now: time.Now}
}

func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Build reads the broker account and positions and returns a snapshot.
func (b *Builder) Build(ctx context.Context) (domain.PortfolioState, error) {
	var pf domain.PortfolioState
	cfg := b.cfg.Get()

	bctx, cancel := context.WithTimeout(ctx, cfg.Execution.BrokerTimeout)
	defer cancel()
	account, err := b.broker.GetAccount(bctx)
	if err != nil {
		return pf, fmt.Errorf("failed to read broker account: %w", err)
	}
	held, err := b.broker.GetPositions(bctx)
	if err != nil {
		return pf, fmt.Errorf("failed to read broker positions: %w", err)
	}

	internal := map[string]domain.PositionState{}
	if b.positions != nil {
		open, err := b.positions.OpenPositions(ctx)
		if err != nil {
			// sectors fall back to the static map
			observ.Error("portfolio_store_read_failed", err, nil)
		}
		for _, p := range open {
			internal[strings.ToUpper(p.Ticker)] = p
		}
	}

	pf.BuyingPower = account.BuyingPower
	pf.TotalEquity = account.TotalEquity
	pf.Halted = account.TradingBlocked || (b.halt != nil && b.halt.Halted())
	pf.HighWaterMark = account.TotalEquity
	pf.DailyStartEquity = account.TotalEquity
	if b.marks != nil {
		hwm, start, err := b.marks.Observe(account.TotalEquity, b.now())
		if err != nil {
			observ.Error("portfolio_marks_save_failed", err, nil)
		}
		pf.HighWaterMark, pf.DailyStartEquity = hwm, start
	}

	for _, bp := range held {
		if bp.Quantity == 0 {
			continue
		}
		t := strings.ToUpper(bp.Ticker)
		ps := domain.PositionState{
			Ticker:           t,
			Quantity:         bp.Quantity,
			MarketValue:      bp.MarketValue,
			UnrealizedPnLPct: unrealizedPct(bp),
		}
		if cur, ok := internal[t]; ok {
			ps.Sector = cur.Sector
			ps.OpenedAt = cur.OpenedAt
		}
		if ps.Sector == "" || ps.Sector == domain.UnknownSector {
			ps.Sector = cfg.Risk.SectorFor(t)
		}
		pf.Positions = append(pf.Positions, ps)
	}

	observ.SetGauge("portfolio_equity", pf.TotalEquity, nil)
	observ.SetGauge("portfolio_drawdown_pct", pf.CurrentDrawdownPct(), nil)
	observ.SetGauge("portfolio_open_positions", float64(pf.OpenCount()), nil)
	return pf, nil
}

func unrealizedPct(bp domain.BrokerPosition) float64 {
	cost := decimal.NewFromFloat(bp.AvgEntryPrice).Mul(decimal.NewFromInt(bp.Quantity))
	if cost.IsZero() {
		return 0
	}
	return decimal.NewFromFloat(bp.MarketValue).Sub(cost).Div(cost.Abs()).InexactFloat64()
}
