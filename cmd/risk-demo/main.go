// Command risk-demo replays the three reference scenarios against the paper
// broker: short-horizon sizing, long-horizon sizing and a reconciliation
// correction. It exits non-zero if any result differs from the expected one.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/execution"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/outbox"
	"github.com/Rajchodisetti/tradeguard/internal/portfolio"
	"github.com/Rajchodisetti/tradeguard/internal/reconcile"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// rig is one isolated safety layer over a paper broker.
type rig struct {
	paper   *broker.Paper
	store   *store.Locked
	journal *outbox.Journal
	halt    *risk.KillSwitch
	live    *config.Live
	builder *portfolio.Builder
	gate    *risk.Gatekeeper
	agent   *execution.Agent
	worker  *reconcile.Worker
}

func newRig(dir string, mode domain.Mode, cash float64) (*rig, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := store.OpenFile(filepath.Join(dir, "positions.json"))
	if err != nil {
		return nil, err
	}
	j, err := outbox.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		return nil, err
	}
	ks, err := risk.NewKillSwitch(filepath.Join(dir, "killswitch.jsonl"))
	if err != nil {
		return nil, err
	}
	marks, err := portfolio.OpenMarks("", time.UTC)
	if err != nil {
		return nil, err
	}

	r := &rig{paper: broker.NewPaper(cash), store: store.WithTickerLocks(f), journal: j, halt: ks}
	r.live = config.NewLive(config.Default(mode))
	pending := execution.NewPendingBook(time.Hour)
	orders := inflight.NewKeyedMutex()
	r.builder = portfolio.NewBuilder(r.paper, r.store, marks, ks, r.live)
	r.gate = risk.NewGatekeeper(mode, r.live, ks)
	r.agent = execution.NewAgent(execution.Deps{
		Broker: r.paper, Ledger: execution.NewJournalLedger(j), Positions: r.store,
		Audit: j, Pending: pending, Config: r.live, Halt: ks, Orders: orders,
	})
	r.worker = reconcile.NewWorker(reconcile.Deps{
		Broker: r.paper, Positions: r.store, Audit: j, Pending: pending, Halt: ks, Config: r.live, Orders: orders,
	})
	return r, nil
}

// trade evaluates sig and, when approved, submits it.
func (r *rig) trade(ctx context.Context, sig domain.Signal, mkt domain.MarketContext) (domain.RiskDecision, *domain.OrderResponseStatus, error) {
	r.paper.SetPrice(mkt.Ticker, mkt.CurrentPrice)
	pf, err := r.builder.Build(ctx)
	if err != nil {
		return domain.RiskDecision{}, nil, err
	}
	d := r.gate.Evaluate(sig, pf, mkt, nil)
	if !d.IsApproved() {
		return d, nil, nil
	}
	ack, err := r.agent.Submit(ctx, d.Approved)
	return d, ack, err
}

type check struct {
	name      string
	got, want any
}

func (c check) ok() bool { return fmt.Sprint(c.got) == fmt.Sprint(c.want) }

func scenarioA(ctx context.Context, dir string) ([]check, error) {
	r, err := newRig(dir, domain.ModeShortHorizon, 100_000)
	if err != nil {
		return nil, err
	}
	d, ack, err := r.trade(ctx,
		domain.Signal{SignalID: "demo-a", Ticker: "NVDA", Action: "BUY", Confidence: 0.8},
		domain.MarketContext{Ticker: "NVDA", CurrentPrice: 180, ATR14: 4, AvgDailyVolume: 40_000_000, DaysToEarnings: -1, VIXLevel: 16},
	)
	if err != nil {
		return nil, err
	}
	if !d.IsApproved() {
		return []check{{"approved", d.Metric(), "approved"}}, nil
	}
	return []check{
		{"quantity", d.Approved.Quantity, 27},
		{"limit price", d.Approved.LimitPrice, 180},
		{"risk dollars", d.Approved.Metrics.RiskDollars, 1000},
		{"fill", ack.FilledQty, 27},
	}, nil
}

func scenarioB(ctx context.Context, dir string) ([]check, error) {
	r, err := newRig(dir, domain.ModeLongHorizon, 100_000)
	if err != nil {
		return nil, err
	}
	d, ack, err := r.trade(ctx,
		domain.Signal{SignalID: "demo-b", Ticker: "KO", Action: "BUY", Confidence: 0.7},
		domain.MarketContext{Ticker: "KO", CurrentPrice: 50, ATR14: 1, AvgDailyVolume: 12_000_000, DaysToEarnings: -1, VIXLevel: 16},
	)
	if err != nil {
		return nil, err
	}
	if !d.IsApproved() {
		return []check{{"approved", d.Metric(), "approved"}}, nil
	}
	// the limit sits under the last trade, so the order rests
	return []check{
		{"quantity", d.Approved.Quantity, 60},
		{"limit price", d.Approved.LimitPrice, 49.75},
		{"order status", ack.Status, domain.OrderStatusAccepted},
	}, nil
}

func scenarioC(ctx context.Context, dir string) ([]check, error) {
	r, err := newRig(dir, domain.ModeLongHorizon, 98_800)
	if err != nil {
		return nil, err
	}
	r.paper.SetPosition("AAPL", 8, 150)
	r.paper.SetPrice("AAPL", 150)
	if err := r.store.Upsert(ctx, domain.PositionState{Ticker: "AAPL", Sector: "Technology", Quantity: 10, MarketValue: 1500}); err != nil {
		return nil, err
	}

	rep, err := r.worker.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	open, err := r.store.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	qty := int64(-1)
	for _, p := range open {
		if p.Ticker == "AAPL" {
			qty = p.Quantity
		}
	}
	return []check{
		{"drift", rep.Drift, 300},
		{"equity", rep.Equity, 100000},
		{"halted", r.halt.Halted(), false},
		{"AAPL quantity", qty, 8},
	}, nil
}

func main() {
	observ.Init(observ.LogConfig{Level: "warn"})
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "risk-demo-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	scenarios := []struct {
		name string
		run  func(context.Context, string) ([]check, error)
	}{
		{"A short-horizon sizing", scenarioA},
		{"B long-horizon sizing", scenarioB},
		{"C reconciliation", scenarioC},
	}

	failed := 0
	for i, s := range scenarios {
		fmt.Printf("Scenario %s\n", s.name)
		checks, err := s.run(ctx, filepath.Join(dir, fmt.Sprint(i)))
		if err != nil {
			fmt.Printf("  error: %v\n", err)
			failed++
			continue
		}
		for _, c := range checks {
			mark := "ok"
			if !c.ok() {
				mark = "MISMATCH"
				failed++
			}
			fmt.Printf("  %-14s %-10v expected %-10v %s\n", c.name, c.got, c.want, mark)
		}
	}
	if failed > 0 {
		fmt.Printf("%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("all scenarios match")
}
