// Package reconcile keeps the internal position store in line with the
// broker, which is always authoritative, and halts trading when the two
// disagree by more than the configured tolerance.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/execution"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// ErrDriftBreach is returned by the pass that trips the kill switch.
var ErrDriftBreach = errors.New("position drift exceeds tolerance")

// Tripper is the part of the kill switch the worker needs.
type Tripper interface {
	Trip(source, reason string) bool
}

// Correction is one ticker the worker rewrote.
type Correction struct {
	Ticker      string  `json:"ticker"`
	InternalQty int64   `json:"internal_qty"`
	BrokerQty   int64   `json:"broker_qty"`
	PerShare    float64 `json:"per_share"`
	Explained   int64   `json:"explained_by_pending"`
	Drift       float64 `json:"drift"`
	Closed      bool    `json:"closed,omitempty"`
}

// Report summarises one pass.
type Report struct {
	At          time.Time    `json:"at"`
	Checked     int          `json:"checked"`
	Corrections []Correction `json:"corrections"`
	Drift       float64      `json:"drift_notional"`
	Equity      float64      `json:"equity"`
	DriftPct    float64      `json:"drift_pct"`
	Breach      bool         `json:"breach"`
	Tripped     bool         `json:"tripped"`
	Failed      []string     `json:"failed,omitempty"`
}

type Deps struct {
	Broker    broker.Client
	Positions store.PositionStore
	Audit     store.AuditSink
	Pending   *execution.PendingBook
	Halt      Tripper
	Config    risk.ConfigSource
	// Orders is the per-ticker lock the execution agent holds from order
	// placement until its fill is stored. Nil disables it.
	Orders *inflight.KeyedMutex
}

type Worker struct {
	Deps
	now func() time.Time
}

func NewWorker(d Deps) *Worker {
	return &Worker{Deps: d, now: time.Now}
}

func (w *Worker) SetClock(now func() time.Time) { w.now = now }

type snapshot struct {
	account  domain.BrokerAccount
	broker   []domain.BrokerPosition
	internal map[string]domain.PositionState
}

// read gathers every input before anything is written, so a failed read
// never leaves a half-corrected store.
func (w *Worker) read(ctx context.Context) (snapshot, error) {
	var s snapshot
	timeout := w.Config.Get().Execution.BrokerTimeout

	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	positions, err := w.Broker.GetPositions(bctx)
	if err != nil {
		return s, fmt.Errorf("failed to read broker positions: %w", err)
	}
	account, err := w.Broker.GetAccount(bctx)
	if err != nil {
		return s, fmt.Errorf("failed to read broker account: %w", err)
	}
	open, err := w.Positions.OpenPositions(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to read internal positions: %w", err)
	}

	s.account = account
	s.broker = positions
	s.internal = make(map[string]domain.PositionState, len(open))
	for _, p := range open {
		s.internal[strings.ToUpper(p.Ticker)] = p
	}
	return s, nil
}

// Reconcile runs one pass. It returns ErrDriftBreach only on the pass that
// trips the kill switch.
func (w *Worker) Reconcile(ctx context.Context) (Report, error) {
	start := w.now()
	rep := Report{At: start.UTC()}
	defer func() {
		observ.RecordDuration("reconcile_seconds", w.now().Sub(start), nil)
	}()

	snap, err := w.read(ctx)
	if err != nil {
		observ.Error("reconcile_skipped", err, nil)
		observ.IncCounter("reconcile_runs_total", map[string]string{"outcome": "skipped"})
		w.record(ctx, domain.AuditEvent{Kind: domain.AuditReconcileSkipped, Code: "READ_FAILED", Reason: err.Error()})
		return rep, err
	}
	rep.Equity = snap.account.TotalEquity

	cfg := w.Config.Get()
	drift := decimal.Zero

	tickers := make([]string, 0, len(snap.broker)+len(snap.internal))
	seen := make(map[string]bool, cap(tickers))
	for _, bp := range snap.broker {
		if t := strings.ToUpper(bp.Ticker); !seen[t] {
			seen[t] = true
			tickers = append(tickers, t)
		}
	}
	for t := range snap.internal {
		if !seen[t] {
			seen[t] = true
			tickers = append(tickers, t)
		}
	}
	sort.Strings(tickers)

	for _, t := range tickers {
		rep.Checked++
		if snap.agrees(t) {
			continue
		}
		c, d, err := w.reconcileTicker(ctx, t, cfg)
		if err != nil {
			w.tickerFailed(&rep, t, err)
			continue
		}
		if c == nil {
			continue
		}
		drift = drift.Add(d)
		rep.Corrections = append(rep.Corrections, *c)
		w.corrected(ctx, *c)
	}

	rep.Drift = drift.InexactFloat64()
	equity := decimal.NewFromFloat(snap.account.TotalEquity)
	tolerance := decimal.NewFromFloat(cfg.Reconcile.DriftTolerancePct)
	if equity.IsPositive() {
		pct := drift.Div(equity)
		rep.DriftPct = pct.InexactFloat64()
		rep.Breach = pct.GreaterThan(tolerance)
	} else {
		rep.Breach = drift.IsPositive()
	}

	observ.SetGauge("reconcile_drift_notional", rep.Drift, nil)
	observ.SetGauge("reconcile_drift_pct", rep.DriftPct, nil)
	observ.IncCounterBy("reconcile_corrections_total", nil, float64(len(rep.Corrections)))

	if rep.Breach {
		reason := fmt.Sprintf("drift %s is %.2f%% of equity %s, tolerance %.2f%%",
			drift.StringFixed(2), rep.DriftPct*100, equity.StringFixed(2), cfg.Reconcile.DriftTolerancePct*100)
		if w.Halt.Trip("reconcile", reason) {
			rep.Tripped = true
			w.record(ctx, domain.AuditEvent{
				Kind: domain.AuditDriftHalt, Code: "DRIFT_HALT", Reason: reason,
				Details: map[string]any{"drift": rep.Drift, "equity": rep.Equity, "drift_pct": rep.DriftPct},
			})
			observ.IncCounter("reconcile_runs_total", map[string]string{"outcome": "halted"})
			return rep, ErrDriftBreach
		}
		observ.Warn("drift_breach_while_halted", map[string]any{"drift": rep.Drift, "equity": rep.Equity})
	}

	observ.IncCounter("reconcile_runs_total", map[string]string{"outcome": "ok"})
	observ.Log("reconcile_completed", map[string]any{
		"checked": rep.Checked, "corrections": len(rep.Corrections), "drift": rep.Drift,
		"drift_pct": rep.DriftPct, "failed": len(rep.Failed),
	})
	return rep, nil
}

// agrees reports whether the snapshot already shows both sides equal.
func (s snapshot) agrees(t string) bool {
	cur, stored := s.internal[t]
	for _, bp := range s.broker {
		if strings.ToUpper(bp.Ticker) == t {
			return stored && cur.Quantity == bp.Quantity
		}
	}
	return !stored
}

// reconcileTicker re-reads both sides of one ticker under its order lock
// and rewrites the internal record to match the broker. A fill that landed
// after the pass snapshot is seen here and is neither overwritten nor
// counted as drift. It returns nil when the ticker already agrees.
func (w *Worker) reconcileTicker(ctx context.Context, t string, cfg *config.Root) (*Correction, decimal.Decimal, error) {
	if w.Orders != nil {
		defer w.Orders.Lock(t)()
	}
	bp, atBroker, cur, stored, err := w.readTicker(ctx, t)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if !atBroker {
		if !stored {
			return nil, decimal.Zero, nil
		}
		c := Correction{Ticker: t, InternalQty: cur.Quantity, Closed: true}
		if cur.Quantity != 0 {
			c.PerShare = decimal.NewFromFloat(cur.MarketValue).Div(decimal.NewFromInt(cur.Quantity)).InexactFloat64()
		}
		if w.Pending != nil {
			c.Explained = w.Pending.Consume(t, -cur.Quantity)
		}
		d := decimal.NewFromFloat(cur.MarketValue).Abs()
		if c.Explained != 0 && cur.Quantity != 0 {
			left := decimal.NewFromInt(cur.Quantity + c.Explained).Abs()
			d = left.Mul(decimal.NewFromFloat(c.PerShare)).Abs()
		}
		c.Drift = d.InexactFloat64()
		if err := w.Positions.MarkClosed(ctx, t); err != nil {
			return nil, decimal.Zero, err
		}
		return &c, d, nil
	}

	if stored && cur.Quantity == bp.Quantity {
		return nil, decimal.Zero, nil
	}
	c := Correction{Ticker: t, InternalQty: cur.Quantity, BrokerQty: bp.Quantity}
	perShare := pricePerShare(bp)
	c.PerShare = perShare.InexactFloat64()

	delta := bp.Quantity - cur.Quantity
	if w.Pending != nil {
		c.Explained = w.Pending.Consume(t, delta)
	}
	d := decimal.NewFromInt(delta - c.Explained).Abs().Mul(perShare)
	c.Drift = d.InexactFloat64()

	next := domain.PositionState{
		Ticker:      t,
		Sector:      cur.Sector,
		Quantity:    bp.Quantity,
		MarketValue: bp.MarketValue,
		OpenedAt:    cur.OpenedAt,
	}
	if next.Sector == "" {
		next.Sector = cfg.Risk.SectorFor(t)
	}
	if !stored {
		next.OpenedAt = w.now().UTC()
	}
	if err := w.Positions.Upsert(ctx, next); err != nil {
		return nil, decimal.Zero, err
	}
	return &c, d, nil
}

// readTicker fetches the current broker and internal records for t.
func (w *Worker) readTicker(ctx context.Context, t string) (bp domain.BrokerPosition, atBroker bool, cur domain.PositionState, stored bool, err error) {
	bctx, cancel := context.WithTimeout(ctx, w.Config.Get().Execution.BrokerTimeout)
	defer cancel()
	positions, err := w.Broker.GetPositions(bctx)
	if err != nil {
		return bp, false, cur, false, fmt.Errorf("failed to re-read broker positions: %w", err)
	}
	for _, p := range positions {
		if strings.ToUpper(p.Ticker) == t {
			bp, atBroker = p, true
			break
		}
	}
	open, err := w.Positions.OpenPositions(ctx)
	if err != nil {
		return bp, atBroker, cur, false, fmt.Errorf("failed to re-read internal positions: %w", err)
	}
	for _, p := range open {
		if strings.ToUpper(p.Ticker) == t {
			cur, stored = p, true
			break
		}
	}
	return bp, atBroker, cur, stored, nil
}

// pricePerShare prefers the broker mark and falls back to the entry price
// for a flat broker position.
func pricePerShare(bp domain.BrokerPosition) decimal.Decimal {
	if bp.Quantity != 0 {
		return decimal.NewFromFloat(bp.MarketValue).Div(decimal.NewFromInt(bp.Quantity)).Abs()
	}
	return decimal.NewFromFloat(bp.AvgEntryPrice).Abs()
}

func (w *Worker) corrected(ctx context.Context, c Correction) {
	code := "QTY_CORRECTED"
	switch {
	case c.Closed:
		code = "POSITION_CLOSED"
	case c.InternalQty == 0:
		code = "POSITION_CREATED"
	}
	w.record(ctx, domain.AuditEvent{
		Kind: domain.AuditReconciled, Code: code, Ticker: c.Ticker,
		Reason: fmt.Sprintf("internal %d, broker %d", c.InternalQty, c.BrokerQty),
		Details: map[string]any{
			"internal_qty": c.InternalQty,
			"broker_qty":   c.BrokerQty,
			"per_share":    c.PerShare,
			"explained":    c.Explained,
			"drift":        c.Drift,
		},
	})
	observ.Log("position_reconciled", map[string]any{
		"ticker": c.Ticker, "code": code, "internal_qty": c.InternalQty, "broker_qty": c.BrokerQty, "drift": c.Drift,
	})
}

func (w *Worker) tickerFailed(rep *Report, ticker string, err error) {
	rep.Failed = append(rep.Failed, ticker)
	observ.Error("reconcile_ticker_failed", err, map[string]any{"ticker": ticker})
	observ.IncCounter("reconcile_ticker_errors_total", nil)
}

func (w *Worker) record(ctx context.Context, ev domain.AuditEvent) {
	if w.Audit == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = w.now().UTC()
	if err := w.Audit.Record(ctx, ev); err != nil {
		observ.Error("audit_write_failed", err, map[string]any{"kind": string(ev.Kind)})
	}
}

// Run reconciles immediately and then on every reconcile.interval until
// ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Config.Get().Reconcile.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// errors are logged and audited inside Reconcile
		_, _ = w.Reconcile(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := w.Config.Get().Reconcile.Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
