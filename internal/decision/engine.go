// Package decision runs one evaluation-and-submission cycle per ticker:
// gather inputs, ask the gatekeeper, audit the decision and hand approvals
// to the execution agent.
package decision

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// ErrNoSignal means the signal source has nothing for the ticker.
var ErrNoSignal = errors.New("no signal")

type SignalSource interface {
	Signal(ctx context.Context, ticker string) (domain.Signal, error)
}

type MarketSource interface {
	Market(ctx context.Context, ticker string) (domain.MarketContext, error)
}

// FundamentalsSource is optional. A nil result means fundamentals are
// unavailable, which skips the valuation gates.
type FundamentalsSource interface {
	Fundamentals(ctx context.Context, ticker string) (*domain.Fundamentals, error)
}

type Evaluator interface {
	Evaluate(sig domain.Signal, pf domain.PortfolioState, mkt domain.MarketContext, fund *domain.Fundamentals) domain.RiskDecision
}

type PortfolioBuilder interface {
	Build(ctx context.Context) (domain.PortfolioState, error)
}

type Submitter interface {
	Submit(ctx context.Context, ap *domain.Approval) (*domain.OrderResponseStatus, error)
}

// Outcome is what one cycle produced. Skipped cycles carry no decision.
type Outcome struct {
	Ticker   string                      `json:"ticker"`
	Skipped  string                      `json:"skipped,omitempty"` // busy | no_signal
	Decision domain.RiskDecision         `json:"decision"`
	Ack      *domain.OrderResponseStatus `json:"ack,omitempty"`
	ExecErr  error                       `json:"-"`
}

type Deps struct {
	Signals      SignalSource
	Market       MarketSource
	Fundamentals FundamentalsSource
	Portfolio    PortfolioBuilder
	Gatekeeper   Evaluator
	Executor     Submitter // nil evaluates without submitting
	Audit        store.AuditSink
}

type Engine struct {
	Deps
	inflight *inflight.Tracker
	now      func() time.Time
}

func NewEngine(d Deps) *Engine {
	return &Engine{Deps: d, inflight: inflight.NewTracker(16), now: time.Now}
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Cycle pulls the current signal for ticker and processes it. A ticker
// that already has a cycle in flight is skipped.
func (e *Engine) Cycle(ctx context.Context, ticker string) Outcome {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	release, err := e.inflight.TryAcquire(ticker)
	if err != nil {
		return e.busy(ticker)
	}
	defer release()

	var out Outcome
	e.guard(ticker, "", &out, func() {
		sig, err := e.Signals.Signal(ctx, ticker)
		if errors.Is(err, ErrNoSignal) {
			out = Outcome{Ticker: ticker, Skipped: "no_signal"}
			observ.IncCounter("cycles_total", map[string]string{"outcome": "no_signal"})
			return
		}
		if err != nil {
			out = e.reject(ctx, ticker, "", risk.MetricSystemError, fmt.Sprintf("signal source: %v", err))
			return
		}
		out = e.process(ctx, ticker, sig)
	})
	return out
}

// Process runs an externally supplied signal through the same path, for
// end-of-day flattening and manual evaluation.
func (e *Engine) Process(ctx context.Context, sig domain.Signal) Outcome {
	ticker := strings.ToUpper(strings.TrimSpace(sig.Ticker))
	release, err := e.inflight.TryAcquire(ticker)
	if err != nil {
		return e.busy(ticker)
	}
	defer release()

	var out Outcome
	e.guard(ticker, sig.SignalID, &out, func() {
		out = e.process(ctx, ticker, sig)
	})
	return out
}

// guard turns a panic anywhere in the cycle into a SYSTEM_ERROR rejection.
func (e *Engine) guard(ticker, signalID string, out *Outcome, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observ.Logger().WithField("stack", string(debug.Stack())).Error("cycle_panic")
			*out = e.reject(context.Background(), ticker, signalID, risk.MetricSystemError, fmt.Sprintf("panic: %v", r))
		}
	}()
	fn()
}

func (e *Engine) busy(ticker string) Outcome {
	observ.Log("cycle_skipped_busy", map[string]any{"ticker": ticker})
	observ.IncCounter("cycles_total", map[string]string{"outcome": "busy"})
	return Outcome{Ticker: ticker, Skipped: "busy"}
}

func (e *Engine) process(ctx context.Context, ticker string, sig domain.Signal) Outcome {
	// HOLD and unknown actions are settled from the signal alone so a
	// broken feed cannot turn them into a data error.
	if action, ok := domain.ParseAction(sig.Action); !ok || action == domain.ActionHold {
		d := e.Gatekeeper.Evaluate(sig, domain.PortfolioState{}, domain.MarketContext{}, nil)
		e.auditDecision(ctx, sig, d)
		observ.IncCounter("cycles_total", map[string]string{"outcome": outcomeLabel(d)})
		return Outcome{Ticker: ticker, Decision: d}
	}

	mkt, err := e.Market.Market(ctx, ticker)
	if err != nil {
		return e.reject(ctx, ticker, sig.SignalID, risk.MetricDataError, fmt.Sprintf("market data: %v", err))
	}

	var fund *domain.Fundamentals
	if e.Fundamentals != nil {
		fund, err = e.Fundamentals.Fundamentals(ctx, ticker)
		if err != nil {
			observ.Warn("fundamentals_unavailable", map[string]any{"ticker": ticker, "error": err.Error()})
			fund = nil
		}
	}

	pf, err := e.Portfolio.Build(ctx)
	if err != nil {
		return e.reject(ctx, ticker, sig.SignalID, risk.MetricSystemError, fmt.Sprintf("portfolio: %v", err))
	}

	d := e.Gatekeeper.Evaluate(sig, pf, mkt, fund)
	out := Outcome{Ticker: ticker, Decision: d}
	e.auditDecision(ctx, sig, d)

	if !d.IsApproved() || e.Executor == nil {
		observ.IncCounter("cycles_total", map[string]string{"outcome": outcomeLabel(d)})
		return out
	}

	out.Ack, out.ExecErr = e.Executor.Submit(ctx, d.Approved)
	if out.ExecErr != nil {
		observ.IncCounter("cycles_total", map[string]string{"outcome": "execution_failed"})
	} else {
		observ.IncCounter("cycles_total", map[string]string{"outcome": "executed"})
	}
	return out
}

func outcomeLabel(d domain.RiskDecision) string {
	if d.IsApproved() {
		return "approved"
	}
	return "rejected"
}

// reject builds and audits a rejection the gatekeeper never saw.
func (e *Engine) reject(ctx context.Context, ticker, signalID, metric, reason string) Outcome {
	d := domain.RiskDecision{Rejected: &domain.Rejection{
		Ticker: ticker, SignalID: signalID, FailingMetric: metric, Reason: reason, Timestamp: e.now().UTC(),
	}}
	kind := domain.AuditRejected
	if metric == risk.MetricSystemError {
		kind = domain.AuditSystemError
		observ.Error("cycle_system_error", errors.New(reason), map[string]any{"ticker": ticker})
	} else {
		observ.Warn("cycle_rejected", map[string]any{"ticker": ticker, "metric": metric, "reason": reason})
	}
	e.record(ctx, domain.AuditEvent{Kind: kind, Code: metric, Ticker: ticker, SignalID: signalID, Reason: reason})
	observ.IncCounter("cycles_total", map[string]string{"outcome": "rejected"})
	return Outcome{Ticker: ticker, Decision: d}
}

func (e *Engine) auditDecision(ctx context.Context, sig domain.Signal, d domain.RiskDecision) {
	if a := d.Approved; a != nil {
		e.record(ctx, domain.AuditEvent{
			Kind: domain.AuditApproved, Code: "APPROVED", Ticker: a.Ticker, SignalID: a.SignalID, DecisionID: a.DecisionID,
			Reason: sig.Rationale,
			Details: map[string]any{
				"action":      string(a.Action),
				"quantity":    a.Quantity,
				"limit_price": a.LimitPrice,
				"mode":        string(a.Mode),
				"strategy":    sig.StrategyAlias,
				"confidence":  sig.Confidence,
				"notional":    a.Metrics.Notional,
			},
		})
		return
	}
	r := d.Rejected
	kind := domain.AuditRejected
	if r.FailingMetric == risk.MetricSystemError {
		kind = domain.AuditSystemError
	}
	e.record(ctx, domain.AuditEvent{
		Kind: kind, Code: r.FailingMetric, Ticker: r.Ticker, SignalID: r.SignalID, Reason: r.Reason,
		Details: map[string]any{"strategy": sig.StrategyAlias, "suggested_action": sig.Action},
	})
}

func (e *Engine) record(ctx context.Context, ev domain.AuditEvent) {
	if e.Audit == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = e.now().UTC()
	if err := e.Audit.Record(ctx, ev); err != nil {
		observ.Error("audit_write_failed", err, map[string]any{"kind": string(ev.Kind), "ticker": ev.Ticker})
	}
}
