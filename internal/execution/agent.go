// Package execution turns approvals into broker orders. Every approval
// maps to one idempotency key for its whole life, so retries and
// re-submissions can never place a second order.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// Reason says why an approval was not executed.
type Reason string

const (
	ReasonStale     Reason = "stale"
	ReasonHalted    Reason = "halted"
	ReasonFatal     Reason = "fatal"
	ReasonExhausted Reason = "exhausted"
	ReasonLedger    Reason = "ledger"
	ReasonCanceled  Reason = "canceled"
)

// ExecutionError is the only error Submit returns.
type ExecutionError struct {
	Reason   Reason
	Attempts int
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("execution %s after %d attempt(s)", e.Reason, e.Attempts)
	}
	return fmt.Sprintf("execution %s after %d attempt(s): %v", e.Reason, e.Attempts, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Deps wires an Agent. Pending may be nil when no reconciliation runs.
type Deps struct {
	Broker    broker.Client
	Ledger    Ledger
	Positions store.PositionStore
	Audit     store.AuditSink
	Pending   *PendingBook
	Config    risk.ConfigSource
	Halt      risk.HaltReader
	// Orders is held per ticker from order placement until the fill and
	// any working remainder are recorded. Share it with the reconciliation
	// worker. Nil disables it.
	Orders *inflight.KeyedMutex
}

type Agent struct {
	Deps
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewAgent(d Deps) *Agent {
	return &Agent{Deps: d, now: time.Now, sleep: sleepCtx}
}

// SetClock replaces the wall clock and the backoff sleeper, for tests.
func (a *Agent) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	if now != nil {
		a.now = now
	}
	if sleep != nil {
		a.sleep = sleep
	}
}

// Submit executes ap at most once. The ack is non-nil exactly when err is
// nil; any error is an *ExecutionError and means nothing was executed.
func (a *Agent) Submit(ctx context.Context, ap *domain.Approval) (*domain.OrderResponseStatus, error) {
	if ap == nil {
		return nil, &ExecutionError{Reason: ReasonFatal, Cause: errors.New("nil approval")}
	}
	cfg := a.Config.Get().Execution

	if a.stale(ap, cfg) {
		return nil, a.fail(ctx, ap, ReasonStale, 0, nil)
	}

	req := domain.OrderRequest{
		InternalOrderID: uuid.NewString(),
		IdempotencyKey:  uuid.NewString(),
		Ticker:          ap.Ticker,
		Side:            ap.Action,
		Quantity:        ap.Quantity,
		OrderType:       domain.OrderTypeLimit,
		LimitPrice:      ap.LimitPrice,
		TimeInForce:     domain.TimeInForceDay,
	}
	req, prior, err := a.Ledger.Reserve(ctx, ap.DecisionID, req)
	if err != nil {
		return nil, a.fail(ctx, ap, ReasonLedger, 0, err)
	}
	if prior != nil {
		observ.Log("execution_replayed", map[string]any{
			"decision_id": ap.DecisionID, "ticker": ap.Ticker, "broker_order_id": prior.BrokerOrderID,
		})
		observ.IncCounter("executions_total", map[string]string{"outcome": "replayed"})
		return prior, nil
	}

	attempts := 0
	var lastErr error
	for n := 0; n <= cfg.Retries(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, a.fail(ctx, ap, ReasonCanceled, attempts, err)
		}
		if a.stale(ap, cfg) {
			return nil, a.fail(ctx, ap, ReasonStale, attempts, lastErr)
		}
		if a.Halt != nil && a.Halt.Halted() {
			return nil, a.fail(ctx, ap, ReasonHalted, attempts, lastErr)
		}

		attempts++
		unlock := a.lockTicker(req.Ticker)
		actx, cancel := context.WithTimeout(ctx, cfg.BrokerTimeout)
		ack, err := a.Broker.PlaceOrder(actx, req)
		cancel()
		if err == nil {
			out := a.complete(ctx, ap, req, ack, attempts)
			unlock()
			return out, nil
		}
		unlock()
		lastErr = err
		if ctx.Err() != nil {
			return nil, a.fail(ctx, ap, ReasonCanceled, attempts, err)
		}

		class := broker.Classify(err)
		observ.Warn("execution_attempt_failed", map[string]any{
			"decision_id": ap.DecisionID, "ticker": ap.Ticker, "attempt": attempts,
			"class": class.String(), "error": err.Error(),
		})
		if class == broker.ClassFatal {
			return nil, a.fail(ctx, ap, ReasonFatal, attempts, err)
		}
		if n == cfg.Retries() {
			break
		}
		if err := a.sleep(ctx, backoff(class, n, cfg)); err != nil {
			return nil, a.fail(ctx, ap, ReasonCanceled, attempts, err)
		}
	}
	return nil, a.fail(ctx, ap, ReasonExhausted, attempts, lastErr)
}

func (a *Agent) lockTicker(ticker string) func() {
	if a.Orders == nil {
		return func() {}
	}
	return a.Orders.Lock(strings.ToUpper(ticker))
}

func (a *Agent) stale(ap *domain.Approval, cfg config.Execution) bool {
	return a.now().Sub(ap.Timestamp) > cfg.StalenessWindow
}

// backoff is base*2^n capped at max for rate limits and a fixed pause for
// network errors.
func backoff(class broker.Class, n int, cfg config.Execution) time.Duration {
	if class != broker.ClassRateLimit {
		return cfg.NetworkBackoff
	}
	d := cfg.RateLimitBackoffBase
	for i := 0; i < n && d < cfg.RateLimitBackoffMax; i++ {
		d *= 2
	}
	if d > cfg.RateLimitBackoffMax {
		d = cfg.RateLimitBackoffMax
	}
	return d
}

func (a *Agent) complete(ctx context.Context, ap *domain.Approval, req domain.OrderRequest, ack domain.OrderResponseStatus, attempts int) *domain.OrderResponseStatus {
	if ack.IdempotencyKey == "" {
		ack.IdempotencyKey = req.IdempotencyKey
	}
	if ack.InternalOrderID == "" {
		ack.InternalOrderID = req.InternalOrderID
	}
	if err := a.Ledger.Complete(ctx, ap.DecisionID, ack); err != nil {
		observ.Error("ledger_complete_failed", err, map[string]any{"decision_id": ap.DecisionID})
	}

	sign := int64(1)
	if req.Side == domain.ActionSell {
		sign = -1
	}
	if ack.FilledQty > 0 {
		price := ack.FilledAvgPrice
		if price <= 0 {
			price = req.LimitPrice
		}
		fill := store.Fill{Ticker: req.Ticker, Sector: ap.Sector, Delta: sign * ack.FilledQty, Price: price, At: a.now()}
		if _, err := a.Positions.Adjust(ctx, fill); err != nil {
			// reconciliation restores the position from the broker
			observ.Error("position_update_failed", err, map[string]any{"ticker": req.Ticker, "decision_id": ap.DecisionID})
			a.record(ctx, domain.AuditEvent{
				Kind: domain.AuditSystemError, Code: "POSITION_UPDATE_FAILED", Ticker: ap.Ticker,
				SignalID: ap.SignalID, DecisionID: ap.DecisionID, Reason: err.Error(),
			})
		}
	}

	remaining := req.Quantity - ack.FilledQty
	working := ack.Status != domain.OrderStatusCanceled && ack.Status != domain.OrderStatusRejected
	if remaining > 0 && working && a.Pending != nil {
		a.Pending.Add(req.Ticker, ack.BrokerOrderID, sign*remaining)
	}

	a.record(ctx, domain.AuditEvent{
		Kind: domain.AuditExecuted, Code: ack.Status, Ticker: ap.Ticker,
		SignalID: ap.SignalID, DecisionID: ap.DecisionID,
		Details: map[string]any{
			"broker_order_id":  ack.BrokerOrderID,
			"idempotency_key":  req.IdempotencyKey,
			"side":             string(req.Side),
			"quantity":         req.Quantity,
			"limit_price":      req.LimitPrice,
			"filled_qty":       ack.FilledQty,
			"filled_avg_price": ack.FilledAvgPrice,
			"attempts":         attempts,
		},
	})
	observ.IncCounter("executions_total", map[string]string{"outcome": "executed"})
	observ.Observe("execution_attempts", float64(attempts), nil)
	observ.Log("order_executed", map[string]any{
		"decision_id": ap.DecisionID, "ticker": ap.Ticker, "broker_order_id": ack.BrokerOrderID,
		"status": ack.Status, "filled_qty": ack.FilledQty, "attempts": attempts,
	})
	return &ack
}

func (a *Agent) fail(ctx context.Context, ap *domain.Approval, reason Reason, attempts int, cause error) error {
	e := &ExecutionError{Reason: reason, Attempts: attempts, Cause: cause}
	ev := domain.AuditEvent{
		Kind: domain.AuditExecutionFailed, Code: string(reason), Ticker: ap.Ticker,
		SignalID: ap.SignalID, DecisionID: ap.DecisionID, Reason: e.Error(),
		Details: map[string]any{"attempts": attempts},
	}
	// the audit write must not be lost because the caller's context died
	a.record(context.WithoutCancel(ctx), ev)
	observ.IncCounter("executions_total", map[string]string{"outcome": string(reason)})
	if attempts > 0 {
		observ.Observe("execution_attempts", float64(attempts), nil)
	}
	observ.Warn("order_not_executed", map[string]any{
		"decision_id": ap.DecisionID, "ticker": ap.Ticker, "reason": string(reason), "attempts": attempts,
	})
	return e
}

func (a *Agent) record(ctx context.Context, ev domain.AuditEvent) {
	if a.Audit == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Time = a.now().UTC()
	if err := a.Audit.Record(ctx, ev); err != nil {
		observ.Error("audit_write_failed", err, map[string]any{"kind": string(ev.Kind), "ticker": ev.Ticker})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
