// Package scheduler drives the decision cycle on a wall-clock schedule:
// watchlist scans inside the trading session and a once-a-day flatten
// of open positions for short-horizon books.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/decision"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// Cycler is the part of decision.Engine the scheduler drives.
type Cycler interface {
	Cycle(ctx context.Context, ticker string) decision.Outcome
	Process(ctx context.Context, sig domain.Signal) decision.Outcome
}

// PositionReader lists the open positions to flatten.
type PositionReader interface {
	OpenPositions(ctx context.Context) ([]domain.PositionState, error)
}

type Deps struct {
	Engine    Cycler
	Positions PositionReader
	Config    risk.ConfigSource
	Audit     store.AuditSink // may be nil
}

// Summary counts what one tick did.
type Summary struct {
	At        time.Time          `json:"at"`
	InSession bool               `json:"in_session"`
	Outcomes  []decision.Outcome `json:"outcomes,omitempty"`
	Flattened []string           `json:"flattened,omitempty"`
}

type Scheduler struct {
	Deps
	now func() time.Time

	mu   sync.Mutex
	flat flattenState
}

// flattenState tracks one exchange-local day of EOD flattening.
type flattenState struct {
	day      string
	sold     map[string]bool
	reported map[string]bool
}

func New(d Deps) *Scheduler {
	return &Scheduler{Deps: d, now: time.Now}
}

func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// window is the session in exchange-local minutes since midnight.
type window struct {
	loc          *time.Location
	open, close  int
	flatten      int // -1 when disabled
	regularHours bool
}

func (s *Scheduler) window(cfg *config.Root) (window, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return window{}, fmt.Errorf("failed to load timezone: %w", err)
	}
	w := window{loc: loc, flatten: -1, regularHours: cfg.Scheduler.OnlyRegularHours()}
	if w.open, err = clockMinutes(cfg.Scheduler.SessionOpen); err != nil {
		return window{}, err
	}
	if w.close, err = clockMinutes(cfg.Scheduler.SessionClose); err != nil {
		return window{}, err
	}
	if cfg.Mode == domain.ModeShortHorizon && cfg.Scheduler.EODFlattenAt != "" {
		if w.flatten, err = clockMinutes(cfg.Scheduler.EODFlattenAt); err != nil {
			return window{}, err
		}
	}
	return w, nil
}

func clockMinutes(hm string) (int, error) {
	t, err := time.Parse("15:04", hm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", hm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func weekday(t time.Time) bool {
	d := t.Weekday()
	return d != time.Saturday && d != time.Sunday
}

func minutes(t time.Time) int { return t.Hour()*60 + t.Minute() }

// inSession reports whether t falls inside the scan window.
func (w window) inSession(t time.Time) bool {
	if !w.regularHours {
		return true
	}
	local := t.In(w.loc)
	m := minutes(local)
	return weekday(local) && m >= w.open && m < w.close
}

func (w window) flattenDue(t time.Time) bool {
	if w.flatten < 0 {
		return false
	}
	local := t.In(w.loc)
	return weekday(local) && minutes(local) >= w.flatten
}

// Tick runs one scheduling step: a watchlist scan when in session, then
// the EOD flatten when it is due and positions remain unsold today.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	cfg := s.Config.Get()
	now := s.now()
	sum := Summary{At: now.UTC()}

	w, err := s.window(cfg)
	if err != nil {
		return sum, err
	}

	if w.inSession(now) {
		sum.InSession = true
		sum.Outcomes = s.scan(ctx, cfg.Watchlist)
	}

	if w.flattenDue(now) {
		day := now.In(w.loc).Format("2006-01-02")
		flattened, err := s.flatten(ctx, day)
		if err != nil {
			return sum, err
		}
		sum.Flattened = flattened
	}
	return sum, nil
}

// scan runs one cycle per watchlist ticker concurrently.
func (s *Scheduler) scan(ctx context.Context, tickers []string) []decision.Outcome {
	out := make([]decision.Outcome, len(tickers))
	var wg sync.WaitGroup
	for i, t := range tickers {
		wg.Add(1)
		go func(i int, t string) {
			defer wg.Done()
			out[i] = s.Engine.Cycle(ctx, t)
			if out[i].Skipped != "" {
				observ.IncCounter("cycle_skipped_total", map[string]string{"reason": out[i].Skipped})
			}
		}(i, t)
	}
	wg.Wait()
	observ.Log("scan_complete", map[string]any{"tickers": len(tickers)})
	return out
}

// flatten sells every open long once per exchange day. Tickers whose SELL
// was rejected, skipped or failed are retried on every later tick that
// day; the first miss per ticker is audited. A failed position read
// returns an error and the next tick tries again.
func (s *Scheduler) flatten(ctx context.Context, day string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flat.day != day {
		s.flat = flattenState{day: day, sold: map[string]bool{}, reported: map[string]bool{}}
	}

	positions, err := s.Positions.OpenPositions(ctx)
	if err != nil {
		observ.Error("eod_flatten_read_failed", err, nil)
		return nil, fmt.Errorf("failed to read positions for flatten: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticker < positions[j].Ticker })

	var sold []string
	open := 0
	for _, p := range positions {
		if p.Quantity <= 0 || s.flat.sold[p.Ticker] {
			continue
		}
		out := s.Engine.Process(ctx, domain.Signal{
			SignalID:      "eod-" + day + "-" + p.Ticker,
			Ticker:        p.Ticker,
			Action:        string(domain.ActionSell),
			Confidence:    1,
			Rationale:     "end of day flatten",
			StrategyAlias: "eod_flatten",
		})
		if out.Decision.IsApproved() && out.ExecErr == nil {
			s.flat.sold[p.Ticker] = true
			sold = append(sold, p.Ticker)
			continue
		}
		open++
		s.flattenMissed(ctx, day, p, out)
	}
	if len(sold) > 0 || open > 0 {
		observ.Log("eod_flatten", map[string]any{"day": day, "sold": len(sold), "still_open": open})
	}
	return sold, nil
}

func (s *Scheduler) flattenMissed(ctx context.Context, day string, p domain.PositionState, out decision.Outcome) {
	reason := out.Decision.Metric()
	switch {
	case out.Skipped != "":
		reason = out.Skipped
	case out.ExecErr != nil:
		reason = out.ExecErr.Error()
	}
	observ.Warn("eod_flatten_incomplete", map[string]any{"ticker": p.Ticker, "qty": p.Quantity, "reason": reason})
	observ.IncCounter("eod_flatten_missed_total", nil)
	if s.flat.reported[p.Ticker] || s.Audit == nil {
		return
	}
	s.flat.reported[p.Ticker] = true
	ev := domain.AuditEvent{
		ID: uuid.NewString(), Time: s.now().UTC(),
		Kind: domain.AuditFlattenIncomplete, Code: "EOD_FLATTEN_INCOMPLETE", Ticker: p.Ticker,
		SignalID: "eod-" + day + "-" + p.Ticker, Reason: reason,
		Details: map[string]any{"quantity": p.Quantity, "day": day},
	}
	if err := s.Audit.Record(ctx, ev); err != nil {
		observ.Error("audit_write_failed", err, map[string]any{"kind": string(ev.Kind), "ticker": p.Ticker})
	}
}

// Run ticks every scheduler.scan_interval until ctx is done, picking up
// interval changes from hot reloads.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Config.Get().Scheduler.ScanInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			observ.Error("scheduler_tick_failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := s.Config.Get().Scheduler.ScanInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
