package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/decision"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

type cycler struct {
	mu        sync.Mutex
	cycled    []string
	processed []domain.Signal
	rejectFor map[string]string // ticker -> failing metric
}

func (c *cycler) Cycle(ctx context.Context, ticker string) decision.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycled = append(c.cycled, ticker)
	if ticker == "BUSY" {
		return decision.Outcome{Ticker: ticker, Skipped: "busy"}
	}
	return decision.Outcome{Ticker: ticker, Skipped: "no_signal"}
}

func (c *cycler) Process(ctx context.Context, sig domain.Signal) decision.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = append(c.processed, sig)
	if metric, ok := c.rejectFor[sig.Ticker]; ok {
		return decision.Outcome{Ticker: sig.Ticker, Decision: domain.RiskDecision{Rejected: &domain.Rejection{
			Ticker: sig.Ticker, SignalID: sig.SignalID, FailingMetric: metric,
		}}}
	}
	return decision.Outcome{Ticker: sig.Ticker, Decision: domain.RiskDecision{Approved: &domain.Approval{
		Ticker: sig.Ticker, SignalID: sig.SignalID, Action: domain.ActionSell, Quantity: 1,
	}}}
}

func (c *cycler) processedTickers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.processed))
	for i, sig := range c.processed {
		out[i] = sig.Ticker
	}
	return out
}

func (c *cycler) sortedCycled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.cycled...)
	sort.Strings(out)
	return out
}

type auditLog struct {
	mu  sync.Mutex
	evs []domain.AuditEvent
}

func (l *auditLog) Record(ctx context.Context, ev domain.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, ev)
	return nil
}

type positions struct {
	list []domain.PositionState
	err  error
}

func (p *positions) OpenPositions(ctx context.Context) ([]domain.PositionState, error) {
	return p.list, p.err
}

// 2026-03-02 is a Monday; New York is on EST (UTC-5) that week.
func utc(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, time.UTC)
}

func newScheduler(t *testing.T, mode domain.Mode, edit func(*config.Root)) (*Scheduler, *cycler, *positions, *time.Time) {
	t.Helper()
	cfg := config.Default(mode)
	cfg.Watchlist = []string{"KO", "AAPL", "BUSY"}
	if edit != nil {
		edit(&cfg)
	}
	c := &cycler{}
	pos := &positions{list: []domain.PositionState{
		{Ticker: "MSFT", Quantity: 5},
		{Ticker: "KO", Quantity: 10},
		{Ticker: "XOM", Quantity: 0},
	}}
	s := New(Deps{Engine: c, Positions: pos, Config: config.NewLive(cfg)})
	now := utc(2, 15, 0)
	s.SetClock(func() time.Time { return now })
	return s, c, pos, &now
}

func TestSessionWindow(t *testing.T) {
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", utc(2, 14, 34), false},
		{"at open", utc(2, 14, 35), true},
		{"midday", utc(2, 17, 0), true},
		{"last minute", utc(2, 20, 39), true},
		{"at close", utc(2, 20, 40), false},
		{"saturday", utc(7, 15, 0), false},
		{"sunday", utc(8, 15, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, c, _, now := newScheduler(t, domain.ModeLongHorizon, nil)
			*now = tc.at
			sum, err := s.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, sum.InSession)
			if tc.want {
				assert.Len(t, c.cycled, 3)
			} else {
				assert.Empty(t, c.cycled)
			}
		})
	}
}

func TestScanCyclesEveryTicker(t *testing.T) {
	s, c, _, _ := newScheduler(t, domain.ModeLongHorizon, nil)

	sum, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 3)
	assert.Equal(t, []string{"AAPL", "BUSY", "KO"}, c.sortedCycled())
	assert.Equal(t, "busy", sum.Outcomes[2].Skipped)
	assert.Empty(t, sum.Flattened, "long horizon never flattens")
}

func TestOutsideRegularHoursWhenAllowed(t *testing.T) {
	off := false
	s, c, _, now := newScheduler(t, domain.ModeLongHorizon, func(c *config.Root) {
		c.Scheduler.RegularHoursOnly = &off
	})
	*now = utc(7, 3, 0)

	sum, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.InSession)
	assert.Len(t, c.cycled, 3)
}

func TestEODFlattenOncePerDay(t *testing.T) {
	s, c, _, now := newScheduler(t, domain.ModeShortHorizon, nil)
	ctx := context.Background()

	*now = utc(2, 20, 44)
	sum, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Flattened)
	assert.Empty(t, c.processed)

	*now = utc(2, 20, 45)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, sum.InSession)
	assert.Equal(t, []string{"KO", "MSFT"}, sum.Flattened)
	require.Len(t, c.processed, 2)
	for _, sig := range c.processed {
		assert.Equal(t, "SELL", sig.Action)
		assert.Equal(t, "eod-2026-03-02-"+sig.Ticker, sig.SignalID)
	}

	*now = utc(2, 21, 30)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Flattened)
	assert.Len(t, c.processed, 2)

	*now = utc(3, 20, 50)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, sum.Flattened, 2)
	assert.Len(t, c.processed, 4)
}

func TestEODFlattenRetriesRejectedSells(t *testing.T) {
	s, c, _, now := newScheduler(t, domain.ModeShortHorizon, nil)
	audit := &auditLog{}
	s.Audit = audit
	c.rejectFor = map[string]string{"KO": "HALTED"}
	ctx := context.Background()

	*now = utc(2, 20, 45)
	sum, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, sum.Flattened)
	require.Len(t, audit.evs, 1)
	assert.Equal(t, domain.AuditFlattenIncomplete, audit.evs[0].Kind)
	assert.Equal(t, "KO", audit.evs[0].Ticker)
	assert.Equal(t, "HALTED", audit.evs[0].Reason)

	// still rejected: KO is tried again, MSFT is not, no second audit
	*now = utc(2, 20, 46)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Flattened)
	assert.Equal(t, []string{"KO", "MSFT", "KO"}, c.processedTickers())
	assert.Len(t, audit.evs, 1)

	c.mu.Lock()
	c.rejectFor = nil
	c.mu.Unlock()
	*now = utc(2, 20, 47)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"KO"}, sum.Flattened)

	*now = utc(2, 20, 48)
	sum, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Flattened)
	assert.Len(t, c.processed, 4)
}

func TestEODFlattenSkipsWeekends(t *testing.T) {
	s, c, _, now := newScheduler(t, domain.ModeShortHorizon, nil)
	*now = utc(7, 21, 0)

	sum, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Flattened)
	assert.Empty(t, c.processed)
}

func TestEODFlattenRetriesAfterReadFailure(t *testing.T) {
	s, c, pos, now := newScheduler(t, domain.ModeShortHorizon, nil)
	pos.err = errors.New("store offline")
	*now = utc(2, 20, 45)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.Error(t, err)
	assert.Empty(t, c.processed)

	pos.err = nil
	*now = utc(2, 20, 46)
	sum, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, sum.Flattened, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, c, _, _ := newScheduler(t, domain.ModeLongHorizon, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, c.cycled, 3, "one tick runs before the first wait")
}
