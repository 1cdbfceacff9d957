package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/execution"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

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

func (l *auditLog) count(kind domain.AuditKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	worker  *Worker
	paper   *broker.Paper
	store   store.PositionStore
	audit   *auditLog
	pending *execution.PendingBook
	ks      *risk.KillSwitch
	live    *config.Live
	orders  *inflight.KeyedMutex
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cash float64) *fixture {
	t.Helper()
	s, err := store.OpenFile(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	ks, err := risk.NewKillSwitch("")
	require.NoError(t, err)

	c := config.Default(domain.ModeLongHorizon)
	c.Risk.Sectors = map[string]string{"AAPL": "Technology"}
	f := &fixture{
		paper:   broker.NewPaper(cash),
		store:   store.WithTickerLocks(s),
		audit:   &auditLog{},
		pending: execution.NewPendingBook(time.Hour),
		ks:      ks,
		live:    config.NewLive(c),
		orders:  inflight.NewKeyedMutex(),
	}
	f.worker = NewWorker(Deps{
		Broker:    f.paper,
		Positions: f.store,
		Audit:     f.audit,
		Pending:   f.pending,
		Halt:      ks,
		Config:    f.live,
		Orders:    f.orders,
	})
	f.worker.SetClock(func() time.Time { return t0 })
	return f
}

func (f *fixture) hold(t *testing.T, ticker string, qty int64, price float64) {
	t.Helper()
	require.NoError(t, f.store.Upsert(context.Background(), domain.PositionState{
		Ticker: ticker, Sector: "Technology", Quantity: qty, MarketValue: float64(qty) * price, OpenedAt: t0.Add(-time.Hour),
	}))
}

func (f *fixture) quantities(t *testing.T) map[string]int64 {
	t.Helper()
	open, err := f.store.OpenPositions(context.Background())
	require.NoError(t, err)
	out := map[string]int64{}
	for _, p := range open {
		out[p.Ticker] = p.Quantity
	}
	return out
}

func TestSmallDriftIsCorrectedWithoutHalt(t *testing.T) {
	f := newFixture(t, 98_800)
	f.paper.SetPosition("AAPL", 8, 150)
	f.paper.SetPrice("AAPL", 150)
	f.hold(t, "AAPL", 10, 150)

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 300.0, rep.Drift, 1e-9)
	assert.InDelta(t, 100_000.0, rep.Equity, 1e-9)
	assert.InDelta(t, 0.003, rep.DriftPct, 1e-12)
	assert.False(t, rep.Breach)
	assert.False(t, f.ks.Halted())
	require.Len(t, rep.Corrections, 1)
	assert.Equal(t, 150.0, rep.Corrections[0].PerShare)

	assert.Equal(t, map[string]int64{"AAPL": 8}, f.quantities(t))
	assert.Equal(t, 1, f.audit.count(domain.AuditReconciled))
}

func TestReconcileConverges(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.paper.SetPosition("AAPL", 8, 150)
	f.paper.SetPosition("MSFT", 5, 400)
	f.paper.SetPosition("KO", 20, 50)
	f.hold(t, "AAPL", 10, 150)
	f.hold(t, "KO", 20, 50)
	f.hold(t, "TSLA", 3, 200)

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Checked)
	assert.Len(t, rep.Corrections, 3)
	// 2*150 + 5*400 + 3*200
	assert.InDelta(t, 2900.0, rep.Drift, 1e-9)

	want := map[string]int64{"AAPL": 8, "MSFT": 5, "KO": 20}
	assert.Equal(t, want, f.quantities(t))

	open, err := f.store.OpenPositions(context.Background())
	require.NoError(t, err)
	for _, p := range open {
		if p.Ticker == "MSFT" {
			assert.Equal(t, domain.UnknownSector, p.Sector)
			assert.Equal(t, 2000.0, p.MarketValue)
		}
	}

	// a second pass finds nothing to do
	rep, err = f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Corrections)
	assert.Zero(t, rep.Drift)
}

func TestDriftBreachTripsKillSwitchOnce(t *testing.T) {
	f := newFixture(t, 50_000)
	f.paper.SetPosition("AAPL", 100, 150)
	f.hold(t, "AAPL", 10, 150)

	rep, err := f.worker.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrDriftBreach)
	assert.True(t, rep.Breach)
	assert.True(t, rep.Tripped)
	assert.True(t, f.ks.Halted())
	assert.Equal(t, map[string]int64{"AAPL": 100}, f.quantities(t), "broker still wins on a breach")

	// the breach persists: no second trip, no second DRIFT_HALT
	f.hold(t, "AAPL", 10, 150)
	rep, err = f.worker.Reconcile(context.Background())
	assert.NoError(t, err)
	assert.True(t, rep.Breach)
	assert.False(t, rep.Tripped)
	assert.Equal(t, 1, f.audit.count(domain.AuditDriftHalt))

	g := risk.NewGatekeeper(domain.ModeLongHorizon, f.live, f.ks)
	sig := domain.Signal{SignalID: "s1", Ticker: "KO", Action: "BUY", Confidence: 0.9}
	mkt := domain.MarketContext{Ticker: "KO", CurrentPrice: 50, ATR14: 1, AvgDailyVolume: 5_000_000, DaysToEarnings: -1, VIXLevel: 15}
	pf := domain.PortfolioState{BuyingPower: 50_000, TotalEquity: 65_000, HighWaterMark: 65_000, DailyStartEquity: 65_000, Halted: f.ks.Halted()}
	d := g.Evaluate(sig, pf, mkt, nil)
	assert.Equal(t, risk.MetricHalted, d.Metric())

	require.NoError(t, f.ks.Reset("ops", "drift investigated"))
	assert.False(t, f.ks.Halted())
}

func TestAnyDriftBreachesWithoutEquity(t *testing.T) {
	f := newFixture(t, 0)
	f.hold(t, "KO", 10, 50)

	rep, err := f.worker.Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrDriftBreach)
	assert.InDelta(t, 500.0, rep.Drift, 1e-9)
	assert.True(t, f.ks.Halted())
	assert.Empty(t, f.quantities(t))
}

func TestPendingOrdersExplainBrokerMoves(t *testing.T) {
	f := newFixture(t, 10_000)
	f.paper.SetPosition("KO", 60, 49.75)
	f.pending.Add("KO", "o1", 60)

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Corrections, 1)
	assert.Equal(t, int64(60), rep.Corrections[0].Explained)
	assert.Zero(t, rep.Drift)
	assert.False(t, f.ks.Halted())
	assert.Equal(t, map[string]int64{"KO": 60}, f.quantities(t))
	assert.Zero(t, f.pending.Outstanding("KO"))
}

func TestPendingSellExplainsMissingPosition(t *testing.T) {
	f := newFixture(t, 10_000)
	f.hold(t, "KO", 10, 50)
	f.pending.Add("KO", "o1", -10)

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Drift)
	assert.Empty(t, f.quantities(t))
}

func TestUnreachableBrokerSkipsThePass(t *testing.T) {
	f := newFixture(t, 10_000)
	f.hold(t, "AAPL", 10, 150)
	f.paper.FailReads(errors.Wrap(broker.ErrNetwork, "down"))

	_, err := f.worker.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrNetwork)
	assert.Equal(t, 1, f.audit.count(domain.AuditReconcileSkipped))
	assert.Equal(t, map[string]int64{"AAPL": 10}, f.quantities(t), "no corrections without a full read")
	assert.False(t, f.ks.Halted())
}

// lateFill moves the broker and the store by a fill right after the
// first position snapshot, the way an execution completing mid-pass does.
type lateFill struct {
	broker.Client
	once  sync.Once
	apply func()
}

func (b *lateFill) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	out, err := b.Client.GetPositions(ctx)
	b.once.Do(b.apply)
	return out, err
}

func TestFillDuringPassIsNotOverwritten(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.paper.SetPosition("AAPL", 10, 150)
	f.paper.SetPrice("AAPL", 150)
	f.hold(t, "AAPL", 10, 150)

	f.worker.Broker = &lateFill{Client: f.paper, apply: func() {
		f.paper.SetPosition("AAPL", 30, 150)
		_, err := f.store.Adjust(context.Background(), store.Fill{Ticker: "AAPL", Delta: 20, Price: 150, At: t0})
		require.NoError(t, err)
	}}

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Corrections)
	assert.Zero(t, rep.Drift)
	assert.False(t, f.ks.Halted())
	assert.Equal(t, map[string]int64{"AAPL": 30}, f.quantities(t))
}

func TestWorkerWaitsForOrderWriteBack(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.paper.SetPosition("AAPL", 30, 150)
	f.paper.SetPrice("AAPL", 150)
	f.hold(t, "AAPL", 10, 150)

	// the broker has filled; the agent still holds the ticker while it
	// writes the fill back
	unlock := f.orders.Lock("AAPL")
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unlock()
		_, err := f.store.Adjust(context.Background(), store.Fill{Ticker: "AAPL", Delta: 20, Price: 150, At: t0})
		assert.NoError(t, err)
	}()

	rep, err := f.worker.Reconcile(context.Background())
	<-done
	require.NoError(t, err)
	assert.Zero(t, rep.Drift)
	assert.False(t, f.ks.Halted())
	assert.Equal(t, map[string]int64{"AAPL": 30}, f.quantities(t))
}

type flakyStore struct {
	store.PositionStore
	failTicker string
}

func (s flakyStore) Upsert(ctx context.Context, pos domain.PositionState) error {
	if pos.Ticker == s.failTicker {
		return fmt.Errorf("disk full")
	}
	return s.PositionStore.Upsert(ctx, pos)
}

func TestOneTickerFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.paper.SetPosition("AAPL", 8, 150)
	f.paper.SetPosition("MSFT", 5, 400)
	f.worker.Positions = flakyStore{PositionStore: f.store, failTicker: "AAPL"}

	rep, err := f.worker.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, rep.Failed)
	assert.Equal(t, map[string]int64{"MSFT": 5}, f.quantities(t))
}

func TestRunStopsWithContext(t *testing.T) {
	f := newFixture(t, 10_000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
