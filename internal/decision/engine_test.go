package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
)

type signals map[string]domain.Signal

func (s signals) Signal(ctx context.Context, ticker string) (domain.Signal, error) {
	sig, ok := s[ticker]
	if !ok {
		return domain.Signal{}, ErrNoSignal
	}
	return sig, nil
}

type markets struct {
	byTicker map[string]domain.MarketContext
	block    chan struct{}
	panicOn  string
}

func (m *markets) Market(ctx context.Context, ticker string) (domain.MarketContext, error) {
	if m.block != nil {
		<-m.block
	}
	if ticker == m.panicOn {
		panic("feed exploded")
	}
	mkt, ok := m.byTicker[ticker]
	if !ok {
		return domain.MarketContext{}, errors.New("no quote")
	}
	return mkt, nil
}

type fundamentals struct{ err error }

func (f fundamentals) Fundamentals(ctx context.Context, ticker string) (*domain.Fundamentals, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Fundamentals{Sector: "Consumer Staples", PETrailing: domain.Float(80)}, nil
}

type portfolio struct {
	pf  domain.PortfolioState
	err error
}

func (p portfolio) Build(ctx context.Context) (domain.PortfolioState, error) { return p.pf, p.err }

type executor struct {
	mu    sync.Mutex
	calls []*domain.Approval
	err   error
}

func (x *executor) Submit(ctx context.Context, ap *domain.Approval) (*domain.OrderResponseStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, ap)
	if x.err != nil {
		return nil, x.err
	}
	return &domain.OrderResponseStatus{BrokerOrderID: "b-" + ap.DecisionID, Status: domain.OrderStatusFilled, FilledQty: ap.Quantity}, nil
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

func (l *auditLog) last() domain.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evs[len(l.evs)-1]
}

type noHalt struct{}

func (noHalt) Halted() bool { return false }

func equity(v float64) domain.PortfolioState {
	return domain.PortfolioState{BuyingPower: v, TotalEquity: v, HighWaterMark: v, DailyStartEquity: v}
}

func newEngine(t *testing.T) (*Engine, *markets, *executor, *auditLog) {
	t.Helper()
	live := config.NewLive(config.Default(domain.ModeLongHorizon))
	g := risk.NewGatekeeper(domain.ModeLongHorizon, live, noHalt{})

	mk := &markets{byTicker: map[string]domain.MarketContext{
		"KO":   {Ticker: "KO", CurrentPrice: 50, ATR14: 1, AvgDailyVolume: 5_000_000, DaysToEarnings: -1, VIXLevel: 15},
		"AAPL": {Ticker: "AAPL", CurrentPrice: 0, ATR14: 2, AvgDailyVolume: 5_000_000, DaysToEarnings: -1, VIXLevel: 15},
	}}
	ex := &executor{}
	audit := &auditLog{}
	e := NewEngine(Deps{
		Signals: signals{
			"KO":   {SignalID: "s-ko", Ticker: "KO", Action: "BUY", Confidence: 0.8},
			"AAPL": {SignalID: "s-aapl", Ticker: "AAPL", Action: "BUY", Confidence: 0.8},
			"MSFT": {SignalID: "s-msft", Ticker: "MSFT", Action: "HOLD", Confidence: 0.8},
			"NFLX": {SignalID: "s-nflx", Ticker: "NFLX", Action: "SHORT_SQUEEZE", Confidence: 0.8},
		},
		Market:     mk,
		Portfolio:  portfolio{pf: equity(100_000)},
		Gatekeeper: g,
		Executor:   ex,
		Audit:      audit,
	})
	e.SetClock(func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) })
	return e, mk, ex, audit
}

func TestCycleApprovesAndSubmits(t *testing.T) {
	e, _, ex, audit := newEngine(t)

	out := e.Cycle(context.Background(), "ko")
	require.True(t, out.Decision.IsApproved(), "rejected: %+v", out.Decision.Rejected)
	assert.Equal(t, int64(60), out.Decision.Approved.Quantity)
	require.NotNil(t, out.Ack)
	assert.NoError(t, out.ExecErr)
	require.Len(t, ex.calls, 1)
	assert.Equal(t, domain.AuditApproved, audit.last().Kind)
}

func TestCycleRejections(t *testing.T) {
	cases := []struct {
		name   string
		ticker string
		edit   func(e *Engine)
		metric string
		kind   domain.AuditKind
	}{
		{"hold", "MSFT", nil, risk.MetricNoAction, domain.AuditRejected},
		{"hold with broken feed and portfolio", "MSFT", func(e *Engine) {
			e.Market = &markets{panicOn: "MSFT"}
			e.Portfolio = portfolio{err: errors.New("broker down")}
		}, risk.MetricNoAction, domain.AuditRejected},
		{"unknown action before market data", "NFLX", nil, risk.MetricInvalidAction, domain.AuditRejected},
		{"bad price", "AAPL", nil, risk.MetricDataError, domain.AuditRejected},
		{"market fetch fails", "KO", func(e *Engine) {
			e.Market = &markets{byTicker: map[string]domain.MarketContext{}}
		}, risk.MetricDataError, domain.AuditRejected},
		{"portfolio fails", "KO", func(e *Engine) {
			e.Portfolio = portfolio{err: errors.New("broker down")}
		}, risk.MetricSystemError, domain.AuditSystemError},
		{"market feed panics", "KO", func(e *Engine) {
			e.Market = &markets{panicOn: "KO"}
		}, risk.MetricSystemError, domain.AuditSystemError},
		{"fundamentals veto", "KO", func(e *Engine) {
			e.Fundamentals = fundamentals{}
		}, risk.MetricValuationExtreme, domain.AuditRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, ex, audit := newEngine(t)
			if tc.edit != nil {
				tc.edit(e)
			}
			out := e.Cycle(context.Background(), tc.ticker)
			assert.Equal(t, tc.metric, out.Decision.Metric())
			assert.Empty(t, ex.calls)
			assert.Equal(t, tc.kind, audit.last().Kind)
			assert.Equal(t, tc.metric, audit.last().Code)
		})
	}
}

func TestFundamentalsErrorMeansAbsent(t *testing.T) {
	e, _, _, _ := newEngine(t)
	e.Fundamentals = fundamentals{err: errors.New("timeout")}

	out := e.Cycle(context.Background(), "KO")
	assert.True(t, out.Decision.IsApproved())
}

func TestNoSignalIsSkipped(t *testing.T) {
	e, _, ex, audit := newEngine(t)

	out := e.Cycle(context.Background(), "TSLA")
	assert.Equal(t, "no_signal", out.Skipped)
	assert.Empty(t, ex.calls)
	assert.Empty(t, audit.evs)
}

func TestExecutionFailureIsReported(t *testing.T) {
	e, _, ex, _ := newEngine(t)
	ex.err = errors.New("execution fatal after 1 attempt(s)")

	out := e.Cycle(context.Background(), "KO")
	assert.True(t, out.Decision.IsApproved())
	assert.Nil(t, out.Ack)
	assert.Error(t, out.ExecErr)
}

func TestOneCyclePerTickerInFlight(t *testing.T) {
	e, mk, ex, _ := newEngine(t)
	mk.block = make(chan struct{})

	first := make(chan Outcome)
	go func() { first <- e.Cycle(context.Background(), "KO") }()

	require.Eventually(t, func() bool { return e.inflight.Active("KO") }, time.Second, time.Millisecond)
	second := e.Cycle(context.Background(), "KO")
	assert.Equal(t, "busy", second.Skipped)

	close(mk.block)
	out := <-first
	assert.True(t, out.Decision.IsApproved())
	assert.Len(t, ex.calls, 1)
}

func TestProcessRunsSuppliedSignal(t *testing.T) {
	e, _, ex, _ := newEngine(t)
	e.Executor = nil

	out := e.Process(context.Background(), domain.Signal{SignalID: "eod", Ticker: "KO", Action: "BUY", Confidence: 1})
	assert.True(t, out.Decision.IsApproved())
	assert.Nil(t, out.Ack)
	assert.Empty(t, ex.calls, "nil executor only evaluates")
}
