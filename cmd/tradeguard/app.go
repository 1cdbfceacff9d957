package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/tradeguard/internal/adapters"
	"github.com/Rajchodisetti/tradeguard/internal/broker"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/decision"
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

// app is the fully wired safety layer shared by every subcommand.
type app struct {
	cfgPath   string
	live      *config.Live
	broker    broker.Client
	paper     *broker.Paper // set only for the paper adapter
	positions store.PositionStore
	sql       *store.SQL
	journal   *outbox.Journal
	audit     store.AuditSink
	halt      *risk.KillSwitch
	pending   *execution.PendingBook
	builder   *portfolio.Builder
	gate      *risk.Gatekeeper
	agent     *execution.Agent
	worker    *reconcile.Worker
	closers   []func() error
}

func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := observ.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	for _, p := range []string{cfg.Audit.Path, cfg.KillSwitch.Path, cfg.Portfolio.MarksPath, cfg.Store.Path} {
		if err := ensureDir(p); err != nil {
			return nil, err
		}
	}

	a := &app{cfgPath: cfgPath, live: config.NewLive(cfg)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(cfg); err != nil {
		return nil, err
	}

	a.journal, err = outbox.Open(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	a.audit = a.journal
	if a.sql != nil {
		a.audit = store.Tee(a.journal, a.sql)
	}
	if open := a.journal.Unacknowledged(); len(open) > 0 {
		observ.Warn("unacknowledged_orders", map[string]any{"count": len(open)})
	}

	a.halt, err = risk.NewKillSwitch(cfg.KillSwitch.Path)
	if err != nil {
		return nil, err
	}

	if err := a.openBroker(ctx, cfg); err != nil {
		return nil, err
	}

	ledger, err := a.openLedger(ctx, cfg)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	marks, err := portfolio.OpenMarks(cfg.Portfolio.MarksPath, loc)
	if err != nil {
		return nil, err
	}

	a.pending = execution.NewPendingBook(cfg.Reconcile.PendingTTL)
	orders := inflight.NewKeyedMutex()
	a.builder = portfolio.NewBuilder(a.broker, a.positions, marks, a.halt, a.live)
	a.gate = risk.NewGatekeeper(cfg.Mode, a.live, a.halt)
	a.agent = execution.NewAgent(execution.Deps{
		Broker:    a.broker,
		Ledger:    ledger,
		Positions: a.positions,
		Audit:     a.audit,
		Pending:   a.pending,
		Config:    a.live,
		Halt:      a.halt,
		Orders:    orders,
	})
	a.worker = reconcile.NewWorker(reconcile.Deps{
		Broker:    a.broker,
		Positions: a.positions,
		Audit:     a.audit,
		Pending:   a.pending,
		Halt:      a.halt,
		Config:    a.live,
		Orders:    orders,
	})

	observ.Log("app_ready", map[string]any{
		"mode":   string(cfg.Mode),
		"broker": cfg.Broker.Adapter,
		"store":  cfg.Store.Driver,
		"ledger": cfg.Ledger.Backend,
		"halted": a.halt.Halted(),
	})
	ok = true
	return a, nil
}

func (a *app) openStore(cfg config.Root) error {
	var base store.PositionStore
	switch cfg.Store.Driver {
	case "file":
		f, err := store.OpenFile(cfg.Store.Path)
		if err != nil {
			return err
		}
		base = f
	default:
		if cfg.Store.Driver == "sqlite" {
			if err := ensureDir(cfg.Store.DSN); err != nil {
				return err
			}
		}
		s, err := store.OpenSQL(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.sql = s
		a.closers = append(a.closers, s.Close)
		observ.RegisterHealthCheck("store", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Execution.BrokerTimeout)
			defer cancel()
			return s.Ping(ctx)
		})
		base = s
	}
	a.positions = store.WithTickerLocks(base)
	return nil
}

func (a *app) openBroker(ctx context.Context, cfg config.Root) error {
	bc := cfg.Broker
	if bc.Adapter == "paper" {
		a.paper = broker.NewPaper(bc.PaperCash)
		a.broker = a.paper
		return a.seedPaper(ctx)
	}

	alpaca := broker.NewAlpaca(broker.AlpacaConfig{
		BaseURL:           bc.BaseURL,
		AllowLive:         bc.AllowLive,
		RequestsPerMinute: bc.RequestsPerMinute,
		Timeout:           bc.Timeout,
	})
	breaker := broker.NewBreaker("alpaca", alpaca)
	creds := broker.Credentials{Key: os.Getenv(bc.KeyEnv), Secret: os.Getenv(bc.SecretEnv), Env: bc.Env}

	actx, cancel := context.WithTimeout(ctx, bc.Timeout)
	defer cancel()
	ok, err := breaker.Authenticate(actx, creds)
	if err != nil {
		return fmt.Errorf("failed to authenticate broker: %w", err)
	}
	if !ok {
		return errors.New("broker rejected credentials")
	}
	observ.RegisterHealthCheck("broker", func() error {
		if breaker.State() == gobreaker.StateOpen {
			return errors.New("circuit open")
		}
		return nil
	})
	a.broker = breaker
	return nil
}

// seedPaper loads stored positions into the simulated broker so a restart
// does not read as drift.
func (a *app) seedPaper(ctx context.Context) error {
	open, err := a.positions.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to seed paper broker: %w", err)
	}
	for _, p := range open {
		if p.Quantity == 0 {
			continue
		}
		px := p.MarketValue / float64(p.Quantity)
		a.paper.SetPosition(p.Ticker, p.Quantity, px)
		a.paper.SetPrice(p.Ticker, px)
	}
	return nil
}

func (a *app) openLedger(ctx context.Context, cfg config.Root) (execution.Ledger, error) {
	lc := cfg.Ledger
	switch lc.Backend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{lc.RedisAddr}})
		pctx, cancel := context.WithTimeout(ctx, cfg.Execution.BrokerTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis ledger: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		observ.RegisterHealthCheck("ledger", func() error {
			c, cancel := context.WithTimeout(context.Background(), cfg.Execution.BrokerTimeout)
			defer cancel()
			return client.Ping(c).Err()
		})
		return execution.NewRedisLedger(client, lc.Prefix, lc.TTL), nil
	case "journal":
		return execution.NewJournalLedger(a.journal), nil
	default:
		return execution.NewMemoryLedger(lc.TTL), nil
	}
}

// engine wires the decision cycle over the fixture sources. A nil
// submitter evaluates without trading.
func (a *app) engine(cfg *config.Root, submit decision.Submitter) (*decision.Engine, *adapters.MarketCache, error) {
	fixture, err := adapters.OpenFixture(cfg.Sources.Fixture)
	if err != nil {
		return nil, nil, err
	}
	var market decision.MarketSource = fixture
	if a.paper != nil {
		market = paperFeed{next: market, paper: a.paper}
	}
	cache := adapters.NewMarketCache(market, cfg.Sources.MarketTTL)
	e := decision.NewEngine(decision.Deps{
		Signals:      fixture,
		Market:       cache,
		Fundamentals: fixture,
		Portfolio:    a.builder,
		Gatekeeper:   a.gate,
		Executor:     submit,
		Audit:        a.audit,
	})
	return e, cache, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			observ.Error("close_failed", err, nil)
		}
	}
}

// paperFeed marks the simulated broker to every fresh quote so paper fills
// and valuations track the same prices the gatekeeper sees.
type paperFeed struct {
	next  decision.MarketSource
	paper *broker.Paper
}

func (p paperFeed) Market(ctx context.Context, ticker string) (domain.MarketContext, error) {
	mkt, err := p.next.Market(ctx, ticker)
	if err == nil && mkt.CurrentPrice > 0 {
		p.paper.SetPrice(mkt.Ticker, mkt.CurrentPrice)
	}
	return mkt, err
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
