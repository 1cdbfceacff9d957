// Command tradeguard runs the trade safety layer: the risk gatekeeper,
// the execution agent and the reconciliation worker, plus operator tools.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/tradeguard/internal/adapters"
	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/ops"
	"github.com/Rajchodisetti/tradeguard/internal/reconcile"
	"github.com/Rajchodisetti/tradeguard/internal/scheduler"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "tradeguard",
		Short:         "Deterministic safety layer between LLM trade signals and a broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config/tradeguard.yaml", "Path to the YAML config")
	root.PersistentFlags().String("env-file", ".env", "Credentials file loaded into the environment if present")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		observ.SetVersion(version)
		return nil
	}

	root.AddCommand(runCmd(), reconcileCmd(), evaluateCmd(), haltCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Scan the watchlist, execute approvals and reconcile until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.live.Get()
			engine, cache, err := a.engine(cfg, a.agent)
			if err != nil {
				return err
			}
			sched := scheduler.New(scheduler.Deps{Engine: engine, Positions: a.positions, Config: a.live, Audit: a.audit})
			server := ops.NewServer(cfg.Ops.Listen, a.halt, a.audit)
			if a.sql != nil {
				server.ServeAuditTrail(a.sql)
			}

			var wg sync.WaitGroup
			goRun := func(name string, fn func(context.Context) error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
						observ.Error("component_stopped", err, map[string]any{"component": name})
					}
				}()
			}

			watcher := config.NewWatcher(cfgPath, a.live)
			goRun("config_watcher", func(ctx context.Context) error { watcher.Run(ctx); return nil })
			goRun("reconcile", a.worker.Run)
			goRun("scheduler", sched.Run)
			goRun("market_cache", func(ctx context.Context) error { return sweep(ctx, cache, cfg.Sources.MarketTTL) })
			goRun("ops", func(ctx context.Context) error {
				errc := make(chan error, 1)
				go func() { errc <- server.Start() }()
				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Shutdown(sctx)
				}
			})

			observ.Log("tradeguard_started", map[string]any{"watchlist": cfg.Watchlist, "ops": cfg.Ops.Listen})
			<-ctx.Done()
			wg.Wait()
			observ.Log("tradeguard_stopped", nil)
			return nil
		},
	}
}

func sweep(ctx context.Context, cache *adapters.MarketCache, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			cache.Cleanup()
		}
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			ctx, stop := signalContext()
			defer stop()

			a, err := openApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.worker.Reconcile(ctx)
			if perr := printJSON(rep); perr != nil {
				return perr
			}
			if errors.Is(err, reconcile.ErrDriftBreach) {
				return fmt.Errorf("drift %.2f%% of equity breached tolerance; trading halted", rep.DriftPct*100)
			}
			return err
		},
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Dry-run one signal through the gatekeeper against the live portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			sigPath, _ := cmd.Flags().GetString("signal")
			mktPath, _ := cmd.Flags().GetString("market")
			fundPath, _ := cmd.Flags().GetString("fundamentals")

			sig, err := adapters.ReadSignal(sigPath)
			if err != nil {
				return err
			}
			mkt, err := adapters.ReadMarket(mktPath)
			if err != nil {
				return err
			}
			var fund *domain.Fundamentals
			if fundPath != "" {
				if fund, err = adapters.ReadFundamentals(fundPath); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.paper != nil && mkt.CurrentPrice > 0 {
				a.paper.SetPrice(mkt.Ticker, mkt.CurrentPrice)
			}

			pf, err := a.builder.Build(ctx)
			if err != nil {
				return fmt.Errorf("failed to build portfolio: %w", err)
			}
			d := a.gate.Evaluate(sig, pf, mkt, fund)
			return printJSON(map[string]any{
				"signal":    sig,
				"decision":  d,
				"approved":  d.IsApproved(),
				"metric":    d.Metric(),
				"portfolio": pf,
			})
		},
	}
	cmd.Flags().String("signal", "", "Signal document (YAML or JSON)")
	cmd.Flags().String("market", "", "Market context document (YAML or JSON)")
	cmd.Flags().String("fundamentals", "", "Optional fundamentals document")
	_ = cmd.MarkFlagRequired("signal")
	_ = cmd.MarkFlagRequired("market")
	return cmd
}
