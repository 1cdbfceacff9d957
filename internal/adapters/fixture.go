// Package adapters holds file-backed collaborators for the decision
// cycle: an upstream process drops signals and market snapshots into a
// YAML file and the scheduler picks them up.
package adapters

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/tradeguard/internal/decision"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// marketDoc mirrors domain.MarketContext with an optional earnings
// distance, since zero days means "earnings today".
type marketDoc struct {
	CurrentPrice   float64 `yaml:"current_price"`
	ATR14          float64 `yaml:"atr_14"`
	AvgDailyVolume float64 `yaml:"avg_daily_volume"`
	DaysToEarnings *int    `yaml:"days_to_earnings"`
	VIXLevel       float64 `yaml:"vix_level"`
	SMA20          float64 `yaml:"sma_20"`
	SMA50          float64 `yaml:"sma_50"`
}

func (m marketDoc) context(ticker string, vix float64) domain.MarketContext {
	mc := domain.MarketContext{
		Ticker:         ticker,
		CurrentPrice:   m.CurrentPrice,
		ATR14:          m.ATR14,
		AvgDailyVolume: m.AvgDailyVolume,
		DaysToEarnings: -1,
		VIXLevel:       m.VIXLevel,
		SMA20:          m.SMA20,
		SMA50:          m.SMA50,
	}
	if m.DaysToEarnings != nil {
		mc.DaysToEarnings = *m.DaysToEarnings
	}
	if mc.VIXLevel == 0 {
		mc.VIXLevel = vix
	}
	if mc.VIXLevel <= 0 {
		mc.VIXLevel = FailSafeVIX
	}
	return mc
}

type fixtureDoc struct {
	VIX          float64                         `yaml:"vix"`
	Signals      []domain.Signal                 `yaml:"signals"`
	Market       map[string]marketDoc            `yaml:"market"`
	Bars         map[string][]Bar                `yaml:"bars"`
	Earnings     map[string]int                  `yaml:"earnings"`
	Fundamentals map[string]*domain.Fundamentals `yaml:"fundamentals"`
}

func (d *fixtureDoc) normalise() {
	upper := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	for i := range d.Signals {
		d.Signals[i].Ticker = upper(d.Signals[i].Ticker)
	}
	market := make(map[string]marketDoc, len(d.Market))
	for k, v := range d.Market {
		market[upper(k)] = v
	}
	d.Market = market
	bars := make(map[string][]Bar, len(d.Bars))
	for k, v := range d.Bars {
		bars[upper(k)] = v
	}
	d.Bars = bars
	earnings := make(map[string]int, len(d.Earnings))
	for k, v := range d.Earnings {
		earnings[upper(k)] = v
	}
	d.Earnings = earnings
	fund := make(map[string]*domain.Fundamentals, len(d.Fundamentals))
	for k, v := range d.Fundamentals {
		fund[upper(k)] = v
	}
	d.Fundamentals = fund
}

// Fixture serves signals, market data and fundamentals from one YAML
// file, re-reading it when its mtime moves. Each signal id is handed out
// once so a scan loop never acts twice on the same suggestion.
type Fixture struct {
	path      string
	mu        sync.Mutex
	modTime   time.Time
	doc       fixtureDoc
	delivered map[string]bool
}

// OpenFixture loads path. The file must parse; later reload failures keep
// the last good document.
func OpenFixture(path string) (*Fixture, error) {
	f := &Fixture{path: path, delivered: map[string]bool{}}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat fixture: %w", err)
	}
	doc, err := readFixture(path)
	if err != nil {
		return nil, err
	}
	f.doc, f.modTime = doc, fi.ModTime()
	return f, nil
}

func readFixture(path string) (fixtureDoc, error) {
	var doc fixtureDoc
	b, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("failed to read fixture: %w", err)
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse fixture: %w", err)
	}
	doc.normalise()
	return doc, nil
}

// refreshLocked re-reads the file if it changed. Caller holds mu.
func (f *Fixture) refreshLocked() {
	fi, err := os.Stat(f.path)
	if err != nil || !fi.ModTime().After(f.modTime) {
		return
	}
	doc, err := readFixture(f.path)
	if err != nil {
		observ.Error("fixture_reload_failed", err, map[string]any{"path": f.path})
		return
	}
	f.doc, f.modTime = doc, fi.ModTime()
	observ.Log("fixture_reloaded", map[string]any{"path": f.path, "signals": len(doc.Signals)})
}

// Signal returns the first undelivered signal for ticker.
func (f *Fixture) Signal(ctx context.Context, ticker string) (domain.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshLocked()

	t := strings.ToUpper(ticker)
	for _, s := range f.doc.Signals {
		if s.Ticker != t || f.delivered[s.SignalID] {
			continue
		}
		if s.SignalID != "" {
			f.delivered[s.SignalID] = true
		}
		return s, nil
	}
	return domain.Signal{}, decision.ErrNoSignal
}

// Market prefers an explicit snapshot and falls back to daily bars.
func (f *Fixture) Market(ctx context.Context, ticker string) (domain.MarketContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshLocked()

	t := strings.ToUpper(ticker)
	if m, ok := f.doc.Market[t]; ok {
		return m.context(t, f.doc.VIX), nil
	}
	if bars, ok := f.doc.Bars[t]; ok {
		days, known := f.doc.Earnings[t]
		if !known {
			days = -1
		}
		return ContextFromBars(t, bars, f.doc.VIX, days)
	}
	return domain.MarketContext{}, fmt.Errorf("no market data for %s", t)
}

// Fundamentals returns nil, nil when the file has nothing for ticker.
func (f *Fixture) Fundamentals(ctx context.Context, ticker string) (*domain.Fundamentals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshLocked()

	fund, ok := f.doc.Fundamentals[strings.ToUpper(ticker)]
	if !ok || fund == nil {
		return nil, nil
	}
	cp := *fund
	return &cp, nil
}

// ReadSignal decodes a single signal document (YAML or JSON).
func ReadSignal(path string) (domain.Signal, error) {
	var s domain.Signal
	if err := decodeFile(path, &s); err != nil {
		return s, err
	}
	s.Ticker = strings.ToUpper(strings.TrimSpace(s.Ticker))
	return s, nil
}

// ReadMarket decodes a single market snapshot (YAML or JSON).
func ReadMarket(path string) (domain.MarketContext, error) {
	var m struct {
		Ticker    string `yaml:"ticker"`
		marketDoc `yaml:",inline"`
	}
	if err := decodeFile(path, &m); err != nil {
		return domain.MarketContext{}, err
	}
	return m.context(strings.ToUpper(m.Ticker), 0), nil
}

// ReadFundamentals decodes a fundamentals document (YAML or JSON).
func ReadFundamentals(path string) (*domain.Fundamentals, error) {
	var f domain.Fundamentals
	if err := decodeFile(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func decodeFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
