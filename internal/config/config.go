package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

type ShortHorizon struct {
	MinADV               float64 `yaml:"min_adv"`
	MaxVIX               float64 `yaml:"max_vix"`
	EarningsBlackoutDays *int    `yaml:"earnings_blackout_days"`
	ATRMultiplier        float64 `yaml:"atr_multiplier"`
	RiskPerTradePct      float64 `yaml:"risk_per_trade_pct"`
}

type LongHorizon struct {
	MaxPE               float64            `yaml:"max_pe"`
	SectorPEMultipliers map[string]float64 `yaml:"sector_pe_multipliers"`
	PayoutRatioCap      float64            `yaml:"payout_ratio_cap"`
	AllocPct            float64            `yaml:"alloc_pct"`
	ChaseOffsetPct      *float64           `yaml:"chase_offset_pct"`
}

// BlackoutDays is earnings_blackout_days; an explicit 0 blocks only the
// earnings day itself.
func (s ShortHorizon) BlackoutDays() int {
	if s.EarningsBlackoutDays == nil {
		return defaultBlackoutDays
	}
	return *s.EarningsBlackoutDays
}

// ChaseOffset is chase_offset_pct; an explicit 0 bids at the last price.
func (l LongHorizon) ChaseOffset() float64 {
	if l.ChaseOffsetPct == nil {
		return defaultChaseOffset
	}
	return *l.ChaseOffsetPct
}

// Risk holds every numeric limit the gatekeeper enforces. All percentages
// are fractions (0.05 == 5%).
type Risk struct {
	MaxDrawdownPct   float64           `yaml:"max_drawdown_pct"`
	MaxDailyLossPct  float64           `yaml:"max_daily_loss_pct"`
	MaxPositionPct   float64           `yaml:"max_position_pct"`
	MaxSectorPct     float64           `yaml:"max_sector_pct"`
	MaxOpenPositions int               `yaml:"max_open_positions"` // 0 disables
	Sectors          map[string]string `yaml:"sectors"`            // ticker -> sector
	ShortHorizon     ShortHorizon      `yaml:"short_horizon"`
	LongHorizon      LongHorizon       `yaml:"long_horizon"`
}

// SectorFor resolves a ticker's sector from the static map.
func (r Risk) SectorFor(ticker string) string {
	if s, ok := r.Sectors[strings.ToUpper(ticker)]; ok && s != "" {
		return s
	}
	return domain.UnknownSector
}

type Execution struct {
	StalenessWindow      time.Duration `yaml:"staleness_window"`
	MaxRetries           *int          `yaml:"max_retries"`
	RateLimitBackoffBase time.Duration `yaml:"rate_limit_backoff_base"`
	RateLimitBackoffMax  time.Duration `yaml:"rate_limit_backoff_max"`
	NetworkBackoff       time.Duration `yaml:"network_backoff"`
	BrokerTimeout        time.Duration `yaml:"broker_timeout"`
}

// Retries is max_retries; an explicit 0 means a single attempt.
func (e Execution) Retries() int {
	if e.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *e.MaxRetries
}

const (
	defaultBlackoutDays = 2
	defaultChaseOffset  = 0.005
	defaultMaxRetries   = 3
)

type Reconcile struct {
	Interval          time.Duration `yaml:"interval"`
	DriftTolerancePct float64       `yaml:"drift_tolerance_pct"`
	PendingTTL        time.Duration `yaml:"pending_ttl"`
}

type Scheduler struct {
	ScanInterval     time.Duration `yaml:"scan_interval"`
	Timezone         string        `yaml:"timezone"`
	SessionOpen      string        `yaml:"session_open"`  // HH:MM exchange time
	SessionClose     string        `yaml:"session_close"` // HH:MM exchange time
	EODFlattenAt     string        `yaml:"eod_flatten_at"`
	RegularHoursOnly *bool         `yaml:"regular_hours_only"`
}

// OnlyRegularHours defaults to true when unset.
func (s Scheduler) OnlyRegularHours() bool {
	return s.RegularHoursOnly == nil || *s.RegularHoursOnly
}

type Broker struct {
	Adapter           string        `yaml:"adapter"` // paper | alpaca
	BaseURL           string        `yaml:"base_url"`
	Env               string        `yaml:"env"` // paper | live
	AllowLive         bool          `yaml:"allow_live"`
	KeyEnv            string        `yaml:"key_env"`
	SecretEnv         string        `yaml:"secret_env"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Timeout           time.Duration `yaml:"timeout"`
	PaperCash         float64       `yaml:"paper_cash"`
}

type Store struct {
	Driver string `yaml:"driver"` // file | sqlite | postgres
	DSN    string `yaml:"dsn"`
	Path   string `yaml:"path"`
}

type Audit struct {
	Path string `yaml:"path"`
}

type Ledger struct {
	Backend   string        `yaml:"backend"` // memory | redis | journal
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type KillSwitch struct {
	Path string `yaml:"path"`
}

type Portfolio struct {
	MarksPath string `yaml:"marks_path"`
}

// Sources locates the signal and market fixture the scan loop reads.
type Sources struct {
	Fixture   string        `yaml:"fixture"`
	MarketTTL time.Duration `yaml:"market_ttl"`
}

type Ops struct {
	Listen string `yaml:"listen"`
}

type Root struct {
	Mode           domain.Mode      `yaml:"mode"`
	Watchlist      []string         `yaml:"watchlist"`
	ReloadInterval time.Duration    `yaml:"reload_interval"`
	Risk           Risk             `yaml:"risk"`
	Execution      Execution        `yaml:"execution"`
	Reconcile      Reconcile        `yaml:"reconcile"`
	Scheduler      Scheduler        `yaml:"scheduler"`
	Broker         Broker           `yaml:"broker"`
	Store          Store            `yaml:"store"`
	Audit          Audit            `yaml:"audit"`
	Ledger         Ledger           `yaml:"ledger"`
	KillSwitch     KillSwitch       `yaml:"killswitch"`
	Portfolio      Portfolio        `yaml:"portfolio"`
	Sources        Sources          `yaml:"sources"`
	Log            observ.LogConfig `yaml:"log"`
	Ops            Ops              `yaml:"ops"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates.
func Parse(b []byte) (Root, error) {
	var c Root
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	c.Mode = domain.Mode(strings.ToUpper(string(c.Mode)))
	ApplyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a fully defaulted config for mode.
func Default(mode domain.Mode) Root {
	c := Root{Mode: mode}
	ApplyDefaults(&c)
	return c
}

// ApplyDefaults fills zero-valued fields. Risk limits depend on mode.
func ApplyDefaults(c *Root) {
	if c.Mode == "" {
		c.Mode = domain.ModeLongHorizon
	}
	if c.ReloadInterval == 0 {
		c.ReloadInterval = 10 * time.Second
	}

	r := &c.Risk
	if c.Mode == domain.ModeShortHorizon {
		setFloat(&r.MaxDrawdownPct, 0.10)
		setFloat(&r.MaxDailyLossPct, 0.03)
		setFloat(&r.MaxPositionPct, 0.05)
		if r.MaxOpenPositions == 0 {
			r.MaxOpenPositions = 3
		}
	} else {
		setFloat(&r.MaxDrawdownPct, 0.20)
		setFloat(&r.MaxDailyLossPct, 0.05)
		setFloat(&r.MaxPositionPct, 0.10)
	}
	setFloat(&r.MaxSectorPct, 0.25)
	if r.Sectors == nil {
		r.Sectors = map[string]string{}
	} else {
		upper := make(map[string]string, len(r.Sectors))
		for k, v := range r.Sectors {
			upper[strings.ToUpper(k)] = v
		}
		r.Sectors = upper
	}

	sh := &r.ShortHorizon
	setFloat(&sh.MinADV, 1_000_000)
	setFloat(&sh.MaxVIX, 30)
	setIntPtr(&sh.EarningsBlackoutDays, defaultBlackoutDays)
	setFloat(&sh.ATRMultiplier, 2)
	setFloat(&sh.RiskPerTradePct, 0.01)

	lh := &r.LongHorizon
	setFloat(&lh.MaxPE, 50)
	if lh.SectorPEMultipliers == nil {
		lh.SectorPEMultipliers = map[string]float64{
			"Technology":             1.2,
			"Communication Services": 1.2,
		}
	}
	setFloat(&lh.PayoutRatioCap, 0.85)
	setFloat(&lh.AllocPct, 0.03)
	if lh.ChaseOffsetPct == nil {
		v := defaultChaseOffset
		lh.ChaseOffsetPct = &v
	}

	e := &c.Execution
	setDuration(&e.StalenessWindow, 5*time.Minute)
	setIntPtr(&e.MaxRetries, defaultMaxRetries)
	setDuration(&e.RateLimitBackoffBase, time.Second)
	setDuration(&e.RateLimitBackoffMax, 30*time.Second)
	setDuration(&e.NetworkBackoff, 3*time.Second)
	setDuration(&e.BrokerTimeout, 10*time.Second)

	rc := &c.Reconcile
	setDuration(&rc.Interval, 5*time.Minute)
	setFloat(&rc.DriftTolerancePct, 0.05)
	setDuration(&rc.PendingTTL, 24*time.Hour)

	s := &c.Scheduler
	setDuration(&s.ScanInterval, 60*time.Second)
	setString(&s.Timezone, "America/New_York")
	setString(&s.SessionOpen, "09:35")
	setString(&s.SessionClose, "15:40")
	if c.Mode == domain.ModeShortHorizon {
		setString(&s.EODFlattenAt, "15:45")
	}

	b := &c.Broker
	setString(&b.Adapter, "paper")
	setString(&b.Env, "paper")
	setString(&b.BaseURL, "https://paper-api.alpaca.markets")
	setString(&b.KeyEnv, "APCA_API_KEY_ID")
	setString(&b.SecretEnv, "APCA_API_SECRET_KEY")
	if b.RequestsPerMinute == 0 {
		b.RequestsPerMinute = 180
	}
	setDuration(&b.Timeout, 10*time.Second)
	setFloat(&b.PaperCash, 100_000)

	setString(&c.Store.Driver, "sqlite")
	setString(&c.Store.DSN, "data/tradeguard.db")
	setString(&c.Store.Path, "data/positions.json")
	setString(&c.Audit.Path, "data/audit.jsonl")
	setString(&c.Ledger.Backend, "memory")
	setString(&c.Ledger.Prefix, "tradeguard:ledger:")
	setDuration(&c.Ledger.TTL, 7*24*time.Hour)
	setString(&c.KillSwitch.Path, "data/killswitch.jsonl")
	setString(&c.Portfolio.MarksPath, "data/marks.json")
	setString(&c.Sources.Fixture, "data/fixture.yaml")
	setDuration(&c.Sources.MarketTTL, 30*time.Second)
	setString(&c.Log.Level, "info")
	setString(&c.Ops.Listen, "127.0.0.1:8090")
}

// Validate rejects configs that would let the gatekeeper misbehave.
func (c Root) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	fractions := map[string]float64{
		"risk.max_drawdown_pct":                 c.Risk.MaxDrawdownPct,
		"risk.max_daily_loss_pct":               c.Risk.MaxDailyLossPct,
		"risk.max_position_pct":                 c.Risk.MaxPositionPct,
		"risk.max_sector_pct":                   c.Risk.MaxSectorPct,
		"risk.short_horizon.risk_per_trade_pct": c.Risk.ShortHorizon.RiskPerTradePct,
		"risk.long_horizon.alloc_pct":           c.Risk.LongHorizon.AllocPct,
		"risk.long_horizon.payout_ratio_cap":    c.Risk.LongHorizon.PayoutRatioCap,
		"reconcile.drift_tolerance_pct":         c.Reconcile.DriftTolerancePct,
	}
	for name, v := range fractions {
		if !(v > 0 && v <= 1) {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if co := c.Risk.LongHorizon.ChaseOffset(); !(co >= 0 && co < 1) {
		return fmt.Errorf("risk.long_horizon.chase_offset_pct must be in [0, 1), got %v", co)
	}
	if c.Risk.ShortHorizon.BlackoutDays() < 0 {
		return fmt.Errorf("risk.short_horizon.earnings_blackout_days must not be negative")
	}
	if c.Risk.ShortHorizon.ATRMultiplier <= 0 {
		return fmt.Errorf("risk.short_horizon.atr_multiplier must be positive")
	}
	if c.Risk.LongHorizon.MaxPE <= 0 {
		return fmt.Errorf("risk.long_horizon.max_pe must be positive")
	}
	if c.Risk.MaxOpenPositions < 0 {
		return fmt.Errorf("risk.max_open_positions must not be negative")
	}
	if c.Execution.Retries() < 0 {
		return fmt.Errorf("execution.max_retries must not be negative")
	}
	durations := map[string]time.Duration{
		"execution.staleness_window": c.Execution.StalenessWindow,
		"execution.broker_timeout":   c.Execution.BrokerTimeout,
		"reconcile.interval":         c.Reconcile.Interval,
		"scheduler.scan_interval":    c.Scheduler.ScanInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	for _, hm := range []string{c.Scheduler.SessionOpen, c.Scheduler.SessionClose, c.Scheduler.EODFlattenAt} {
		if hm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hm); err != nil {
			return fmt.Errorf("invalid clock time %q: %w", hm, err)
		}
	}
	switch c.Broker.Adapter {
	case "paper", "alpaca":
	default:
		return fmt.Errorf("unknown broker adapter %q", c.Broker.Adapter)
	}
	switch c.Store.Driver {
	case "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Ledger.Backend {
	case "memory", "redis", "journal":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	return nil
}

func setFloat(p *float64, v float64) {
	if *p == 0 {
		*p = v
	}
}

func setIntPtr(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}
