package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

func TestLoadShippedConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "tradeguard.yaml"))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeLongHorizon, c.Mode)
	assert.Len(t, c.Watchlist, 5)
	assert.Equal(t, "journal", c.Ledger.Backend)
	assert.Equal(t, "Consumer Staples", c.Risk.SectorFor("ko"))
	assert.Equal(t, domain.UnknownSector, c.Risk.SectorFor("XYZ"))
	assert.Equal(t, 1.2, c.Risk.LongHorizon.SectorPEMultipliers["Technology"])
}

func TestDefaultsByMode(t *testing.T) {
	cases := []struct {
		mode     domain.Mode
		drawdown float64
		daily    float64
		position float64
		maxOpen  int
		eodFlat  string
	}{
		{domain.ModeShortHorizon, 0.10, 0.03, 0.05, 3, "15:45"},
		{domain.ModeLongHorizon, 0.20, 0.05, 0.10, 0, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			c := Default(tc.mode)
			require.NoError(t, c.Validate())
			assert.Equal(t, tc.drawdown, c.Risk.MaxDrawdownPct)
			assert.Equal(t, tc.daily, c.Risk.MaxDailyLossPct)
			assert.Equal(t, tc.position, c.Risk.MaxPositionPct)
			assert.Equal(t, tc.maxOpen, c.Risk.MaxOpenPositions)
			assert.Equal(t, tc.eodFlat, c.Scheduler.EODFlattenAt)
			assert.Equal(t, 0.25, c.Risk.MaxSectorPct)

			e := c.Execution
			assert.Equal(t, 5*time.Minute, e.StalenessWindow)
			assert.Equal(t, 3, e.Retries())
			assert.Equal(t, time.Second, e.RateLimitBackoffBase)
			assert.Equal(t, 3*time.Second, e.NetworkBackoff)
			assert.Equal(t, 0.05, c.Reconcile.DriftTolerancePct)
			assert.True(t, c.Scheduler.OnlyRegularHours())
		})
	}
}

func TestParseNormalisesModeAndSectors(t *testing.T) {
	c, err := Parse([]byte("mode: short_horizon\nrisk:\n  sectors:\n    nvda: Technology\n"))
	require.NoError(t, err)
	assert.Equal(t, domain.ModeShortHorizon, c.Mode)
	assert.Equal(t, "Technology", c.Risk.SectorFor("NVDA"))
}

func TestExplicitZeroOverridesDefault(t *testing.T) {
	c, err := Parse([]byte(strings.Join([]string{
		"execution:",
		"  max_retries: 0",
		"risk:",
		"  short_horizon:",
		"    earnings_blackout_days: 0",
		"  long_horizon:",
		"    chase_offset_pct: 0",
	}, "\n")))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Execution.Retries())
	assert.Equal(t, 0, c.Risk.ShortHorizon.BlackoutDays())
	assert.Equal(t, 0.0, c.Risk.LongHorizon.ChaseOffset())

	d := Default(domain.ModeLongHorizon)
	assert.Equal(t, 3, d.Execution.Retries())
	assert.Equal(t, 2, d.Risk.ShortHorizon.BlackoutDays())
	assert.Equal(t, 0.005, d.Risk.LongHorizon.ChaseOffset())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown mode", "mode: SWING", "invalid mode"},
		{"fraction above one", "risk:\n  max_position_pct: 1.5", "max_position_pct"},
		{"negative fraction", "reconcile:\n  drift_tolerance_pct: -0.1", "drift_tolerance_pct"},
		{"negative retries", "execution:\n  max_retries: -1", "max_retries"},
		{"bad timezone", "scheduler:\n  timezone: Mars/Olympus", "timezone"},
		{"bad clock", "scheduler:\n  session_open: 9am", "invalid clock time"},
		{"unknown broker", "broker:\n  adapter: ib", "broker adapter"},
		{"unknown store", "store:\n  driver: mongo", "store driver"},
		{"unknown ledger", "ledger:\n  backend: etcd", "ledger backend"},
		{"chase offset", "risk:\n  long_horizon:\n    chase_offset_pct: 1", "chase_offset_pct"},
		{"negative blackout", "risk:\n  short_horizon:\n    earnings_blackout_days: -1", "earnings_blackout_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func writeConfig(t *testing.T, path, body string, at time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestWatcherReloadsAndKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tradeguard.yaml")
	start := time.Now().Add(-time.Hour)
	writeConfig(t, path, "mode: LONG_HORIZON\nrisk:\n  max_position_pct: 0.10\n", start)

	c, err := Load(path)
	require.NoError(t, err)
	live := NewLive(c)
	w := NewWatcher(path, live)

	changed, err := w.Check()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged mtime is a no-op")

	writeConfig(t, path, "mode: LONG_HORIZON\nrisk:\n  max_position_pct: 0.08\n", start.Add(time.Minute))
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 0.08, live.Get().Risk.MaxPositionPct)

	writeConfig(t, path, "risk:\n  max_position_pct: 3\n", start.Add(2*time.Minute))
	changed, err = w.Check()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, 0.08, live.Get().Risk.MaxPositionPct, "a bad file leaves the last snapshot live")

	writeConfig(t, path, strings.Join([]string{
		"mode: SHORT_HORIZON",
		"risk:",
		"  max_position_pct: 0.07",
	}, "\n"), start.Add(3*time.Minute))
	changed, err = w.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.ModeLongHorizon, live.Get().Mode, "mode is pinned for the process lifetime")
	assert.Equal(t, 0.07, live.Get().Risk.MaxPositionPct)
}

func TestLivePublishesWholeSnapshots(t *testing.T) {
	live := NewLive(Default(domain.ModeLongHorizon))
	before := live.Get()

	next := *before
	next.Risk.MaxPositionPct = 0.02
	live.Swap(next)

	assert.Equal(t, 0.10, before.Risk.MaxPositionPct, "published snapshots are never mutated")
	assert.Equal(t, 0.02, live.Get().Risk.MaxPositionPct)
}
