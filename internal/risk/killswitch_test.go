package risk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradeguard/internal/config"
	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

func TestKillSwitchTripsOncePerBreach(t *testing.T) {
	ks, err := NewKillSwitch("")
	require.NoError(t, err)

	assert.False(t, ks.Halted())
	assert.True(t, ks.Trip("reconcile", "drift 7%"))
	assert.False(t, ks.Trip("reconcile", "drift 8%"))
	assert.True(t, ks.Halted())

	st := ks.Status()
	assert.Equal(t, "reconcile", st.Source)
	assert.Equal(t, "drift 7%", st.Reason)
	assert.False(t, st.Since.IsZero())
}

func TestKillSwitchResetNeedsOperator(t *testing.T) {
	ks, err := NewKillSwitch("")
	require.NoError(t, err)
	ks.Trip("ops", "manual")

	assert.ErrorIs(t, ks.Reset(" ", "oops"), ErrOperatorRequired)
	assert.True(t, ks.Halted())

	require.NoError(t, ks.Reset("alice", "books reconciled by hand"))
	assert.False(t, ks.Halted())
	assert.True(t, ks.Trip("reconcile", "second breach"))
}

func TestKillSwitchSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killswitch.jsonl")

	ks, err := NewKillSwitch(path)
	require.NoError(t, err)
	require.True(t, ks.Trip("reconcile", "drift"))

	restarted, err := NewKillSwitch(path)
	require.NoError(t, err)
	assert.True(t, restarted.Halted())
	assert.Equal(t, "reconcile", restarted.Status().Source)

	require.NoError(t, restarted.Reset("bob", "verified"))
	require.True(t, restarted.Trip("ops", "again"))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"id":"ks_3"`)

	again, err := NewKillSwitch(path)
	require.NoError(t, err)
	assert.True(t, again.Halted())
	assert.Equal(t, "ops", again.Status().Source)
}

func TestKillSwitchHaltsWhenEventLogUnwritable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	path := filepath.Join(blocker, "killswitch.jsonl")

	ks, err := NewKillSwitch("")
	require.NoError(t, err)
	ks.eventLog = path

	require.True(t, ks.Trip("reconcile", "drift 9%"))
	assert.True(t, ks.Halted())
	assert.True(t, ks.Status().Unpersisted)
	_, err = os.Stat(path)
	assert.Error(t, err)

	// Still blocked: the halt stays in memory and stays flagged.
	assert.False(t, ks.Trip("reconcile", "drift 10%"))
	assert.True(t, ks.Status().Unpersisted)

	require.NoError(t, os.Remove(blocker))
	assert.False(t, ks.Trip("reconcile", "drift 10%"))
	assert.False(t, ks.Status().Unpersisted)

	restarted, err := NewKillSwitch(path)
	require.NoError(t, err)
	assert.True(t, restarted.Halted())
	assert.Equal(t, "drift 9%", restarted.Status().Reason)
}

func TestKillSwitchSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "killswitch.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"+
		`{"id":"ks_1","type":"halt_set","source":"ops","reason":"x"}`+"\n"), 0644))

	ks, err := NewKillSwitch(path)
	require.NoError(t, err)
	assert.True(t, ks.Halted())
}

func TestGatekeeperReadsKillSwitchFresh(t *testing.T) {
	ks, err := NewKillSwitch("")
	require.NoError(t, err)
	g := NewGatekeeper(domain.ModeShortHorizon, config.NewLive(config.Default(domain.ModeShortHorizon)), ks)
	mkt := liquidMarket("AAPL", 180, 4)

	require.True(t, g.Evaluate(buy("AAPL"), flatPortfolio(100_000), mkt, nil).IsApproved())

	ks.Trip("reconcile", "drift")
	for i := 0; i < 3; i++ {
		assert.Equal(t, MetricHalted, g.Evaluate(buy("AAPL"), flatPortfolio(100_000), mkt, nil).Metric())
	}

	require.NoError(t, ks.Reset("carol", "cleared"))
	assert.True(t, g.Evaluate(buy("AAPL"), flatPortfolio(100_000), mkt, nil).IsApproved())
}
