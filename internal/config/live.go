package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/observ"
)

// Live holds the current config snapshot. Readers always see a complete
// Root; reloads replace the pointer and never mutate a published value.
type Live struct {
	p atomic.Pointer[Root]
}

func NewLive(c Root) *Live {
	l := &Live{}
	l.p.Store(&c)
	return l
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (l *Live) Get() *Root {
	return l.p.Load()
}

// Swap publishes c. The mode is pinned to the value the process started
// with since the gate pipeline is chosen at construction.
func (l *Live) Swap(c Root) {
	if cur := l.p.Load(); cur != nil && c.Mode != cur.Mode {
		observ.Warn("config_mode_change_ignored", map[string]any{
			"running": string(cur.Mode),
			"file":    string(c.Mode),
		})
		c.Mode = cur.Mode
	}
	l.p.Store(&c)
}

// Watcher polls a config file and swaps Live on change. A file that fails
// to parse or validate leaves the previous snapshot in place.
type Watcher struct {
	path     string
	live     *Live
	interval time.Duration
	modTime  time.Time
}

func NewWatcher(path string, live *Live) *Watcher {
	w := &Watcher{path: path, live: live, interval: live.Get().ReloadInterval}
	if fi, err := os.Stat(path); err == nil {
		w.modTime = fi.ModTime()
	}
	return w
}

// Check reloads the file if its mtime moved. It reports whether a new
// snapshot was published.
func (w *Watcher) Check() (bool, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	if !fi.ModTime().After(w.modTime) {
		return false, nil
	}
	w.modTime = fi.ModTime()

	c, err := Load(w.path)
	if err != nil {
		observ.IncCounter("config_reloads_total", map[string]string{"result": "failed"})
		observ.Error("config_reload_failed", err, map[string]any{"path": w.path})
		return false, err
	}
	w.live.Swap(c)
	observ.IncCounter("config_reloads_total", map[string]string{"result": "ok"})
	observ.Log("config_reloaded", map[string]any{"path": w.path})
	return true, nil
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = w.Check()
		}
	}
}
