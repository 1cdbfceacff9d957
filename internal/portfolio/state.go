package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// markState is the on-disk form of Marks.
type markState struct {
	Version          int64   `json:"version"`
	UpdatedAt        string  `json:"updated_at"`
	Date             string  `json:"date"` // exchange-local YYYY-MM-DD
	HighWaterMark    float64 `json:"high_water_mark"`
	DailyStartEquity float64 `json:"daily_start_equity"`
}

// Marks tracks the equity high-water mark and the equity at the first
// observation of each exchange day. Both survive restarts, otherwise a
// process bounce mid-drawdown would reset the drawdown gate.
type Marks struct {
	path  string
	loc   *time.Location
	mu    sync.Mutex
	state markState
}

// OpenMarks loads path. An empty path keeps marks in memory only.
func OpenMarks(path string, loc *time.Location) (*Marks, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := &Marks{path: path, loc: loc}
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("failed to read portfolio marks: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal portfolio marks: %w", err)
	}
	return m, nil
}

// Observe folds equity seen at into the marks and returns the high-water
// mark and the day's starting equity.
func (m *Marks) Observe(equity float64, at time.Time) (hwm, dailyStart float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	today := at.In(m.loc).Format("2006-01-02")
	if m.state.Date != today {
		m.state.Date = today
		m.state.DailyStartEquity = equity
		changed = true
	}
	if equity > m.state.HighWaterMark {
		m.state.HighWaterMark = equity
		changed = true
	}
	if changed {
		err = m.saveUnsafe()
	}
	return m.state.HighWaterMark, m.state.DailyStartEquity, err
}

// Snapshot returns the current marks without observing anything.
func (m *Marks) Snapshot() (date string, hwm, dailyStart float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Date, m.state.HighWaterMark, m.state.DailyStartEquity
}

// saveUnsafe writes with temp file + rename. Caller holds mu.
func (m *Marks) saveUnsafe() error {
	if m.path == "" {
		return nil
	}
	m.state.Version++
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio marks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create marks directory: %w", err)
	}
	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp portfolio marks: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio marks: %w", err)
	}
	return nil
}
