package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

// fileState is the on-disk snapshot.
type fileState struct {
	Version   int64                           `json:"version"`
	UpdatedAt string                          `json:"updated_at"`
	Positions map[string]domain.PositionState `json:"positions"`
}

// File keeps positions in a JSON snapshot written with temp file + rename,
// so a crash mid-write never leaves a torn file.
type File struct {
	path  string
	mu    sync.RWMutex
	state fileState
}

// OpenFile loads path, starting empty if it does not exist yet.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, state: fileState{Positions: map[string]domain.PositionState{}}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read position state: %w", err)
	}
	if err := json.Unmarshal(data, &f.state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position state: %w", err)
	}
	if f.state.Positions == nil {
		f.state.Positions = map[string]domain.PositionState{}
	}
	return f, nil
}

func (f *File) saveUnsafe() error {
	f.state.Version++
	f.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal position state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp position state: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename position state: %w", err)
	}
	return nil
}

func (f *File) OpenPositions(ctx context.Context) ([]domain.PositionState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]domain.PositionState, 0, len(f.state.Positions))
	for _, p := range f.state.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (f *File) Upsert(ctx context.Context, pos domain.PositionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pos.Ticker = normTicker(pos.Ticker)
	if pos.Quantity <= 0 {
		delete(f.state.Positions, pos.Ticker)
		return f.saveUnsafe()
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	f.state.Positions[pos.Ticker] = pos
	return f.saveUnsafe()
}

func (f *File) MarkClosed(ctx context.Context, ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := normTicker(ticker)
	if _, ok := f.state.Positions[t]; !ok {
		return nil
	}
	delete(f.state.Positions, t)
	return f.saveUnsafe()
}

func (f *File) Adjust(ctx context.Context, fill Fill) (domain.PositionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fill.Ticker = normTicker(fill.Ticker)
	cur, exists := f.state.Positions[fill.Ticker]
	next := applyFill(cur, exists, fill)
	if next.Quantity <= 0 {
		delete(f.state.Positions, fill.Ticker)
	} else {
		f.state.Positions[fill.Ticker] = next
	}
	if err := f.saveUnsafe(); err != nil {
		return domain.PositionState{}, err
	}
	return next, nil
}
