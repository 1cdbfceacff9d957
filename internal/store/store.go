// Package store persists internal position records and the audit trail.
// Broker state always wins over what is stored here; the reconciliation
// worker overwrites any record that drifts.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/inflight"
)

// PositionStore owns PositionState records.
type PositionStore interface {
	OpenPositions(ctx context.Context) ([]domain.PositionState, error)
	Upsert(ctx context.Context, pos domain.PositionState) error
	MarkClosed(ctx context.Context, ticker string) error
	// Adjust applies a signed fill of delta shares at price and returns the
	// resulting record. A result of zero shares closes the position.
	Adjust(ctx context.Context, fill Fill) (domain.PositionState, error)
}

// AuditSink is an append-only record of every decision and correction.
type AuditSink interface {
	Record(ctx context.Context, ev domain.AuditEvent) error
}

// Fill is one execution applied to a position.
type Fill struct {
	Ticker string
	Sector string
	Delta  int64
	Price  float64
	At     time.Time
}

// applyFill is the shared position arithmetic for every backend.
func applyFill(cur domain.PositionState, exists bool, f Fill) domain.PositionState {
	next := cur
	if !exists || cur.Quantity <= 0 {
		next = domain.PositionState{Ticker: f.Ticker, Sector: f.Sector, OpenedAt: f.At}
	}
	if next.Sector == "" || next.Sector == domain.UnknownSector {
		if f.Sector != "" {
			next.Sector = f.Sector
		}
	}
	next.Quantity += f.Delta
	if next.Quantity < 0 {
		next.Quantity = 0
	}
	next.MarketValue = float64(next.Quantity) * f.Price
	return next
}

func normTicker(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Locked serialises writes per ticker so the execution agent and the
// reconciliation worker cannot lose each other's updates.
type Locked struct {
	PositionStore
	locks *inflight.KeyedMutex
}

func WithTickerLocks(s PositionStore) *Locked {
	return &Locked{PositionStore: s, locks: inflight.NewKeyedMutex()}
}

func (l *Locked) Upsert(ctx context.Context, pos domain.PositionState) error {
	defer l.locks.Lock(normTicker(pos.Ticker))()
	return l.PositionStore.Upsert(ctx, pos)
}

func (l *Locked) MarkClosed(ctx context.Context, ticker string) error {
	defer l.locks.Lock(normTicker(ticker))()
	return l.PositionStore.MarkClosed(ctx, ticker)
}

func (l *Locked) Adjust(ctx context.Context, f Fill) (domain.PositionState, error) {
	defer l.locks.Lock(normTicker(f.Ticker))()
	return l.PositionStore.Adjust(ctx, f)
}

// Tee writes every event to each sink in order and returns the first
// error after trying them all.
func Tee(sinks ...AuditSink) AuditSink { return tee(sinks) }

type tee []AuditSink

func (t tee) Record(ctx context.Context, ev domain.AuditEvent) error {
	var first error
	for _, s := range t {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
