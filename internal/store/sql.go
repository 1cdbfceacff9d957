package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	ticker             TEXT PRIMARY KEY,
	sector             TEXT NOT NULL DEFAULT '',
	quantity           BIGINT NOT NULL DEFAULT 0,
	market_value       DOUBLE PRECISION NOT NULL DEFAULT 0,
	unrealized_pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'OPEN',
	opened_at          TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	ts          TIMESTAMP NOT NULL,
	kind        TEXT NOT NULL,
	code        TEXT NOT NULL,
	ticker      TEXT NOT NULL DEFAULT '',
	signal_id   TEXT NOT NULL DEFAULT '',
	decision_id TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	details     TEXT NOT NULL DEFAULT ''
);`

const positionColumns = `ticker, sector, quantity, market_value, unrealized_pnl_pct, opened_at`

// SQL stores positions and the audit log in sqlite (modernc, pure Go) or
// postgres (lib/pq). On postgres, fills lock the row with FOR UPDATE.
type SQL struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

// OpenSQL connects and migrates. driver is "sqlite" or "postgres".
func OpenSQL(driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer keeps sqlite from returning SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
	}
	s := NewSQL(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an existing handle without migrating.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, timeout: 5 * time.Second, now: time.Now}
}

func (s *SQL) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) OpenPositions(ctx context.Context) ([]domain.PositionState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []domain.PositionState
	q := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'OPEN' ORDER BY ticker`
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	return out, nil
}

const upsertPosition = `
INSERT INTO positions (ticker, sector, quantity, market_value, unrealized_pnl_pct, status, opened_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (ticker) DO UPDATE SET
	sector = EXCLUDED.sector,
	quantity = EXCLUDED.quantity,
	market_value = EXCLUDED.market_value,
	unrealized_pnl_pct = EXCLUDED.unrealized_pnl_pct,
	status = EXCLUDED.status,
	opened_at = EXCLUDED.opened_at,
	updated_at = EXCLUDED.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rebind(query string) string
}

func (s *SQL) write(ctx context.Context, ex execer, pos domain.PositionState) error {
	status := "OPEN"
	if pos.Quantity <= 0 {
		status = "CLOSED"
		pos.Quantity = 0
		pos.MarketValue = 0
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = s.now().UTC()
	}
	_, err := ex.ExecContext(ctx, ex.Rebind(upsertPosition),
		normTicker(pos.Ticker), pos.Sector, pos.Quantity, pos.MarketValue, pos.UnrealizedPnLPct,
		status, pos.OpenedAt.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Ticker, err)
	}
	return nil
}

func (s *SQL) Upsert(ctx context.Context, pos domain.PositionState) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.write(ctx, s.db, pos)
}

func (s *SQL) MarkClosed(ctx context.Context, ticker string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := s.db.Rebind(`UPDATE positions SET status = 'CLOSED', quantity = 0, market_value = 0, updated_at = ? WHERE ticker = ?`)
	if _, err := s.db.ExecContext(ctx, q, s.now().UTC(), normTicker(ticker)); err != nil {
		return fmt.Errorf("failed to close position %s: %w", ticker, err)
	}
	return nil
}

// Adjust reads and rewrites the row inside one transaction.
func (s *SQL) Adjust(ctx context.Context, f Fill) (domain.PositionState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	f.Ticker = normTicker(f.Ticker)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + positionColumns + ` FROM positions WHERE ticker = ? AND status = 'OPEN'`
	if s.db.DriverName() == "postgres" {
		q += ` FOR UPDATE`
	}
	var cur domain.PositionState
	exists := true
	if err := tx.GetContext(ctx, &cur, tx.Rebind(q), f.Ticker); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.PositionState{}, fmt.Errorf("failed to read position %s: %w", f.Ticker, err)
		}
		exists = false
	}

	next := applyFill(cur, exists, f)
	if err := s.write(ctx, tx, next); err != nil {
		return domain.PositionState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PositionState{}, fmt.Errorf("failed to commit fill for %s: %w", f.Ticker, err)
	}
	return next, nil
}

// Record appends to audit_log.
func (s *SQL) Record(ctx context.Context, ev domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	details := ""
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(b)
	}
	q := s.db.Rebind(`INSERT INTO audit_log (id, ts, kind, code, ticker, signal_id, decision_id, reason, details)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, ev.ID, ev.Time.UTC(), string(ev.Kind), ev.Code,
		ev.Ticker, ev.SignalID, ev.DecisionID, ev.Reason, details)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// AuditTrail returns the newest audit rows first, for the ops surface.
func (s *SQL) AuditTrail(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type row struct {
		ID         string    `db:"id"`
		Time       time.Time `db:"ts"`
		Kind       string    `db:"kind"`
		Code       string    `db:"code"`
		Ticker     string    `db:"ticker"`
		SignalID   string    `db:"signal_id"`
		DecisionID string    `db:"decision_id"`
		Reason     string    `db:"reason"`
		Details    string    `db:"details"`
	}
	var rows []row
	q := s.db.Rebind(`SELECT id, ts, kind, code, ticker, signal_id, decision_id, reason, details
FROM audit_log ORDER BY ts DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	out := make([]domain.AuditEvent, 0, len(rows))
	for _, r := range rows {
		ev := domain.AuditEvent{
			ID: r.ID, Time: r.Time, Kind: domain.AuditKind(r.Kind), Code: r.Code,
			Ticker: r.Ticker, SignalID: r.SignalID, DecisionID: r.DecisionID, Reason: r.Reason,
		}
		if r.Details != "" {
			_ = json.Unmarshal([]byte(r.Details), &ev.Details)
		}
		out = append(out, ev)
	}
	return out, nil
}
