// Package sqlite is a local ledger for development and tests. It records
// milestones and stake deposits in a SQLite file instead of a contract.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tower-arena/server/internal/oracle"
	"tower-arena/server/internal/platform/storage/sqlitemigrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrCollapseReported mirrors the contract's revert on a second report.
var ErrCollapseReported = errors.New("execution reverted: collapse already reported")

// Milestone is one recorded ledger call.
type Milestone struct {
	SessionID  string
	Kind       oracle.CallKind
	RecordedAt time.Time
}

// Ledger implements oracle.Backend on SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the ledger database at path and migrates it.
func Open(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite ledger: path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// SQLite serializes writers; one connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if err := sqlitemigrate.Apply(context.Background(), db, migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) record(ctx context.Context, sessionID string, kind oracle.CallKind) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("invalid session id")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO milestones (session_id, kind, recorded_at) VALUES (?, ?, ?)`,
		sessionID, string(kind), l.now().UTC().UnixMilli(),
	)
	if err != nil && kind == oracle.CallReportCollapse && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrCollapseReported
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

func (l *Ledger) CompleteTurn(ctx context.Context, sessionID string) error {
	return l.record(ctx, sessionID, oracle.CallCompleteTurn)
}

func (l *Ledger) TimeoutTurn(ctx context.Context, sessionID string) error {
	return l.record(ctx, sessionID, oracle.CallTimeoutTurn)
}

func (l *Ledger) ReportCollapse(ctx context.Context, sessionID string) error {
	return l.record(ctx, sessionID, oracle.CallReportCollapse)
}

// Deposit records a player's stake, replacing any earlier amount.
func (l *Ledger) Deposit(ctx context.Context, sessionID, player string, amount int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO deposits (session_id, player, amount, deposited_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, player) DO UPDATE SET amount = excluded.amount, deposited_at = excluded.deposited_at`,
		sessionID, player, amount, l.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}
	return nil
}

// VerifyPayment reports whether player deposited at least stake.
func (l *Ledger) VerifyPayment(ctx context.Context, sessionID, player string, stake int64) (bool, error) {
	var amount int64
	err := l.db.QueryRowContext(ctx,
		`SELECT amount FROM deposits WHERE session_id = ? AND player = ?`,
		sessionID, player,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup deposit: %w", err)
	}
	return amount >= stake, nil
}

// Milestones lists what was recorded for a session, oldest first.
func (l *Ledger) Milestones(ctx context.Context, sessionID string) ([]Milestone, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT session_id, kind, recorded_at FROM milestones WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var (
			m    Milestone
			kind string
			at   int64
		)
		if err := rows.Scan(&m.SessionID, &kind, &at); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.Kind = oracle.CallKind(kind)
		m.RecordedAt = time.UnixMilli(at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
