package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"peep/internal/model"
	"peep/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const ruleColumns = `id, position, pattern, base_delay_sec, session_limit_sec,
	visit_limit_per_day, used_visits_today, sessions_started_today,
	allowed_until, pending_open_until, created_at`

// SQLite implements Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadRules returns all rules ordered by their stored position.
func (s *SQLite) LoadRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveRules replaces the entire rule list in a single transaction.
func (s *SQLite) SaveRules(ctx context.Context, rules []model.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceRules(ctx, tx, rules); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMeta returns the meta singleton; a missing row is a zero Meta.
func (s *SQLite) LoadMeta(ctx context.Context) (model.Meta, error) {
	var m model.Meta
	err := s.db.QueryRowContext(ctx,
		`SELECT last_reset_date FROM meta WHERE id = 1`,
	).Scan(&m.LastResetDate)
	if err == sql.ErrNoRows {
		return model.Meta{}, nil
	}
	if err != nil {
		return model.Meta{}, fmt.Errorf("scan meta: %w", err)
	}
	return m, nil
}

// SaveAll replaces the rule list and the meta record in one transaction.
func (s *SQLite) SaveAll(ctx context.Context, rules []model.Rule, meta model.Meta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceRules(ctx, tx, rules); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (id, last_reset_date) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET last_reset_date = excluded.last_reset_date`,
		meta.LastResetDate,
	); err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}
	return tx.Commit()
}

func replaceRules(ctx context.Context, tx *sql.Tx, rules []model.Rule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	for i, r := range rules {
		created := r.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rules (`+ruleColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, r.Pattern, r.BaseDelaySec, r.SessionLimitSec,
			r.VisitLimitPerDay, r.UsedVisitsToday, r.SessionsStartedToday,
			r.AllowedUntil, r.PendingOpenUntil, created.Format(timeLayout),
		); err != nil {
			return fmt.Errorf("insert rule %s: %w", r.ID, err)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRule(row scannable) (model.Rule, error) {
	var r model.Rule
	var position int
	var createdStr string
	err := row.Scan(&r.ID, &position, &r.Pattern, &r.BaseDelaySec,
		&r.SessionLimitSec, &r.VisitLimitPerDay, &r.UsedVisitsToday,
		&r.SessionsStartedToday, &r.AllowedUntil, &r.PendingOpenUntil,
		&createdStr,
	)
	if err != nil {
		return r, fmt.Errorf("scan rule: %w", err)
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return r, nil
}
