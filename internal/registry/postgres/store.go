// Package postgres persists the registry in two Postgres tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/registry"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "goalclip_targets"

// Config controls the connection pool. Entitlements live in <Table>_entitlements.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store reads and rewrites the registry tables.
type Store struct {
	pool         dbPool
	table        string
	entitlements string
}

var _ registry.Store = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("registry.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store over an existing pool.
func NewWithPool(pool dbPool, table string) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, entitlements: table + "_entitlements"}, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	channel_id TEXT NOT NULL,
	name TEXT NOT NULL,
	subscribers JSONB NOT NULL DEFAULT '[]',
	added_at TIMESTAMPTZ NOT NULL,
	is_live BOOLEAN NOT NULL DEFAULT FALSE,
	goal_active BOOLEAN NOT NULL DEFAULT FALSE,
	goal_text TEXT NOT NULL DEFAULT '',
	goal_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, name)
)`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	identity TEXT PRIMARY KEY,
	class TEXT NOT NULL
)`, s.entitlements),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate registry: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Load implements registry.Store.
func (s *Store) Load(ctx context.Context) (registry.Snapshot, error) {
	var snap registry.Snapshot
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT channel_id, name, subscribers, added_at, is_live, goal_active, goal_text, goal_progress FROM %s ORDER BY channel_id, name`,
		s.table))
	if err != nil {
		return snap, fmt.Errorf("query targets: %w", err)
	}
	for rows.Next() {
		var (
			t    live.Target
			subs []byte
		)
		if err := rows.Scan(&t.ChannelID, &t.Name, &subs, &t.AddedAt,
			&t.Status.IsLive, &t.Status.GoalActive, &t.Status.GoalText, &t.Status.GoalProgress); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan target: %w", err)
		}
		if len(subs) > 0 {
			if err := json.Unmarshal(subs, &t.Subscribers); err != nil {
				rows.Close()
				return snap, fmt.Errorf("decode subscribers: %w", err)
			}
		}
		snap.Targets = append(snap.Targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate targets: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf(`SELECT identity, class FROM %s ORDER BY identity`, s.entitlements))
	if err != nil {
		return snap, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e     live.Entitlement
			class string
		)
		if err := rows.Scan(&e.Identity, &class); err != nil {
			return snap, fmt.Errorf("scan entitlement: %w", err)
		}
		e.Class = live.EntitlementClass(class)
		snap.Entitlements = append(snap.Entitlements, e)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate entitlements: %w", err)
	}
	return snap, nil
}

// Save implements registry.Store by replacing both tables in one transaction.
func (s *Store) Save(ctx context.Context, snap registry.Snapshot) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registry save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear targets: %w", err)
	}
	insertTarget := fmt.Sprintf(`INSERT INTO %s (
	channel_id, name, subscribers, added_at, is_live, goal_active, goal_text, goal_progress
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.table)
	for _, t := range snap.Targets {
		subs, merr := json.Marshal(subscribersOrEmpty(t.Subscribers))
		if merr != nil {
			err = fmt.Errorf("encode subscribers: %w", merr)
			return err
		}
		if _, err = tx.Exec(ctx, insertTarget,
			t.ChannelID, t.Name, subs, t.AddedAt,
			t.Status.IsLive, t.Status.GoalActive, t.Status.GoalText, t.Status.GoalProgress,
		); err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
	}

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.entitlements)); err != nil {
		return fmt.Errorf("clear entitlements: %w", err)
	}
	insertEntitlement := fmt.Sprintf(`INSERT INTO %s (identity, class) VALUES ($1,$2)`, s.entitlements)
	for _, e := range snap.Entitlements {
		if _, err = tx.Exec(ctx, insertEntitlement, e.Identity, string(e.Class)); err != nil {
			return fmt.Errorf("insert entitlement: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registry save: %w", err)
	}
	return nil
}

func subscribersOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
