// Package postgres stores progress, ingested item ids and run checkpoints in
// Postgres. Every query is built with squirrel using dollar placeholders.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DBTX is the subset of pgxpool.Pool the stores use.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls the connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Tables names the tables the stores read and write.
type Tables struct {
	Progress string `mapstructure:"progress"`
	Items    string `mapstructure:"items"`
	Runs     string `mapstructure:"runs"`
	Steps    string `mapstructure:"steps"`
}

// DefaultTables is used for every empty field of a Tables value.
var DefaultTables = Tables{
	Progress: "l10n_progress",
	Items:    "l10n_items",
	Runs:     "l10n_runs",
	Steps:    "l10n_run_steps",
}

func (t Tables) withDefaults() Tables {
	if t.Progress == "" {
		t.Progress = DefaultTables.Progress
	}
	if t.Items == "" {
		t.Items = DefaultTables.Items
	}
	if t.Runs == "" {
		t.Runs = DefaultTables.Runs
	}
	if t.Steps == "" {
		t.Steps = DefaultTables.Steps
	}
	return t
}

func (t Tables) validate() error {
	for _, name := range []string{t.Progress, t.Items, t.Runs, t.Steps} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// Connect opens a pool for cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	source     TEXT PRIMARY KEY,
	revision   BIGINT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS %[2]s (
	source     TEXT NOT NULL,
	item_id    INTEGER NOT NULL,
	title      TEXT NOT NULL,
	image_ref  TEXT NOT NULL,
	alt_text   TEXT NOT NULL,
	origin_url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, item_id)
);
CREATE TABLE IF NOT EXISTS %[3]s (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	state      TEXT NOT NULL,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[3]s_source_state_idx ON %[3]s (source, state, updated_at DESC);
CREATE TABLE IF NOT EXISTS %[4]s (
	run_id     TEXT NOT NULL,
	step       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, step)
);`

// Migrate creates the tables when they do not exist.
func Migrate(ctx context.Context, db DBTX, tables Tables) error {
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return err
	}
	ddl := fmt.Sprintf(schema, tables.Progress, tables.Items, tables.Runs, tables.Steps)
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
