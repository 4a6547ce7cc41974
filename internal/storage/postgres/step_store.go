package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// StepStore persists run records and memoized step payloads.
type StepStore struct {
	db    DBTX
	runs  string
	steps string
}

// NewStepStore returns a store over db using the Runs and Steps tables.
func NewStepStore(db DBTX, tables Tables) (*StepStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	return &StepStore{db: db, runs: tables.Runs, steps: tables.Steps}, nil
}

// OpenRun implements crawler.StepStore.
func (s *StepStore) OpenRun(ctx context.Context, source string) (crawler.Run, bool, error) {
	query, args, err := psql.Select("body").
		From(s.runs).
		Where(sq.And{
			sq.Eq{"source": source},
			sq.NotEq{"state": []string{string(crawler.RunDone), string(crawler.RunAbandoned)}},
		}).
		OrderBy("updated_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return crawler.Run{}, false, fmt.Errorf("build open run query: %w", err)
	}
	run, err := s.scanRun(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, crawler.ErrRecordNotFound) {
		return crawler.Run{}, false, nil
	}
	if err != nil {
		return crawler.Run{}, false, fmt.Errorf("open run for %s: %w", source, err)
	}
	return run, true, nil
}

// LoadRun implements crawler.StepStore.
func (s *StepStore) LoadRun(ctx context.Context, runID string) (crawler.Run, error) {
	query, args, err := psql.Select("body").From(s.runs).Where(sq.Eq{"id": runID}).ToSql()
	if err != nil {
		return crawler.Run{}, fmt.Errorf("build run query: %w", err)
	}
	run, err := s.scanRun(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

func (s *StepStore) scanRun(row pgx.Row) (crawler.Run, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Run{}, crawler.ErrRecordNotFound
		}
		return crawler.Run{}, err
	}
	var run crawler.Run
	if err := json.Unmarshal(body, &run); err != nil {
		return crawler.Run{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

// SaveRun implements crawler.StepStore as an upsert.
func (s *StepStore) SaveRun(ctx context.Context, run crawler.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	query, args, err := psql.Insert(s.runs).
		Columns("id", "source", "state", "body", "updated_at").
		Values(run.ID, run.Source, string(run.State), body, run.UpdatedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, body = EXCLUDED.body, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build run upsert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// LoadStep implements crawler.StepStore.
func (s *StepStore) LoadStep(ctx context.Context, runID, step string) ([]byte, bool, error) {
	query, args, err := psql.Select("payload").
		From(s.steps).
		Where(sq.Eq{"run_id": runID, "step": step}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build step query: %w", err)
	}
	var payload []byte
	if err := s.db.QueryRow(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load step %s/%s: %w", runID, step, err)
	}
	return payload, true, nil
}

// SaveStep implements crawler.StepStore; the first payload for a step wins.
func (s *StepStore) SaveStep(ctx context.Context, runID, step string, payload []byte) error {
	query, args, err := psql.Insert(s.steps).
		Columns("run_id", "step", "payload").
		Values(runID, step, payload).
		Suffix("ON CONFLICT (run_id, step) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build step insert: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save step %s/%s: %w", runID, step, err)
	}
	return nil
}
