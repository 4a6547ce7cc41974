package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// StepStore implements crawler.StepStore. Runs are ordered by insertion
// sequence so OpenRun returns the most recent open run.
type StepStore struct {
	db *sql.DB
}

// OpenRun implements crawler.StepStore.
func (s *StepStore) OpenRun(ctx context.Context, source string) (crawler.Run, bool, error) {
	row := sq.Select("body").From("runs").
		Where(sq.And{
			sq.Eq{"source": source},
			sq.NotEq{"state": []string{string(crawler.RunDone), string(crawler.RunAbandoned)}},
		}).
		OrderBy("seq DESC").Limit(1).
		RunWith(s.db).QueryRowContext(ctx)
	run, err := scanRun(row)
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
	row := sq.Select("body").From("runs").Where(sq.Eq{"id": runID}).RunWith(s.db).QueryRowContext(ctx)
	run, err := scanRun(row)
	if err != nil {
		return crawler.Run{}, fmt.Errorf("run %s: %w", runID, err)
	}
	return run, nil
}

func scanRun(row sq.RowScanner) (crawler.Run, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

// SaveRun implements crawler.StepStore. A run keeps the sequence number of
// its first save.
func (s *StepStore) SaveRun(ctx context.Context, run crawler.Run) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = sq.Insert("runs").
		Columns("id", "source", "state", "body", "seq").
		Values(run.ID, run.Source, string(run.State), body,
			sq.Expr("(SELECT COALESCE(MAX(seq), 0) + 1 FROM runs)")).
		Suffix("ON CONFLICT (id) DO UPDATE SET state = excluded.state, body = excluded.body").
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// LoadStep implements crawler.StepStore.
func (s *StepStore) LoadStep(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var payload []byte
	err := sq.Select("payload").From("run_steps").
		Where(sq.Eq{"run_id": runID, "step": step}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load step %s/%s: %w", runID, step, err)
	}
	return payload, true, nil
}

// SaveStep implements crawler.StepStore; the first payload for a step wins.
func (s *StepStore) SaveStep(ctx context.Context, runID, step string, payload []byte) error {
	_, err := sq.Insert("run_steps").
		Columns("run_id", "step", "payload").
		Values(runID, step, payload).
		Suffix("ON CONFLICT (run_id, step) DO NOTHING").
		RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", runID, step, err)
	}
	return nil
}
