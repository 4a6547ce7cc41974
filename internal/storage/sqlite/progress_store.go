package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// ProgressStore implements crawler.ProgressStore.
type ProgressStore struct {
	db *sql.DB
}

// Get implements crawler.ProgressStore.
func (s *ProgressStore) Get(ctx context.Context, source string) (crawler.Progress, bool, error) {
	var body []byte
	err := sq.Select("body").From("progress").Where(sq.Eq{"source": source}).
		RunWith(s.db).QueryRowContext(ctx).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Progress{}, false, nil
	}
	if err != nil {
		return crawler.Progress{}, false, fmt.Errorf("select progress for %s: %w", source, err)
	}
	p, err := crawler.DecodeProgress(body)
	if err != nil {
		return crawler.Progress{}, false, err
	}
	return p, true, nil
}

// Put implements crawler.ProgressStore.
func (s *ProgressStore) Put(ctx context.Context, source string, p crawler.Progress) error {
	body, err := crawler.EncodeProgress(p)
	if err != nil {
		return err
	}
	var res sql.Result
	if p.Revision <= 1 {
		res, err = sq.Insert("progress").
			Columns("source", "revision", "body").
			Values(source, p.Revision, body).
			Suffix("ON CONFLICT (source) DO NOTHING").
			RunWith(s.db).ExecContext(ctx)
	} else {
		res, err = sq.Update("progress").
			Set("revision", p.Revision).
			Set("body", body).
			Set("updated_at", sq.Expr("strftime('%Y-%m-%dT%H:%M:%fZ', 'now')")).
			Where(sq.Eq{"source": source, "revision": p.Revision - 1}).
			RunWith(s.db).ExecContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("write progress for %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write progress for %s: %w", source, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: source %s revision %d", crawler.ErrConcurrency, source, p.Revision)
	}
	return nil
}
