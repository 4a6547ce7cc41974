package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// ProgressStore keeps one JSONB Progress row per source. The revision column
// mirrors Progress.Revision and guards every write.
type ProgressStore struct {
	db    DBTX
	table string
}

// NewProgressStore returns a store over db; an empty table uses the default.
func NewProgressStore(db DBTX, table string) (*ProgressStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		table = DefaultTables.Progress
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProgressStore{db: db, table: table}, nil
}

// Get implements crawler.ProgressStore.
func (s *ProgressStore) Get(ctx context.Context, source string) (crawler.Progress, bool, error) {
	query, args, err := psql.Select("body").From(s.table).Where(sq.Eq{"source": source}).ToSql()
	if err != nil {
		return crawler.Progress{}, false, fmt.Errorf("build progress query: %w", err)
	}
	var body []byte
	if err := s.db.QueryRow(ctx, query, args...).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Progress{}, false, nil
		}
		return crawler.Progress{}, false, fmt.Errorf("select progress for %s: %w", source, err)
	}
	p, err := crawler.DecodeProgress(body)
	if err != nil {
		return crawler.Progress{}, false, err
	}
	return p, true, nil
}

// Put implements crawler.ProgressStore. The first revision is inserted; every
// later one updates the row only if it still holds the previous revision.
func (s *ProgressStore) Put(ctx context.Context, source string, p crawler.Progress) error {
	body, err := crawler.EncodeProgress(p)
	if err != nil {
		return err
	}
	var b sq.Sqlizer
	if p.Revision <= 1 {
		b = psql.Insert(s.table).
			Columns("source", "revision", "body").
			Values(source, p.Revision, body).
			Suffix("ON CONFLICT (source) DO NOTHING")
	} else {
		b = psql.Update(s.table).
			Set("revision", p.Revision).
			Set("body", body).
			Set("updated_at", sq.Expr("now()")).
			Where(sq.Eq{"source": source, "revision": p.Revision - 1})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build progress write: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write progress for %s: %w", source, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: source %s revision %d", crawler.ErrConcurrency, source, p.Revision)
	}
	return nil
}
