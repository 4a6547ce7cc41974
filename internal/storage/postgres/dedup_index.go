package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// DedupIndex records ingested items in one table keyed by (source, item_id).
// Inserts never overwrite an existing row.
type DedupIndex struct {
	db    DBTX
	table string
}

// NewDedupIndex returns an index over db; an empty table uses the default.
func NewDedupIndex(db DBTX, table string) (*DedupIndex, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if table == "" {
		table = DefaultTables.Items
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DedupIndex{db: db, table: table}, nil
}

// ContainsAny implements crawler.DedupIndex.
func (d *DedupIndex) ContainsAny(ctx context.Context, source string, ids []int) (map[int]struct{}, error) {
	found := make(map[int]struct{})
	if len(ids) == 0 {
		return found, nil
	}
	query, args, err := psql.Select("item_id").
		From(d.table).
		Where(sq.And{sq.Eq{"source": source}, sq.Eq{"item_id": ids}}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lookup: %w", err)
	}
	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup %d ids for %s: %w", len(ids), source, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan item id: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item ids: %w", err)
	}
	return found, nil
}

// InsertBatch implements crawler.DedupIndex with a single multi-row insert.
func (d *DedupIndex) InsertBatch(ctx context.Context, source string, items []crawler.Item) error {
	if len(items) == 0 {
		return nil
	}
	ins := psql.Insert(d.table).Columns("source", "item_id", "title", "image_ref", "alt_text", "origin_url")
	ids := make([]int, len(items))
	for i, it := range items {
		ins = ins.Values(source, it.ID, it.Title, it.ImageRef, it.AltText, it.OriginURL)
		ids[i] = it.ID
	}
	query, args, err := ins.Suffix("ON CONFLICT (source, item_id) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := d.db.Exec(ctx, query, args...); err != nil {
		return &crawler.PersistenceError{Op: "insert batch", IDs: ids, Err: err}
	}
	return nil
}

// InsertOne implements crawler.DedupIndex.
func (d *DedupIndex) InsertOne(ctx context.Context, source string, item crawler.Item) error {
	return d.InsertBatch(ctx, source, []crawler.Item{item})
}
