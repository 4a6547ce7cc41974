package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
)

// SQLite caps host parameters per statement; lookups are split to stay under it.
const maxLookupParams = 500

// DedupIndex implements crawler.DedupIndex.
type DedupIndex struct {
	db *sql.DB
}

// ContainsAny implements crawler.DedupIndex.
func (d *DedupIndex) ContainsAny(ctx context.Context, source string, ids []int) (map[int]struct{}, error) {
	found := make(map[int]struct{})
	for start := 0; start < len(ids); start += maxLookupParams {
		chunk := ids[start:min(start+maxLookupParams, len(ids))]
		rows, err := sq.Select("item_id").From("items").
			Where(sq.And{sq.Eq{"source": source}, sq.Eq{"item_id": chunk}}).
			RunWith(d.db).QueryContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("lookup %d ids for %s: %w", len(chunk), source, err)
		}
		err = scanIDs(rows, found)
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

func scanIDs(rows *sql.Rows, into map[int]struct{}) error {
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan item id: %w", err)
		}
		into[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate item ids: %w", err)
	}
	return nil
}

// InsertBatch implements crawler.DedupIndex inside one transaction.
func (d *DedupIndex) InsertBatch(ctx context.Context, source string, items []crawler.Item) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]int, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return &crawler.PersistenceError{Op: "begin", IDs: ids, Err: err}
	}
	for _, it := range items {
		_, err := sq.Insert("items").
			Columns("source", "item_id", "title", "image_ref", "alt_text", "origin_url").
			Values(source, it.ID, it.Title, it.ImageRef, it.AltText, it.OriginURL).
			Suffix("ON CONFLICT (source, item_id) DO NOTHING").
			RunWith(tx).ExecContext(ctx)
		if err != nil {
			_ = tx.Rollback()
			return &crawler.PersistenceError{Op: "insert batch", IDs: ids, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &crawler.PersistenceError{Op: "commit", IDs: ids, Err: err}
	}
	return nil
}

// InsertOne implements crawler.DedupIndex.
func (d *DedupIndex) InsertOne(ctx context.Context, source string, item crawler.Item) error {
	return d.InsertBatch(ctx, source, []crawler.Item{item})
}
