package shelf

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStorage keeps the rows in postgres. groups and leaves share one
// table because sibling order interleaves both kinds under one parent, so
// placement updates must be able to touch the whole sibling set in one
// statement. presence lives in its own table keyed (scope_id, user_id).

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", mapStorageErr(err))
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStorage{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
		CREATE TABLE IF NOT EXISTS shelf_items (
			id UUID PRIMARY KEY,
			scope_id UUID NOT NULL,
			parent_id UUID,
			kind TEXT NOT NULL,
			item_order BIGINT NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			favicon_url TEXT NOT NULL DEFAULT '',
			preview_image TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			color TEXT NOT NULL DEFAULT '',
			created_by UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS shelf_items_scope_idx ON shelf_items (scope_id, parent_id, item_order)`,
		`
		CREATE TABLE IF NOT EXISTS shelf_presence (
			scope_id UUID NOT NULL,
			user_id UUID NOT NULL,
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (scope_id, user_id)
		)`,
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const itemColumns = `id, scope_id, parent_id, kind, item_order, title, url, description, favicon_url, preview_image, tags, color, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var idStr, scopeStr, kindStr, tagsJson string
	var parentStr, createdByStr sql.NullString
	item := &Item{}
	err := row.Scan(
		&idStr,
		&scopeStr,
		&parentStr,
		&kindStr,
		&item.Order,
		&item.Title,
		&item.Url,
		&item.Description,
		&item.FaviconUrl,
		&item.PreviewImageUrl,
		&tagsJson,
		&item.Color,
		&createdByStr,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if item.Id, err = ParseId(idStr); err != nil {
		return nil, fmt.Errorf("scan item id: %w", err)
	}
	if item.ScopeId, err = ParseId(scopeStr); err != nil {
		return nil, fmt.Errorf("scan item scope: %w", err)
	}
	if parentStr.Valid {
		parentId, err := ParseId(parentStr.String)
		if err != nil {
			return nil, fmt.Errorf("scan item parent: %w", err)
		}
		item.ParentId = &parentId
	}
	if createdByStr.Valid {
		if item.CreatedBy, err = ParseId(createdByStr.String); err != nil {
			return nil, fmt.Errorf("scan item creator: %w", err)
		}
	}
	item.Kind = ItemKind(kindStr)
	if tagsJson != "" {
		if err := json.Unmarshal([]byte(tagsJson), &item.Tags); err != nil {
			return nil, fmt.Errorf("scan item tags: %w", err)
		}
	}
	return item, nil
}

func idParam(id *Id) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func optionalIdParam(id Id) any {
	if id.IsZero() {
		return nil
	}
	return id.String()
}

func tagsParam(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	tagsJson, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(tagsJson), nil
}

func (self *PostgresStorage) QueryScope(ctx context.Context, scopeId Id) ([]*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM shelf_items WHERE scope_id=$1 ORDER BY item_order, created_at, id`, itemColumns)
	rows, err := self.db.QueryContext(ctx, query, scopeId.String())
	if err != nil {
		return nil, fmt.Errorf("query scope: %w", mapStorageErr(err))
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query scope: %w", mapStorageErr(err))
	}
	return items, nil
}

func (self *PostgresStorage) QueryItem(ctx context.Context, kind EntityKind, itemId Id) (*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM shelf_items WHERE id=$1 AND kind=$2`, itemColumns)
	item, err := scanItem(self.db.QueryRowContext(ctx, query, itemId.String(), string(itemKindForEntity(kind))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: string(kind), Id: itemId}
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", mapStorageErr(err))
	}
	return item, nil
}

func (self *PostgresStorage) InsertItem(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}
	tagsJson, err := tagsParam(item.Tags)
	if err != nil {
		return err
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = self.db.ExecContext(ctx, `
		INSERT INTO shelf_items (id, scope_id, parent_id, kind, item_order, title, url, description, favicon_url, preview_image, tags, color, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`,
		item.Id.String(),
		item.ScopeId.String(),
		idParam(item.ParentId),
		string(item.Kind),
		item.Order,
		item.Title,
		item.Url,
		item.Description,
		item.FaviconUrl,
		item.PreviewImageUrl,
		tagsJson,
		item.Color,
		optionalIdParam(item.CreatedBy),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", mapStorageErr(err))
	}
	return nil
}

func (self *PostgresStorage) UpdateContent(ctx context.Context, item *Item) error {
	if err := ValidateItem(item); err != nil {
		return err
	}
	tagsJson, err := tagsParam(item.Tags)
	if err != nil {
		return err
	}
	result, err := self.db.ExecContext(ctx, `
		UPDATE shelf_items
		SET title=$2, url=$3, description=$4, favicon_url=$5, preview_image=$6, tags=$7, color=$8, updated_at=NOW()
		WHERE id=$1
	`,
		item.Id.String(),
		item.Title,
		item.Url,
		item.Description,
		item.FaviconUrl,
		item.PreviewImageUrl,
		tagsJson,
		item.Color,
	)
	if err != nil {
		return fmt.Errorf("update content: %w", mapStorageErr(err))
	}
	return requireRow(result, EntityKindForItem(item), item.Id)
}

func (self *PostgresStorage) UpdatePlacement(ctx context.Context, kind EntityKind, itemId Id, parentId *Id, order int64) error {
	result, err := self.db.ExecContext(ctx, `
		UPDATE shelf_items
		SET parent_id=$2, item_order=$3, updated_at=NOW()
		WHERE id=$1 AND kind=$4
	`, itemId.String(), idParam(parentId), order, string(itemKindForEntity(kind)))
	if err != nil {
		return fmt.Errorf("update placement: %w", mapStorageErr(err))
	}
	return requireRow(result, kind, itemId)
}

func (self *PostgresStorage) ApplyPlacements(ctx context.Context, scopeId Id, placements []*PlacementUpdate) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin placements: %w", mapStorageErr(err))
	}
	defer tx.Rollback()

	for _, placement := range placements {
		_, err := tx.ExecContext(ctx, `
			UPDATE shelf_items
			SET parent_id=$3, item_order=$4, updated_at=NOW()
			WHERE id=$1 AND scope_id=$2
		`, placement.ItemId.String(), scopeId.String(), idParam(placement.ParentId), placement.Order)
		if err != nil {
			return fmt.Errorf("apply placement: %w", mapStorageErr(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit placements: %w", mapStorageErr(err))
	}
	return nil
}

func (self *PostgresStorage) DeleteItem(ctx context.Context, kind EntityKind, itemId Id) error {
	result, err := self.db.ExecContext(ctx, `DELETE FROM shelf_items WHERE id=$1 AND kind=$2`, itemId.String(), string(itemKindForEntity(kind)))
	if err != nil {
		return fmt.Errorf("delete item: %w", mapStorageErr(err))
	}
	return requireRow(result, kind, itemId)
}

func (self *PostgresStorage) TouchPresence(ctx context.Context, scopeId Id, userId Id, seenAt time.Time) error {
	// GREATEST keeps last_seen_at monotonic when touches land out of order
	_, err := self.db.ExecContext(ctx, `
		INSERT INTO shelf_presence (scope_id, user_id, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope_id, user_id) DO UPDATE SET last_seen_at=GREATEST(shelf_presence.last_seen_at, EXCLUDED.last_seen_at)
	`, scopeId.String(), userId.String(), seenAt)
	if err != nil {
		return fmt.Errorf("touch presence: %w", mapStorageErr(err))
	}
	return nil
}

func (self *PostgresStorage) QueryPresence(ctx context.Context, scopeId Id) ([]*PresenceRecord, error) {
	rows, err := self.db.QueryContext(ctx, `
		SELECT user_id, last_seen_at FROM shelf_presence WHERE scope_id=$1
	`, scopeId.String())
	if err != nil {
		return nil, fmt.Errorf("query presence: %w", mapStorageErr(err))
	}
	defer rows.Close()

	records := []*PresenceRecord{}
	for rows.Next() {
		var userStr string
		record := &PresenceRecord{ScopeId: scopeId}
		if err := rows.Scan(&userStr, &record.LastSeenAt); err != nil {
			return nil, err
		}
		if record.UserId, err = ParseId(userStr); err != nil {
			return nil, fmt.Errorf("scan presence user: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query presence: %w", mapStorageErr(err))
	}
	return records, nil
}

func (self *PostgresStorage) Close() error {
	return self.db.Close()
}

func requireRow(result sql.Result, kind EntityKind, itemId Id) error {
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return &NotFoundError{Kind: string(kind), Id: itemId}
	}
	return nil
}
