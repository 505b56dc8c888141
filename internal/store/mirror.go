package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taxdesk/internal/utils"
	"taxdesk/pkg/types"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

const mirrorTableName = "taxdesk.mirror_records"

type mirrorRow struct {
	ID        string    `db:"id"`
	ChildType string    `db:"child_type"`
	OwnerID   string    `db:"owner_id"`
	ChildID   string    `db:"child_id"`
	Status    string    `db:"status"`
	Document  []byte    `db:"document"`
	UpdatedAt time.Time `db:"updated_at"`
}

var mirrorColumns = utils.StructTagValues(mirrorRow{})

type MirrorRepository struct {
	pool *pgxpool.Pool
}

func NewMirrorRepository(pool *pgxpool.Pool) *MirrorRepository {
	return &MirrorRepository{pool: pool}
}

// MirrorsByType reads a type's whole top-level partition in one query.
func (r *MirrorRepository) MirrorsByType(ctx context.Context, childType types.ChildType) ([]*types.MirrorRecord, error) {
	query, args, err := psql().
		Select(mirrorColumns...).
		From(mirrorTableName).
		Where(sq.Eq{"child_type": string(childType)}).
		OrderBy("updated_at DESC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate mirrors query: %w", err)
	}

	var rows []*mirrorRow
	err = pgxscan.Select(ctx, r.pool, &rows, query, args...)
	if err != nil {
		return nil, classifyPgError(err, fmt.Sprintf("failed to list %s mirrors", childType))
	}

	mirrors := make([]*types.MirrorRecord, 0, len(rows))
	for _, row := range rows {
		child := new(types.ChildRecord)
		if err := json.Unmarshal(row.Document, child); err != nil {
			return nil, fmt.Errorf("failed to decode mirror %s: %w", row.ID, err)
		}
		// the status column is what status writes touch
		child.Status = types.Status(row.Status)
		child.MirrorID = row.ID
		if err := child.Validate(); err != nil {
			return nil, fmt.Errorf("mirror %s: %w", row.ID, err)
		}
		mirrors = append(mirrors, &types.MirrorRecord{
			ID:      row.ID,
			OwnerID: row.OwnerID,
			ChildID: row.ChildID,
			Child:   child,
		})
	}

	return mirrors, nil
}

func (r *MirrorRepository) CreateMirror(ctx context.Context, db execer, mirror *types.MirrorRecord) error {
	document, err := json.Marshal(mirror.Child)
	if err != nil {
		return fmt.Errorf("failed to encode mirror: %w", err)
	}

	row := &mirrorRow{
		ID:        mirror.ID,
		ChildType: string(mirror.Child.Type),
		OwnerID:   mirror.OwnerID,
		ChildID:   mirror.ChildID,
		Status:    string(mirror.Child.Status),
		Document:  document,
		UpdatedAt: time.Now(),
	}

	query, args, err := psql().
		Insert(mirrorTableName).
		SetMap(utils.StructToMap(row)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate insert mirror query: %w", err)
	}

	_, err = db.Exec(ctx, query, args...)
	return classifyPgError(err, "failed to create mirror")
}

func (r *MirrorRepository) UpdateStatus(ctx context.Context, db execer, ref types.MirrorRef, status types.Status) error {
	query, args, err := psql().
		Update(mirrorTableName).
		Set("status", string(status)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"id": ref.ID, "child_type": string(ref.Type)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate update mirror status query: %w", err)
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err, "failed to update mirror status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}

	return nil
}

func (r *MirrorRepository) DeleteMirror(ctx context.Context, ref types.MirrorRef) error {
	query, args, err := psql().
		Delete(mirrorTableName).
		Where(sq.Eq{"id": ref.ID, "child_type": string(ref.Type)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate delete mirror query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err, "failed to delete mirror")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}

	return nil
}
