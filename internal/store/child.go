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

const childTableName = "taxdesk.child_records"

// childRow is the owner-partitioned storage shape. The variant fields are
// kept as a jsonb document keyed by the record's type.
type childRow struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	ChildType string    `db:"child_type"`
	Status    string    `db:"status"`
	MirrorID  *string   `db:"mirror_id"`
	Fields    []byte    `db:"fields"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

var childColumns = utils.StructTagValues(childRow{})

func toChildRow(child *types.ChildRecord) (*childRow, error) {
	var variant any
	switch child.Type {
	case types.ChildTypeAppointment:
		variant = child.Appointment
	case types.ChildTypeReferral:
		variant = child.Referral
	case types.ChildTypeTaxDocument:
		variant = child.Document
	}

	fields, err := json.Marshal(variant)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s fields: %w", child.Type, err)
	}

	row := &childRow{
		ID:        child.ID,
		OwnerID:   child.OwnerID,
		ChildType: string(child.Type),
		Status:    string(child.Status),
		Fields:    fields,
		CreatedAt: child.CreatedAt,
		UpdatedAt: child.UpdatedAt,
		MirrorID:  utils.NilIfZero(child.MirrorID),
	}
	return row, nil
}

func (r *childRow) record() (*types.ChildRecord, error) {
	child := &types.ChildRecord{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Type:      types.ChildType(r.ChildType),
		Status:    types.Status(r.Status),
		MirrorID:  utils.Deref(r.MirrorID),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	var target any
	switch child.Type {
	case types.ChildTypeAppointment:
		child.Appointment = new(types.AppointmentFields)
		target = child.Appointment
	case types.ChildTypeReferral:
		child.Referral = new(types.ReferralFields)
		target = child.Referral
	case types.ChildTypeTaxDocument:
		child.Document = new(types.TaxDocumentFields)
		target = child.Document
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidChildType, r.ChildType)
	}

	if err := json.Unmarshal(r.Fields, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s fields for %s: %w", r.ChildType, r.ID, err)
	}

	return child, child.Validate()
}

type ChildRepository struct {
	pool *pgxpool.Pool
}

func NewChildRepository(pool *pgxpool.Pool) *ChildRepository {
	return &ChildRepository{pool: pool}
}

func (r *ChildRepository) Child(ctx context.Context, ownerID string, childType types.ChildType, childID string) (*types.ChildRecord, error) {
	query, args, err := psql().
		Select(childColumns...).
		From(childTableName).
		Where(sq.Eq{"owner_id": ownerID, "child_type": string(childType), "id": childID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate child query: %w", err)
	}

	var row childRow
	err = pgxscan.Get(ctx, r.pool, &row, query, args...)
	if err != nil {
		return nil, classifyPgError(err, fmt.Sprintf("failed to fetch %s", types.ChildPath(ownerID, childType, childID)))
	}

	return row.record()
}

// ChildrenByOwner lists one owner's partition in creation order.
func (r *ChildRepository) ChildrenByOwner(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error) {
	query, args, err := psql().
		Select(childColumns...).
		From(childTableName).
		Where(sq.Eq{"owner_id": ownerID, "child_type": string(childType)}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate children query: %w", err)
	}

	var rows []*childRow
	err = pgxscan.Select(ctx, r.pool, &rows, query, args...)
	if err != nil {
		return nil, classifyPgError(err, fmt.Sprintf("failed to list %s for owner %s", childType, ownerID))
	}

	children := make([]*types.ChildRecord, 0, len(rows))
	for _, row := range rows {
		child, err := row.record()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	return children, nil
}

func (r *ChildRepository) CreateChild(ctx context.Context, db execer, child *types.ChildRecord) error {
	row, err := toChildRow(child)
	if err != nil {
		return err
	}

	query, args, err := psql().
		Insert(childTableName).
		SetMap(utils.StructToMap(row)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate insert child query: %w", err)
	}

	_, err = db.Exec(ctx, query, args...)
	return classifyPgError(err, "failed to create child")
}

func (r *ChildRepository) UpdateStatus(ctx context.Context, db execer, ownerID string, childType types.ChildType, childID string, status types.Status) error {
	query, args, err := psql().
		Update(childTableName).
		Set("status", string(status)).
		Set("updated_at", time.Now()).
		Where(sq.Eq{"owner_id": ownerID, "child_type": string(childType), "id": childID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate update child status query: %w", err)
	}

	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err, "failed to update child status")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}

	return nil
}

func (r *ChildRepository) SetMirrorID(ctx context.Context, db execer, ownerID string, childType types.ChildType, childID, mirrorID string) error {
	query, args, err := psql().
		Update(childTableName).
		Set("mirror_id", mirrorID).
		Where(sq.Eq{"owner_id": ownerID, "child_type": string(childType), "id": childID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate set mirror id query: %w", err)
	}

	_, err = db.Exec(ctx, query, args...)
	return classifyPgError(err, "failed to link mirror")
}

func (r *ChildRepository) DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string) error {
	query, args, err := psql().
		Delete(childTableName).
		Where(sq.Eq{"owner_id": ownerID, "child_type": string(childType), "id": childID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate delete child query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return classifyPgError(err, "failed to delete child")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}

	return nil
}
