package store

import (
	"context"
	"fmt"
	"time"

	"taxdesk/internal/utils"
	"taxdesk/pkg/types"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ownerTableName = "taxdesk.owners"

var ownerColumns = utils.StructTagValues(types.Owner{})

type OwnerRepository struct {
	pool *pgxpool.Pool
}

func NewOwnerRepository(pool *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{pool: pool}
}

func (r *OwnerRepository) Owner(ctx context.Context, ownerID string) (*types.Owner, error) {
	query, args, err := psql().
		Select(ownerColumns...).
		From(ownerTableName).
		Where(sq.Eq{"id": ownerID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate owner query: %w", err)
	}

	var owner = new(types.Owner)
	err = pgxscan.Get(ctx, r.pool, owner, query, args...)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, types.ErrOwnerNotFound
		}
		return nil, classifyPgError(err, "failed to fetch owner")
	}

	return owner, nil
}

// Owners returns every owner in signup order.
func (r *OwnerRepository) Owners(ctx context.Context) ([]*types.Owner, error) {
	query, args, err := psql().
		Select(ownerColumns...).
		From(ownerTableName).
		OrderBy("signup_date ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate owners query: %w", err)
	}

	var owners = make([]*types.Owner, 0)
	err = pgxscan.Select(ctx, r.pool, &owners, query, args...)
	if err != nil {
		return nil, classifyPgError(err, "failed to fetch owners")
	}

	return owners, nil
}

func (r *OwnerRepository) Upsert(ctx context.Context, owner *types.Owner) error {
	now := time.Now()
	if owner.SignupDate.IsZero() {
		owner.SignupDate = now
	}
	owner.UpdatedAt = now

	ownerMap := utils.StructToMap(owner)

	updateMap := make(map[string]any, len(ownerMap))
	for k, v := range ownerMap {
		if k != "id" && k != "signup_date" {
			updateMap[k] = v
		}
	}

	query, args, err := psql().
		Insert(ownerTableName).
		SetMap(ownerMap).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + buildUpdateClause(updateMap)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate upsert owner query: %w", err)
	}

	_, err = r.pool.Exec(ctx, query, args...)
	return classifyPgError(err, "failed to upsert owner")
}

func buildUpdateClause(fields map[string]any) string {
	var clause string
	first := true
	for field := range fields {
		if !first {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = EXCLUDED.%s", field, field)
		first = false
	}
	return clause
}
