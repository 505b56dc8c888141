package store

import (
	"context"
	"fmt"
	"time"

	"taxdesk/internal/utils"
	"taxdesk/pkg/types"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

const siteFormTableName = "taxdesk.site_tax_forms"

// siteFormRow is one of the site-wide forms, keyed by kind.
type siteFormRow struct {
	Kind      string    `db:"kind"`
	URL       string    `db:"url"`
	UpdatedAt time.Time `db:"updated_at"`
}

var siteFormColumns = utils.StructTagValues(siteFormRow{})

type SiteFormRepository struct {
	pool *pgxpool.Pool
}

func NewSiteFormRepository(pool *pgxpool.Pool) *SiteFormRepository {
	return &SiteFormRepository{pool: pool}
}

func (r *SiteFormRepository) Forms(ctx context.Context) (*types.TaxForms, error) {
	query, args, err := psql().
		Select(siteFormColumns...).
		From(siteFormTableName).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to generate site forms query: %w", err)
	}

	var rows []*siteFormRow
	err = pgxscan.Select(ctx, r.pool, &rows, query, args...)
	if err != nil {
		return nil, classifyPgError(err, "failed to fetch site tax forms")
	}

	return foldSiteForms(rows), nil
}

func foldSiteForms(rows []*siteFormRow) *types.TaxForms {
	forms := new(types.TaxForms)
	for _, row := range rows {
		forms.Set(types.TaxFormKind(row.Kind), row.URL)
		if row.UpdatedAt.After(forms.UpdatedAt) {
			forms.UpdatedAt = row.UpdatedAt
		}
	}
	return forms
}

func (r *SiteFormRepository) Set(ctx context.Context, kind types.TaxFormKind, url string) error {
	query, args, err := psql().
		Insert(siteFormTableName).
		SetMap(utils.StructToMap(siteFormRow{Kind: string(kind), URL: url, UpdatedAt: time.Now()})).
		Suffix("ON CONFLICT (kind) DO UPDATE SET url = EXCLUDED.url, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to generate upsert site form query: %w", err)
	}

	_, err = r.pool.Exec(ctx, query, args...)
	return classifyPgError(err, "failed to store site tax form")
}
