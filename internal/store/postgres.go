package store

import (
	"context"

	"taxdesk/pkg/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// execer is satisfied by both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS taxdesk;

CREATE TABLE IF NOT EXISTS taxdesk.owners (
	id            TEXT PRIMARY KEY,
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL DEFAULT '',
	address_line1 TEXT NOT NULL DEFAULT '',
	address_line2 TEXT NOT NULL DEFAULT '',
	address_city  TEXT NOT NULL DEFAULT '',
	address_state TEXT NOT NULL DEFAULT '',
	address_zip   TEXT NOT NULL DEFAULT '',
	signup_date   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE taxdesk.owners ADD COLUMN IF NOT EXISTS current_year_form_url TEXT NOT NULL DEFAULT '';
ALTER TABLE taxdesk.owners ADD COLUMN IF NOT EXISTS prior_year_form_url TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS taxdesk.child_records (
	owner_id   TEXT NOT NULL REFERENCES taxdesk.owners (id) ON DELETE CASCADE,
	child_type TEXT NOT NULL,
	id         TEXT NOT NULL,
	status     TEXT NOT NULL,
	mirror_id  TEXT,
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, child_type, id)
);

CREATE TABLE IF NOT EXISTS taxdesk.mirror_records (
	child_type TEXT NOT NULL,
	id         TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	child_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (child_type, id)
);

CREATE TABLE IF NOT EXISTS taxdesk.site_tax_forms (
	kind       TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore keeps owners, their partitioned children and the mirror
// tables in one Postgres database. It supports atomic status batches.
type PostgresStore struct {
	pool     *pgxpool.Pool
	owners   *OwnerRepository
	children *ChildRepository
	mirrors  *MirrorRepository
	forms    *SiteFormRepository
}

var (
	_ RecordStore  = (*PostgresStore)(nil)
	_ BatchUpdater = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:     pool,
		owners:   NewOwnerRepository(pool),
		children: NewChildRepository(pool),
		mirrors:  NewMirrorRepository(pool),
		forms:    NewSiteFormRepository(pool),
	}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return classifyPgError(err, "failed to apply schema")
}

func (s *PostgresStore) ListAllOwners(ctx context.Context) ([]*types.Owner, error) {
	return s.owners.Owners(ctx)
}

func (s *PostgresStore) Owner(ctx context.Context, ownerID string) (*types.Owner, error) {
	return s.owners.Owner(ctx, ownerID)
}

func (s *PostgresStore) UpsertOwner(ctx context.Context, owner *types.Owner) error {
	return s.owners.Upsert(ctx, owner)
}

func (s *PostgresStore) CreateChild(ctx context.Context, ownerID string, child *types.ChildRecord) (string, error) {
	if _, err := s.owners.Owner(ctx, ownerID); err != nil {
		return "", err
	}

	record := PrepareChild(ownerID, child)
	if err := record.Validate(); err != nil {
		return "", err
	}

	if err := s.children.CreateChild(ctx, s.pool, record); err != nil {
		return "", err
	}

	return record.ID, nil
}

func (s *PostgresStore) Child(ctx context.Context, ownerID string, childType types.ChildType, childID string) (*types.ChildRecord, error) {
	return s.children.Child(ctx, ownerID, childType, childID)
}

func (s *PostgresStore) ListChildren(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error) {
	return s.children.ChildrenByOwner(ctx, ownerID, childType)
}

func (s *PostgresStore) UpdateChildStatus(ctx context.Context, ownerID string, childType types.ChildType, childID string, status types.Status) error {
	return s.children.UpdateStatus(ctx, s.pool, ownerID, childType, childID, status)
}

func (s *PostgresStore) DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string) error {
	return s.children.DeleteChild(ctx, ownerID, childType, childID)
}

// CreateMirror stores the copy and links it back to its authoritative
// record in the same transaction.
func (s *PostgresStore) CreateMirror(ctx context.Context, mirror *types.MirrorRecord) (string, error) {
	record, err := PrepareMirror(mirror)
	if err != nil {
		return "", err
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.mirrors.CreateMirror(ctx, tx, record); err != nil {
			return err
		}
		return s.children.SetMirrorID(ctx, tx, record.OwnerID, record.Child.Type, record.ChildID, record.ID)
	})
	if err != nil {
		return "", err
	}

	return record.ID, nil
}

func (s *PostgresStore) ListMirrors(ctx context.Context, childType types.ChildType) ([]*types.MirrorRecord, error) {
	return s.mirrors.MirrorsByType(ctx, childType)
}

func (s *PostgresStore) UpdateMirrorStatus(ctx context.Context, ref types.MirrorRef, status types.Status) error {
	return s.mirrors.UpdateStatus(ctx, s.pool, ref, status)
}

func (s *PostgresStore) DeleteMirror(ctx context.Context, ref types.MirrorRef) error {
	return s.mirrors.DeleteMirror(ctx, ref)
}

func (s *PostgresStore) SiteTaxForms(ctx context.Context) (*types.TaxForms, error) {
	return s.forms.Forms(ctx)
}

func (s *PostgresStore) SetSiteTaxForm(ctx context.Context, kind types.TaxFormKind, url string) error {
	return s.forms.Set(ctx, kind, url)
}

func (s *PostgresStore) UpdateStatusBatch(ctx context.Context, updates []StatusUpdate) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, u := range updates {
			var err error
			if u.Mirror == nil {
				err = s.children.UpdateStatus(ctx, tx, u.OwnerID, u.ChildType, u.ChildID, u.Status)
			} else {
				err = s.mirrors.UpdateStatus(ctx, tx, *u.Mirror, u.Status)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	return classifyPgError(tx.Commit(ctx), "failed to commit transaction")
}
