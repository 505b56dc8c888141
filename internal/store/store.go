package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"taxdesk/internal/utils"
	"taxdesk/pkg/types"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgconn"
)

// RecordStore is the boundary to the document database. Implementations
// classify backend failures into types.ErrStoreUnavailable,
// types.ErrNotFound and types.ErrPermissionDenied and never retry.
type RecordStore interface {
	ListAllOwners(ctx context.Context) ([]*types.Owner, error)
	Owner(ctx context.Context, ownerID string) (*types.Owner, error)
	UpsertOwner(ctx context.Context, owner *types.Owner) error

	CreateChild(ctx context.Context, ownerID string, child *types.ChildRecord) (string, error)
	Child(ctx context.Context, ownerID string, childType types.ChildType, childID string) (*types.ChildRecord, error)
	ListChildren(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error)
	UpdateChildStatus(ctx context.Context, ownerID string, childType types.ChildType, childID string, status types.Status) error
	DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string) error

	CreateMirror(ctx context.Context, mirror *types.MirrorRecord) (string, error)
	ListMirrors(ctx context.Context, childType types.ChildType) ([]*types.MirrorRecord, error)
	UpdateMirrorStatus(ctx context.Context, ref types.MirrorRef, status types.Status) error
	DeleteMirror(ctx context.Context, ref types.MirrorRef) error

	// SiteTaxForms returns the site-wide forms. Nothing stored yet is an
	// empty set, not an error.
	SiteTaxForms(ctx context.Context) (*types.TaxForms, error)
	SetSiteTaxForm(ctx context.Context, kind types.TaxFormKind, url string) error
}

// StatusUpdate is one write inside an atomic batch. A nil Mirror targets the
// owner-partitioned child record.
type StatusUpdate struct {
	OwnerID   string
	ChildType types.ChildType
	ChildID   string
	Mirror    *types.MirrorRef
	Status    types.Status
}

// BatchUpdater is implemented by backends that can apply several status
// writes as one atomic unit. Either every update applies or none does.
type BatchUpdater interface {
	UpdateStatusBatch(ctx context.Context, updates []StatusUpdate) error
}

// BlobStore holds uploaded files.
type BlobStore interface {
	UploadBlob(ctx context.Context, path string, body io.Reader, size int64, contentType string) (string, error)
	DeleteBlob(ctx context.Context, path string) error
}

func psql() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// classifyPgError maps driver failures onto the store error taxonomy.
func classifyPgError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if pgxscan.NotFound(err) {
		return fmt.Errorf("%s: %w", msg, types.ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501": // insufficient_privilege
			return fmt.Errorf("%s: %w: %s", msg, types.ErrPermissionDenied, pgErr.Message)
		case "57P01", "57P02", "57P03", "53300": // shutdown, crash, cannot connect now, too many connections
			return fmt.Errorf("%s: %w: %s", msg, types.ErrStoreUnavailable, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w: %v", msg, types.ErrStoreUnavailable, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%s: %w: %v", msg, types.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

// PrepareChild returns a copy of child owned by ownerID with an id and
// timestamps filled in.
func PrepareChild(ownerID string, child *types.ChildRecord) *types.ChildRecord {
	record := child.Clone()
	record.OwnerID = ownerID
	if record.ID == "" {
		record.ID = utils.NanoID()
	}

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	// owner fields are denormalized at read time, never persisted
	record.OwnerName = ""
	record.OwnerEmail = ""
	return record
}

// PrepareMirror validates a mirror and fills in its id and back references.
func PrepareMirror(mirror *types.MirrorRecord) (*types.MirrorRecord, error) {
	if mirror == nil || mirror.Child == nil {
		return nil, fmt.Errorf("%w: mirror without a record", types.ErrInvalidRecord)
	}
	if !mirror.Child.Type.Mirrored() {
		return nil, fmt.Errorf("%w: %s has no mirror table", types.ErrInvalidChildType, mirror.Child.Type)
	}
	if err := mirror.Child.Validate(); err != nil {
		return nil, err
	}

	record := &types.MirrorRecord{
		ID:      mirror.ID,
		OwnerID: mirror.OwnerID,
		ChildID: mirror.ChildID,
		Child:   mirror.Child.Clone(),
	}
	if record.ID == "" {
		record.ID = utils.NanoID()
	}
	if record.OwnerID == "" {
		record.OwnerID = record.Child.OwnerID
	}
	if record.ChildID == "" {
		record.ChildID = record.Child.ID
	}
	record.Child.MirrorID = record.ID
	return record, nil
}
