// Package surreal implements the record store on SurrealDB. Owners live in a
// customers table, each child type in an owner-partitioned table keyed by
// [owner_id, child_id], and mirrored types keep a top-level copy table.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

type Store struct {
	db     *surrealdb.DB
	logger *logrus.Logger
}

var (
	_ store.RecordStore  = (*Store)(nil)
	_ store.BatchUpdater = (*Store)(nil)
)

func Connect(ctx context.Context, config *types.Config, logger *logrus.Logger) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, config.SurrealURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}

	if config.SurrealUser != "" && config.SurrealPass != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": config.SurrealUser,
			"pass": config.SurrealPass,
		}); err != nil {
			_ = db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, config.SurrealNamespace, config.SurrealDatabase); err != nil {
		_ = db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"url":       config.SurrealURL,
		"namespace": config.SurrealNamespace,
		"database":  config.SurrealDatabase,
	}).Info("connected to surrealdb")

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

// query runs a single statement and returns its rows.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) ([]T, error) {
	res, err := surrealdb.Query[[]T](ctx, db, sql, vars)
	if err != nil {
		return nil, err
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}

	result := (*res)[0]
	if result.Status != "" && result.Status != "OK" {
		return nil, fmt.Errorf("query failed with status %s", result.Status)
	}
	return result.Result, nil
}

func (s *Store) ListAllOwners(ctx context.Context) ([]*types.Owner, error) {
	docs, err := query[ownerDoc](ctx, s.db, "SELECT * FROM type::table($tb) ORDER BY signup_date ASC, owner_id ASC", map[string]any{
		"tb": ownerTable,
	})
	if err != nil {
		return nil, classifyError(err, "failed to list owners")
	}

	owners := make([]*types.Owner, 0, len(docs))
	for i := range docs {
		owners = append(owners, docs[i].owner())
	}
	return owners, nil
}

func (s *Store) Owner(ctx context.Context, ownerID string) (*types.Owner, error) {
	docs, err := query[ownerDoc](ctx, s.db, "SELECT * FROM $rid", map[string]any{
		"rid": models.NewRecordID(ownerTable, ownerID),
	})
	if err != nil {
		return nil, classifyError(err, "failed to fetch owner")
	}
	if len(docs) == 0 {
		return nil, types.ErrOwnerNotFound
	}
	return docs[0].owner(), nil
}

func (s *Store) UpsertOwner(ctx context.Context, owner *types.Owner) error {
	now := time.Now().UTC()
	if owner.SignupDate.IsZero() {
		owner.SignupDate = now
	}
	owner.UpdatedAt = now

	_, err := query[ownerDoc](ctx, s.db, "UPSERT $rid CONTENT $doc", map[string]any{
		"rid": models.NewRecordID(ownerTable, owner.ID),
		"doc": toOwnerDoc(owner),
	})
	return classifyError(err, "failed to upsert owner")
}

func (s *Store) SiteTaxForms(ctx context.Context) (*types.TaxForms, error) {
	docs, err := query[taxFormsDoc](ctx, s.db, "SELECT * FROM $rid", map[string]any{
		"rid": models.NewRecordID(siteTable, taxFormsRecID),
	})
	if err != nil {
		return nil, classifyError(err, "failed to fetch site tax forms")
	}
	if len(docs) == 0 {
		return new(types.TaxForms), nil
	}
	return docs[0].forms(), nil
}

func (s *Store) SetSiteTaxForm(ctx context.Context, kind types.TaxFormKind, url string) error {
	patch, err := taxFormPatch(kind, url, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = query[taxFormsDoc](ctx, s.db, "UPSERT $rid MERGE $doc", map[string]any{
		"rid": models.NewRecordID(siteTable, taxFormsRecID),
		"doc": patch,
	})
	return classifyError(err, "failed to store site tax form")
}

func (s *Store) CreateChild(ctx context.Context, ownerID string, child *types.ChildRecord) (string, error) {
	if _, err := s.Owner(ctx, ownerID); err != nil {
		return "", err
	}

	record := store.PrepareChild(ownerID, child)
	if err := record.Validate(); err != nil {
		return "", err
	}

	table, err := childTable(record.Type)
	if err != nil {
		return "", err
	}

	doc, err := toChildDoc(record)
	if err != nil {
		return "", err
	}

	_, err = query[childDoc](ctx, s.db, "CREATE $rid CONTENT $doc", map[string]any{
		"rid": childRecordID(table, ownerID, record.ID),
		"doc": doc,
	})
	if err != nil {
		return "", classifyError(err, "failed to create child")
	}

	return record.ID, nil
}

func (s *Store) Child(ctx context.Context, ownerID string, childType types.ChildType, childID string) (*types.ChildRecord, error) {
	table, err := childTable(childType)
	if err != nil {
		return nil, err
	}

	docs, err := query[childDoc](ctx, s.db, "SELECT * FROM $rid", map[string]any{
		"rid": childRecordID(table, ownerID, childID),
	})
	if err != nil {
		return nil, classifyError(err, "failed to fetch child")
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	return docs[0].record(childType)
}

func (s *Store) ListChildren(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error) {
	table, err := childTable(childType)
	if err != nil {
		return nil, err
	}

	docs, err := query[childDoc](ctx, s.db,
		"SELECT * FROM type::table($tb) WHERE owner_id = $owner ORDER BY created_at ASC, child_id ASC",
		map[string]any{"tb": table, "owner": ownerID})
	if err != nil {
		return nil, classifyError(err, fmt.Sprintf("failed to list %s for owner %s", childType, ownerID))
	}

	children := make([]*types.ChildRecord, 0, len(docs))
	for i := range docs {
		child, err := docs[i].record(childType)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (s *Store) UpdateChildStatus(ctx context.Context, ownerID string, childType types.ChildType, childID string, status types.Status) error {
	table, err := childTable(childType)
	if err != nil {
		return err
	}

	docs, err := query[childDoc](ctx, s.db, childStatusSQL("$tb", "$owner", "$child", "$status", "$now"), map[string]any{
		"tb":     table,
		"owner":  ownerID,
		"child":  childID,
		"status": string(status),
		"now":    time.Now().UnixMilli(),
	})
	if err != nil {
		return classifyError(err, "failed to update child status")
	}
	if len(docs) == 0 {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string) error {
	table, err := childTable(childType)
	if err != nil {
		return err
	}

	docs, err := query[childDoc](ctx, s.db, "DELETE $rid RETURN BEFORE", map[string]any{
		"rid": childRecordID(table, ownerID, childID),
	})
	if err != nil {
		return classifyError(err, "failed to delete child")
	}
	if len(docs) == 0 {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	return nil
}

// CreateMirror writes the copy and links it from the authoritative record in
// one transaction.
func (s *Store) CreateMirror(ctx context.Context, mirror *types.MirrorRecord) (string, error) {
	record, err := store.PrepareMirror(mirror)
	if err != nil {
		return "", err
	}

	mTable, err := mirrorTable(record.Child.Type)
	if err != nil {
		return "", err
	}
	cTable, err := childTable(record.Child.Type)
	if err != nil {
		return "", err
	}

	fields, err := fieldsMap(record.Child)
	if err != nil {
		return "", err
	}

	now := time.Now().UnixMilli()
	sql := strings.Join([]string{
		"BEGIN TRANSACTION",
		"CREATE $mrid CONTENT $doc",
		"UPDATE $crid SET mirror_id = $mid",
		"COMMIT TRANSACTION",
	}, ";\n") + ";"

	res, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"mrid": models.NewRecordID(mTable, record.ID),
		"crid": childRecordID(cTable, record.OwnerID, record.ChildID),
		"mid":  record.ID,
		"doc": map[string]any{
			"mirror_id":  record.ID,
			"owner_id":   record.OwnerID,
			"child_id":   record.ChildID,
			"status":     string(record.Child.Status),
			"fields":     fields,
			"created_at": millis(record.Child.CreatedAt),
			"updated_at": now,
		},
	})
	if err != nil {
		return "", classifyError(err, "failed to create mirror")
	}
	if err := statementError(res); err != nil {
		return "", classifyError(err, "failed to create mirror")
	}

	return record.ID, nil
}

func (s *Store) ListMirrors(ctx context.Context, childType types.ChildType) ([]*types.MirrorRecord, error) {
	table, err := mirrorTable(childType)
	if err != nil {
		return nil, err
	}

	docs, err := query[mirrorDoc](ctx, s.db, "SELECT * FROM type::table($tb) ORDER BY updated_at DESC", map[string]any{
		"tb": table,
	})
	if err != nil {
		return nil, classifyError(err, fmt.Sprintf("failed to list %s mirrors", childType))
	}

	mirrors := make([]*types.MirrorRecord, 0, len(docs))
	for i := range docs {
		m, err := docs[i].mirror(childType)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

func (s *Store) UpdateMirrorStatus(ctx context.Context, ref types.MirrorRef, status types.Status) error {
	table, err := mirrorTable(ref.Type)
	if err != nil {
		return err
	}

	docs, err := query[mirrorDoc](ctx, s.db, mirrorStatusSQL("$tb", "$mid", "$status", "$now"), map[string]any{
		"tb":     table,
		"mid":    ref.ID,
		"status": string(status),
		"now":    time.Now().UnixMilli(),
	})
	if err != nil {
		return classifyError(err, "failed to update mirror status")
	}
	if len(docs) == 0 {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteMirror(ctx context.Context, ref types.MirrorRef) error {
	table, err := mirrorTable(ref.Type)
	if err != nil {
		return err
	}

	docs, err := query[mirrorDoc](ctx, s.db, "DELETE $rid RETURN BEFORE", map[string]any{
		"rid": models.NewRecordID(table, ref.ID),
	})
	if err != nil {
		return classifyError(err, "failed to delete mirror")
	}
	if len(docs) == 0 {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}
	return nil
}

// UpdateStatusBatch applies every update inside one transaction. A missing
// target throws, which cancels the whole transaction.
func (s *Store) UpdateStatusBatch(ctx context.Context, updates []store.StatusUpdate) error {
	sql, vars, err := buildBatch(updates, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	res, err := surrealdb.Query[any](ctx, s.db, sql, vars)
	if err != nil {
		return classifyError(err, "failed to apply status batch")
	}
	return classifyError(statementError(res), "failed to apply status batch")
}

func childStatusSQL(tb, owner, child, status, now string) string {
	return fmt.Sprintf("UPDATE type::table(%s) SET status = %s, updated_at = %s WHERE owner_id = %s AND child_id = %s",
		tb, status, now, owner, child)
}

func mirrorStatusSQL(tb, mid, status, now string) string {
	return fmt.Sprintf("UPDATE type::table(%s) SET status = %s, updated_at = %s WHERE mirror_id = %s",
		tb, status, now, mid)
}

const notFoundThrow = "record not found"

func buildBatch(updates []store.StatusUpdate, now int64) (string, map[string]any, error) {
	vars := map[string]any{"now": now}
	stmts := []string{"BEGIN TRANSACTION"}

	for i, u := range updates {
		status := fmt.Sprintf("s%d", i)
		result := fmt.Sprintf("$r%d", i)
		tb := fmt.Sprintf("tb%d", i)
		tg := fmt.Sprintf("tg%d", i)
		vars[status] = string(u.Status)

		var update, target string
		if u.Mirror == nil {
			table, err := childTable(u.ChildType)
			if err != nil {
				return "", nil, err
			}
			owner, child := fmt.Sprintf("o%d", i), fmt.Sprintf("c%d", i)
			vars[tb], vars[owner], vars[child] = table, u.OwnerID, u.ChildID
			update = childStatusSQL("$"+tb, "$"+owner, "$"+child, "$"+status, "$now")
			target = types.ChildPath(u.OwnerID, u.ChildType, u.ChildID)
		} else {
			table, err := mirrorTable(u.Mirror.Type)
			if err != nil {
				return "", nil, err
			}
			mid := fmt.Sprintf("m%d", i)
			vars[tb], vars[mid] = table, u.Mirror.ID
			update = mirrorStatusSQL("$"+tb, "$"+mid, "$"+status, "$now")
			target = fmt.Sprintf("mirror %s/%s", u.Mirror.Type, u.Mirror.ID)
		}

		vars[tg] = target

		stmts = append(stmts,
			fmt.Sprintf("LET %s = (%s)", result, update),
			fmt.Sprintf("IF array::len(%s) = 0 { THROW string::concat(%q, $%s) }", result, notFoundThrow+": ", tg),
		)
	}

	stmts = append(stmts, "COMMIT TRANSACTION")
	return strings.Join(stmts, ";\n") + ";", vars, nil
}

// statementError reports the first failed statement of a multi-statement
// query.
func statementError(res *[]surrealdb.QueryResult[any]) error {
	if res == nil {
		return nil
	}
	for _, r := range *res {
		if r.Status == "" || r.Status == "OK" {
			continue
		}
		if msg, ok := r.Result.(string); ok {
			return errors.New(msg)
		}
		return fmt.Errorf("statement failed with status %s", r.Status)
	}
	return nil
}

// classifyError maps SurrealDB and transport failures onto the store error
// taxonomy.
func classifyError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrStoreUnavailable) || errors.Is(err, types.ErrPermissionDenied) {
		return fmt.Errorf("%s: %w", msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", msg, types.ErrStoreUnavailable, err)
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, notFoundThrow):
		return fmt.Errorf("%s: %w: %v", msg, types.ErrNotFound, err)
	case strings.Contains(text, "not allowed"),
		strings.Contains(text, "permission"),
		strings.Contains(text, "iam error"),
		strings.Contains(text, "not enough permissions"):
		return fmt.Errorf("%s: %w: %v", msg, types.ErrPermissionDenied, err)
	case strings.Contains(text, "connection"),
		strings.Contains(text, "closed"),
		strings.Contains(text, "timeout"),
		strings.Contains(text, "timed out"),
		strings.Contains(text, "broken pipe"):
		return fmt.Errorf("%s: %w: %v", msg, types.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
