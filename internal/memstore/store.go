// Package memstore is an in-process record store. It backs the "memory"
// backend and the package tests, and can be told to fail individual
// operations.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"
)

type Op string

const (
	OpListOwners   Op = "list_owners"
	OpOwner        Op = "owner"
	OpUpsertOwner  Op = "upsert_owner"
	OpCreateChild  Op = "create_child"
	OpChild        Op = "child"
	OpListChildren Op = "list_children"
	OpUpdateChild  Op = "update_child"
	OpDeleteChild  Op = "delete_child"
	OpCreateMirror Op = "create_mirror"
	OpListMirrors  Op = "list_mirrors"
	OpUpdateMirror Op = "update_mirror"
	OpDeleteMirror Op = "delete_mirror"
	OpBatch        Op = "batch"
	OpSiteForms    Op = "site_forms"
	OpSetSiteForm  Op = "set_site_form"
)

type childKey struct {
	ownerID string
	t       types.ChildType
	childID string
}

type mirrorKey struct {
	t  types.ChildType
	id string
}

type fault struct {
	op  Op
	key string
	err error
}

// Store keeps everything in maps guarded by one lock. Owner-scoped
// operations are keyed by owner id for fault matching, mirror operations
// by mirror id.
type Store struct {
	mu       sync.RWMutex
	owners   map[string]*types.Owner
	children map[childKey]*types.ChildRecord
	mirrors  map[mirrorKey]*types.MirrorRecord
	forms    types.TaxForms
	faults   []fault
	calls    map[Op]int
}

var _ store.RecordStore = (*Store)(nil)

func New() *Store {
	return &Store{
		owners:   make(map[string]*types.Owner),
		children: make(map[childKey]*types.ChildRecord),
		mirrors:  make(map[mirrorKey]*types.MirrorRecord),
		calls:    make(map[Op]int),
	}
}

// FailOn makes op return err. An empty key matches every call.
func (s *Store) FailOn(op Op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{op: op, key: key, err: err})
}

func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// enter records the call and returns the injected fault, if any. Callers
// hold the lock.
func (s *Store) enter(op Op, key string) error {
	s.calls[op]++
	for _, f := range s.faults {
		if f.op == op && (f.key == "" || f.key == key) {
			return fmt.Errorf("memstore %s %s: %w", op, key, f.err)
		}
	}
	return nil
}

func (s *Store) ListAllOwners(ctx context.Context) ([]*types.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpListOwners, ""); err != nil {
		return nil, err
	}

	owners := make([]*types.Owner, 0, len(s.owners))
	for _, o := range s.owners {
		cp := *o
		owners = append(owners, &cp)
	}
	sort.Slice(owners, func(i, j int) bool {
		if owners[i].SignupDate.Equal(owners[j].SignupDate) {
			return owners[i].ID < owners[j].ID
		}
		return owners[i].SignupDate.Before(owners[j].SignupDate)
	})
	return owners, nil
}

func (s *Store) Owner(ctx context.Context, ownerID string) (*types.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpOwner, ownerID); err != nil {
		return nil, err
	}

	o, ok := s.owners[ownerID]
	if !ok {
		return nil, types.ErrOwnerNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) UpsertOwner(ctx context.Context, owner *types.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpUpsertOwner, owner.ID); err != nil {
		return err
	}

	cp := *owner
	if existing, ok := s.owners[owner.ID]; ok && cp.SignupDate.IsZero() {
		cp.SignupDate = existing.SignupDate
	}
	s.owners[owner.ID] = &cp
	return nil
}

func (s *Store) SiteTaxForms(ctx context.Context) (*types.TaxForms, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpSiteForms, ""); err != nil {
		return nil, err
	}
	cp := s.forms
	return &cp, nil
}

func (s *Store) SetSiteTaxForm(ctx context.Context, kind types.TaxFormKind, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpSetSiteForm, string(kind)); err != nil {
		return err
	}
	s.forms.Set(kind, url)
	s.forms.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateChild(ctx context.Context, ownerID string, child *types.ChildRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpCreateChild, ownerID); err != nil {
		return "", err
	}
	if _, ok := s.owners[ownerID]; !ok {
		return "", types.ErrOwnerNotFound
	}

	record := store.PrepareChild(ownerID, child)
	if err := record.Validate(); err != nil {
		return "", err
	}

	key := childKey{ownerID, record.Type, record.ID}
	if _, exists := s.children[key]; exists {
		return "", fmt.Errorf("%s: %w: already exists", record.Path(), types.ErrInvalidRecord)
	}
	s.children[key] = record
	return record.ID, nil
}

func (s *Store) Child(ctx context.Context, ownerID string, childType types.ChildType, childID string) (*types.ChildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpChild, ownerID); err != nil {
		return nil, err
	}

	c, ok := s.children[childKey{ownerID, childType, childID}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) ListChildren(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpListChildren, ownerID); err != nil {
		return nil, err
	}

	out := make([]*types.ChildRecord, 0)
	for k, c := range s.children {
		if k.ownerID == ownerID && k.t == childType {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateChildStatus(ctx context.Context, ownerID string, childType types.ChildType, childID string, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpUpdateChild, ownerID); err != nil {
		return err
	}
	return s.setChildStatus(ownerID, childType, childID, status)
}

func (s *Store) setChildStatus(ownerID string, childType types.ChildType, childID string, status types.Status) error {
	c, ok := s.children[childKey{ownerID, childType, childID}]
	if !ok {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpDeleteChild, ownerID); err != nil {
		return err
	}

	key := childKey{ownerID, childType, childID}
	if _, ok := s.children[key]; !ok {
		return fmt.Errorf("%s: %w", types.ChildPath(ownerID, childType, childID), types.ErrNotFound)
	}
	delete(s.children, key)
	return nil
}

func (s *Store) CreateMirror(ctx context.Context, mirror *types.MirrorRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := store.PrepareMirror(mirror)
	if err != nil {
		return "", err
	}
	if err := s.enter(OpCreateMirror, record.ID); err != nil {
		return "", err
	}

	s.mirrors[mirrorKey{record.Child.Type, record.ID}] = record
	if c, ok := s.children[childKey{record.OwnerID, record.Child.Type, record.ChildID}]; ok {
		c.MirrorID = record.ID
	}
	return record.ID, nil
}

func (s *Store) ListMirrors(ctx context.Context, childType types.ChildType) ([]*types.MirrorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpListMirrors, string(childType)); err != nil {
		return nil, err
	}
	if !childType.Mirrored() {
		return nil, fmt.Errorf("%w: %s has no mirror table", types.ErrInvalidChildType, childType)
	}

	out := make([]*types.MirrorRecord, 0)
	for k, m := range s.mirrors {
		if k.t == childType {
			out = append(out, &types.MirrorRecord{ID: m.ID, OwnerID: m.OwnerID, ChildID: m.ChildID, Child: m.Child.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateMirrorStatus(ctx context.Context, ref types.MirrorRef, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpUpdateMirror, ref.ID); err != nil {
		return err
	}
	return s.setMirrorStatus(ref, status)
}

func (s *Store) setMirrorStatus(ref types.MirrorRef, status types.Status) error {
	m, ok := s.mirrors[mirrorKey{ref.Type, ref.ID}]
	if !ok {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}
	m.Child.Status = status
	m.Child.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteMirror(ctx context.Context, ref types.MirrorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(OpDeleteMirror, ref.ID); err != nil {
		return err
	}

	key := mirrorKey{ref.Type, ref.ID}
	if _, ok := s.mirrors[key]; !ok {
		return fmt.Errorf("mirror %s/%s: %w", ref.Type, ref.ID, types.ErrNotFound)
	}
	delete(s.mirrors, key)
	return nil
}

// Mirror returns a copy of one mirror record.
func (s *Store) Mirror(ref types.MirrorRef) (*types.MirrorRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mirrors[mirrorKey{ref.Type, ref.ID}]
	if !ok {
		return nil, false
	}
	return &types.MirrorRecord{ID: m.ID, OwnerID: m.OwnerID, ChildID: m.ChildID, Child: m.Child.Clone()}, true
}

// BatchStore adds atomic batches to a Store.
type BatchStore struct {
	*Store
}

var _ store.BatchUpdater = (*BatchStore)(nil)

func NewBatch() *BatchStore {
	return &BatchStore{Store: New()}
}

// UpdateStatusBatch checks every target before touching any of them.
func (b *BatchStore) UpdateStatusBatch(ctx context.Context, updates []store.StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(OpBatch, ""); err != nil {
		return err
	}

	for _, u := range updates {
		if u.Mirror == nil {
			if _, ok := b.children[childKey{u.OwnerID, u.ChildType, u.ChildID}]; !ok {
				return fmt.Errorf("%s: %w", types.ChildPath(u.OwnerID, u.ChildType, u.ChildID), types.ErrNotFound)
			}
			continue
		}
		if _, ok := b.mirrors[mirrorKey{u.Mirror.Type, u.Mirror.ID}]; !ok {
			return fmt.Errorf("mirror %s/%s: %w", u.Mirror.Type, u.Mirror.ID, types.ErrNotFound)
		}
	}

	for _, u := range updates {
		if u.Mirror == nil {
			_ = b.setChildStatus(u.OwnerID, u.ChildType, u.ChildID, u.Status)
		} else {
			_ = b.setMirrorStatus(*u.Mirror, u.Status)
		}
	}
	return nil
}
