// Package dualwrite keeps owner-partitioned child records and their
// top-level mirrors in step. Every write that touches both goes through the
// Coordinator.
package dualwrite

import (
	"context"
	"errors"
	"fmt"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

// Flagger is told about mirror writes that need reconciling later.
type Flagger interface {
	FlagPartialWrite(ctx context.Context, pw *types.PartialWriteError) error
}

type Result struct {
	OwnerID   string           `json:"ownerId"`
	ChildType types.ChildType  `json:"childType"`
	ChildID   string           `json:"childId"`
	Status    types.Status     `json:"status"`
	Mirror    *types.MirrorRef `json:"mirror,omitempty"`
	Atomic    bool             `json:"atomic"`
	Partial   bool             `json:"partial"`
}

type Coordinator struct {
	store   store.RecordStore
	batch   store.BatchUpdater
	flagger Flagger
	logger  *logrus.Logger
}

// New builds a coordinator over recordStore. If the store can apply atomic
// batches, mirrored status changes use them.
func New(recordStore store.RecordStore, logger *logrus.Logger) *Coordinator {
	c := &Coordinator{store: recordStore, logger: logger}
	if batch, ok := recordStore.(store.BatchUpdater); ok {
		c.batch = batch
	}
	return c
}

func (c *Coordinator) WithFlagger(f Flagger) *Coordinator {
	c.flagger = f
	return c
}

// SetChildStatus moves one child record to status. A mirror must be the one
// linked from the authoritative record. With a mirror the two writes are
// batched when the backend allows it. Otherwise the authoritative
// record is written first and a failed mirror write returns the Result
// alongside a *types.PartialWriteError. The authoritative write is never
// rolled back.
func (c *Coordinator) SetChildStatus(ctx context.Context, ownerID string, childType types.ChildType, childID string, status types.Status, mirror *types.MirrorRef) (*Result, error) {
	if !childType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidChildType, childType)
	}
	if !childType.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q is not a %s status", types.ErrInvalidStatus, status, childType)
	}
	if mirror != nil && (mirror.Type != childType || !childType.Mirrored()) {
		return nil, fmt.Errorf("%w: mirror %s/%s does not belong to %s", types.ErrInvalidChildType, mirror.Type, mirror.ID, childType)
	}
	if mirror != nil {
		if err := c.checkMirrorLink(ctx, ownerID, childType, childID, *mirror); err != nil {
			return nil, err
		}
	}

	result := &Result{
		OwnerID:   ownerID,
		ChildType: childType,
		ChildID:   childID,
		Status:    status,
		Mirror:    mirror,
	}

	entry := c.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"child_type": childType,
		"child_id":   childID,
		"status":     status,
	})

	if mirror == nil {
		if err := c.store.UpdateChildStatus(ctx, ownerID, childType, childID, status); err != nil {
			return nil, err
		}
		entry.Info("child status updated")
		return result, nil
	}

	if c.batch != nil {
		err := c.batch.UpdateStatusBatch(ctx, []store.StatusUpdate{
			{OwnerID: ownerID, ChildType: childType, ChildID: childID, Status: status},
			{OwnerID: ownerID, ChildType: childType, ChildID: childID, Mirror: mirror, Status: status},
		})
		if err != nil {
			return nil, err
		}
		result.Atomic = true
		entry.WithField("mirror_id", mirror.ID).Info("child and mirror status updated atomically")
		return result, nil
	}

	if err := c.store.UpdateChildStatus(ctx, ownerID, childType, childID, status); err != nil {
		return nil, err
	}

	if err := c.store.UpdateMirrorStatus(ctx, *mirror, status); err != nil {
		result.Partial = true
		pw := &types.PartialWriteError{
			Op:        types.WriteOpStatus,
			OwnerID:   ownerID,
			ChildType: childType,
			ChildID:   childID,
			MirrorID:  mirror.ID,
			Status:    status,
			Err:       err,
		}
		c.flag(ctx, entry, pw)
		return result, pw
	}

	entry.WithField("mirror_id", mirror.ID).Info("child and mirror status updated")
	return result, nil
}

// checkMirrorLink makes sure mirror is the copy the authoritative record
// points at, so a status change can never land on another record's mirror.
func (c *Coordinator) checkMirrorLink(ctx context.Context, ownerID string, childType types.ChildType, childID string, mirror types.MirrorRef) error {
	child, err := c.store.Child(ctx, ownerID, childType, childID)
	if err != nil {
		return err
	}
	if child.MirrorID != mirror.ID {
		return fmt.Errorf("%w: mirror %s is not linked to %s", types.ErrInvalidRecord, mirror.ID, child.Path())
	}
	return nil
}

// CreateChild stores a new child record for ownerID and, for mirrored
// types, its top-level copy. The stored record is returned even when the
// mirror could not be written.
func (c *Coordinator) CreateChild(ctx context.Context, ownerID string, child *types.ChildRecord) (*types.ChildRecord, error) {
	if err := child.Validate(); err != nil {
		return nil, err
	}

	childID, err := c.store.CreateChild(ctx, ownerID, child)
	if err != nil {
		return nil, err
	}

	created, err := c.store.Child(ctx, ownerID, child.Type, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", types.ChildPath(ownerID, child.Type, childID), err)
	}

	entry := c.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"child_type": child.Type,
		"child_id":   childID,
	})

	if !child.Type.Mirrored() {
		entry.Info("child created")
		return created, nil
	}

	mirrorID, err := c.store.CreateMirror(ctx, &types.MirrorRecord{
		OwnerID: ownerID,
		ChildID: childID,
		Child:   created,
	})
	if err != nil {
		pw := &types.PartialWriteError{
			Op:        types.WriteOpCreate,
			OwnerID:   ownerID,
			ChildType: child.Type,
			ChildID:   childID,
			Status:    created.Status,
			Err:       err,
		}
		c.flag(ctx, entry, pw)
		return created, pw
	}

	created.MirrorID = mirrorID
	entry.WithField("mirror_id", mirrorID).Info("child and mirror created")
	return created, nil
}

// DeleteChild removes the authoritative record and then its mirror. A
// mirror that is already gone counts as deleted.
func (c *Coordinator) DeleteChild(ctx context.Context, ownerID string, childType types.ChildType, childID string, mirror *types.MirrorRef) error {
	if !childType.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidChildType, childType)
	}

	if err := c.store.DeleteChild(ctx, ownerID, childType, childID); err != nil {
		return err
	}

	entry := c.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"child_type": childType,
		"child_id":   childID,
	})

	if mirror == nil {
		entry.Info("child deleted")
		return nil
	}

	if err := c.store.DeleteMirror(ctx, *mirror); err != nil && !errors.Is(err, types.ErrNotFound) {
		pw := &types.PartialWriteError{
			Op:        types.WriteOpDelete,
			OwnerID:   ownerID,
			ChildType: childType,
			ChildID:   childID,
			MirrorID:  mirror.ID,
			Err:       err,
		}
		c.flag(ctx, entry, pw)
		return pw
	}

	entry.WithField("mirror_id", mirror.ID).Info("child and mirror deleted")
	return nil
}

// Reconcile brings a mirror back in line with its authoritative record.
// The authoritative record always wins: a missing record deletes the
// mirror, a missing mirror is recreated, otherwise the status is copied.
func (c *Coordinator) Reconcile(ctx context.Context, ownerID string, childType types.ChildType, childID, mirrorID string) error {
	if !childType.Mirrored() {
		return fmt.Errorf("%w: %s has no mirror table", types.ErrInvalidChildType, childType)
	}

	entry := c.logger.WithFields(logrus.Fields{
		"owner_id":   ownerID,
		"child_type": childType,
		"child_id":   childID,
		"mirror_id":  mirrorID,
	})

	child, err := c.store.Child(ctx, ownerID, childType, childID)
	if errors.Is(err, types.ErrNotFound) {
		if mirrorID == "" {
			return nil
		}
		err := c.store.DeleteMirror(ctx, types.MirrorRef{Type: childType, ID: mirrorID})
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
		entry.Info("removed orphaned mirror")
		return nil
	}
	if err != nil {
		return err
	}

	if mirrorID == "" {
		mirrorID = child.MirrorID
	}

	if mirrorID != "" {
		err = c.store.UpdateMirrorStatus(ctx, types.MirrorRef{Type: childType, ID: mirrorID}, child.Status)
		if err == nil {
			entry.WithField("status", child.Status).Info("mirror status reconciled")
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}

	newID, err := c.store.CreateMirror(ctx, &types.MirrorRecord{
		ID:      mirrorID,
		OwnerID: ownerID,
		ChildID: childID,
		Child:   child,
	})
	if err != nil {
		return err
	}

	entry.WithField("mirror_id", newID).Info("mirror recreated")
	return nil
}

func (c *Coordinator) flag(ctx context.Context, entry *logrus.Entry, pw *types.PartialWriteError) {
	entry.WithError(pw.Err).
		WithField("mirror_id", pw.MirrorID).
		WithField("op", pw.Op).
		Warn("mirror write failed, authoritative record kept")

	if c.flagger == nil {
		return
	}
	// The authoritative write already happened, so the flag must go out
	// even when the caller has gone away.
	if err := c.flagger.FlagPartialWrite(context.WithoutCancel(ctx), pw); err != nil {
		entry.WithError(err).Error("failed to flag partial write for reconciliation")
	}
}
