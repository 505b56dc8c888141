// Package viewcache holds the last fetched aggregate view and patches it in
// place after successful writes.
package viewcache

import (
	"context"
	"fmt"
	"sync"

	"taxdesk/pkg/types"
)

type Loader func(ctx context.Context) (*types.AggregateView, error)

// Cache is safe for concurrent use. Every change bumps a generation so a
// load that raced a patch or invalidation is returned to its caller but not
// kept.
type Cache struct {
	mu       sync.Mutex
	load     Loader
	view     *types.AggregateView
	gen      uint64
	detached bool
}

func New(load Loader) *Cache {
	return &Cache{load: load}
}

// Get returns a copy of the cached view, loading it first if needed.
func (c *Cache) Get(ctx context.Context) (*types.AggregateView, error) {
	c.mu.Lock()
	if c.view != nil {
		out := c.view.Clone()
		c.mu.Unlock()
		return out, nil
	}
	gen := c.gen
	c.mu.Unlock()

	view, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen && !c.detached {
		c.view = view.Clone()
	}
	c.mu.Unlock()

	return view, nil
}

// Cached reports whether a view is held.
func (c *Cache) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view != nil
}

// Patch updates the entry for ownerID/childID. The patch is validated
// before anything changes, so the entry is either fully patched or left
// alone. It reports whether an entry was changed.
func (c *Cache) Patch(ownerID, childID string, patch types.ChildPatch) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return false, nil
	}

	if c.view == nil {
		c.gen++
		return false, nil
	}

	if err := validatePatch(c.view.Type, patch); err != nil {
		return false, err
	}
	c.gen++

	for i, e := range c.view.Entries {
		if e.OwnerID != ownerID || e.ID != childID {
			continue
		}

		next := e.Clone()
		if patch.Status != nil {
			next.Status = *patch.Status
		}
		if patch.OwnerName != nil {
			next.OwnerName = *patch.OwnerName
		}
		if patch.OwnerEmail != nil {
			next.OwnerEmail = *patch.OwnerEmail
		}
		c.view.Entries[i] = next
		return true, nil
	}

	return false, nil
}

// Remove drops the entry for ownerID/childID, keeping the order of the rest.
func (c *Cache) Remove(ownerID, childID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return false
	}
	c.gen++

	if c.view == nil {
		return false
	}

	for i, e := range c.view.Entries {
		if e.OwnerID == ownerID && e.ID == childID {
			c.view.Entries = append(c.view.Entries[:i:i], c.view.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Invalidate drops the cached view; the next Get reloads it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.view = nil
}

// Detach marks the cache as abandoned. Later patches and loads are ignored.
func (c *Cache) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	c.view = nil
}

func (c *Cache) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}

func validatePatch(childType types.ChildType, patch types.ChildPatch) error {
	if patch.Status != nil && !childType.ValidStatus(*patch.Status) {
		return fmt.Errorf("%w: %q is not a %s status", types.ErrInvalidStatus, *patch.Status, childType)
	}
	return nil
}
