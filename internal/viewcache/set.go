package viewcache

import (
	"context"
	"sync"

	"taxdesk/pkg/types"
)

type Fetcher interface {
	FetchAggregateView(ctx context.Context, childType types.ChildType) (*types.AggregateView, error)
	FetchMirrorView(ctx context.Context, childType types.ChildType) (*types.AggregateView, error)
}

type Key struct {
	Type   types.ChildType
	Source types.ViewSource
}

// Set keeps one cache per child type and view source.
type Set struct {
	mu      sync.Mutex
	fetcher Fetcher
	caches  map[Key]*Cache
	closed  bool
}

func NewSet(fetcher Fetcher) *Set {
	return &Set{
		fetcher: fetcher,
		caches:  make(map[Key]*Cache),
	}
}

// Cache returns the cache for key, creating it on first use. Once the set
// is closed every call gets a fresh detached cache that is never kept.
func (s *Set) Cache(key Key) *Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[key]; ok {
		return c
	}

	var load Loader
	if key.Source == types.ViewSourceMirror {
		load = func(ctx context.Context) (*types.AggregateView, error) {
			return s.fetcher.FetchMirrorView(ctx, key.Type)
		}
	} else {
		load = func(ctx context.Context) (*types.AggregateView, error) {
			return s.fetcher.FetchAggregateView(ctx, key.Type)
		}
	}

	c := New(load)
	if s.closed {
		c.Detach()
		return c
	}
	s.caches[key] = c
	return c
}

func (s *Set) Get(ctx context.Context, key Key) (*types.AggregateView, error) {
	return s.Cache(key).Get(ctx)
}

// forType returns the existing caches that hold childType.
func (s *Set) forType(childType types.ChildType) []*Cache {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Cache, 0, 2)
	for k, c := range s.caches {
		if k.Type == childType {
			out = append(out, c)
		}
	}
	return out
}

// Patch applies patch to every cached view of childType. A validation
// error leaves every view untouched.
func (s *Set) Patch(childType types.ChildType, ownerID, childID string, patch types.ChildPatch) error {
	if err := validatePatch(childType, patch); err != nil {
		return err
	}
	for _, c := range s.forType(childType) {
		if _, err := c.Patch(ownerID, childID, patch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) Remove(childType types.ChildType, ownerID, childID string) {
	for _, c := range s.forType(childType) {
		c.Remove(ownerID, childID)
	}
}

func (s *Set) InvalidateType(childType types.ChildType) {
	for _, c := range s.forType(childType) {
		c.Invalidate()
	}
}

func (s *Set) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.caches {
		c.Invalidate()
	}
}

// Close detaches every cache so in-flight work cannot repopulate them.
// Later lookups still load but nothing is cached again.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, c := range s.caches {
		c.Detach()
		delete(s.caches, k)
	}
}
