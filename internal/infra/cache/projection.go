// Package cache provides an in-process cache for per-viewer projections.
// The canonical state stays the source of truth; entries are keyed by the
// state version so a commit never serves a stale view.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MRamiBalles/KeeperTable/internal/domain/state"
	"github.com/MRamiBalles/KeeperTable/internal/visibility"
)

// ProjectionCache memoizes visibility.Project results.
type ProjectionCache struct {
	views *lru.Cache[string, *state.Canonical]
}

// NewProjectionCache creates a cache holding at most size projections.
func NewProjectionCache(size int) (*ProjectionCache, error) {
	if size < 1 {
		size = 1
	}
	views, err := lru.New[string, *state.Canonical](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection cache: %w", err)
	}
	return &ProjectionCache{views: views}, nil
}

// Project returns the viewer's projection of s, computing it on a miss.
// The returned state is shared between callers and must not be mutated.
func (c *ProjectionCache) Project(epoch uint64, s *state.Canonical, v visibility.Viewer) *state.Canonical {
	key := viewKey(epoch, s.Version, v)
	if view, ok := c.views.Get(key); ok {
		return view
	}
	view := visibility.Project(s, v)
	c.views.Add(key, view)
	return view
}

// Len returns the number of cached projections.
func (c *ProjectionCache) Len() int {
	return c.views.Len()
}

// Purge drops every projection, e.g. after a restore or reset.
func (c *ProjectionCache) Purge() {
	c.views.Purge()
}

func viewKey(epoch, version uint64, v visibility.Viewer) string {
	return fmt.Sprintf("%d:%d:%s:%s", epoch, version, v.Role, v.ID)
}
