package propagate

import (
	"context"
	"sync"
	"time"

	"github.com/slot-claims/backend/internal/storage/models"
)

// View is one refreshed read-view.
type View struct {
	Key       string               `json:"key"`
	Claims    []models.ClaimedItem `json:"claims,omitempty"`
	Resources []models.Resource    `json:"resources,omitempty"`
	FetchedAt time.Time            `json:"fetched_at"`

	// Degraded is set when a listing refresh failed and the view carries
	// no data.
	Degraded bool `json:"degraded,omitempty"`
}

// Cache stores refreshed views.
type Cache interface {
	Get(ctx context.Context, key string) (*View, bool, error)
	Set(ctx context.Context, view *View) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryCache keeps views in process memory.
type MemoryCache struct {
	mu    sync.RWMutex
	views map[string]*View
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{views: make(map[string]*View)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*View, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.views[key]
	if !ok {
		return nil, false, nil
	}
	cp := *v
	return &cp, true, nil
}

func (c *MemoryCache) Set(_ context.Context, view *View) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *view
	c.views[view.Key] = &cp
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		delete(c.views, k)
	}
	return nil
}
