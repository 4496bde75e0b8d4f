package storage

import (
	"context"
	"time"

	"github.com/bluele/gcache"

	"github.com/example/bus-tracking/internal/models"
)

// CachedCatalog keeps recently read routes in an LRU so that every ingested
// sample does not hit the database for stop topology. Writes through the
// catalog invalidate the cached entry.
type CachedCatalog struct {
	Catalog
	routes gcache.Cache
}

func NewCachedCatalog(inner Catalog, size int, ttl time.Duration) *CachedCatalog {
	if size <= 0 {
		size = 256
	}
	b := gcache.New(size).LRU()
	if ttl > 0 {
		b = b.Expiration(ttl)
	}
	return &CachedCatalog{Catalog: inner, routes: b.Build()}
}

func (c *CachedCatalog) Route(ctx context.Context, id string) (models.Route, error) {
	if v, err := c.routes.Get(id); err == nil {
		return cloneRoute(v.(models.Route)), nil
	}
	r, err := c.Catalog.Route(ctx, id)
	if err != nil {
		return models.Route{}, err
	}
	_ = c.routes.Set(id, cloneRoute(r))
	return r, nil
}

func (c *CachedCatalog) SaveStopOrder(ctx context.Context, routeID string, stops []models.Stop, totalKm float64, durationMin int) error {
	defer c.routes.Remove(routeID)
	return c.Catalog.SaveStopOrder(ctx, routeID, stops, totalKm, durationMin)
}

// Invalidate drops a cached route after an out-of-band edit.
func (c *CachedCatalog) Invalidate(routeID string) { c.routes.Remove(routeID) }
