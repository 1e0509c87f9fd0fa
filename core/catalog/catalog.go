package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fieldops/core/logger"
	"fieldops/core/models"
	"fieldops/core/repository"

	"golang.org/x/sync/errgroup"
)

// Source is the remote side of the reference data
type Source interface {
	ListDiagnosticWorkflows(ctx context.Context) ([]models.DiagnosticWorkflow, error)
	ListDiagnosticWorkflowBrands(ctx context.Context, workflowID string) ([]models.WorkflowBrand, error)
	ListDiagnosticNodes(ctx context.Context, brandID string) ([]models.DiagnosticNode, error)
	ListDiagnosticEdges(ctx context.Context, brandID string) ([]models.DiagnosticEdge, error)
	ListTruckInventory(ctx context.Context, truckID string) ([]models.TruckInventoryItem, error)
}

// Catalog reads reference data through to the remote store and keeps a cached copy. When the
// store is unreachable the cached copy is served instead, so runs can start and continue offline.
type Catalog struct {
	src    Source
	cache  Cache
	ttl    time.Duration
	online func() bool
	log    *logger.Logger

	mu          sync.Mutex
	refreshedAt time.Time
}

type Option func(*Catalog)

func WithTTL(ttl time.Duration) Option {
	return func(c *Catalog) { c.ttl = ttl }
}

// WithOnline skips the remote read entirely while online reports false
func WithOnline(online func() bool) Option {
	return func(c *Catalog) { c.online = online }
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Catalog) { c.log = log }
}

func New(src Source, cache Cache, opts ...Option) *Catalog {
	if cache == nil {
		cache = NewMemoryCache()
	}
	c := &Catalog{src: src, cache: cache, log: logger.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "catalog")
	return c
}

func workflowsKey() string               { return "workflows" }
func brandsKey(workflowID string) string { return "brands:" + workflowID }
func nodesKey(brandID string) string     { return "nodes:" + brandID }
func edgesKey(brandID string) string     { return "edges:" + brandID }
func truckKey(truckID string) string     { return "truck:" + truckID }

// readThrough fetches from the source and caches the result, or serves the cache when the source
// is unreachable.
func readThrough[T any](ctx context.Context, c *Catalog, key string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.online == nil || c.online() {
		v, err := fetch(ctx)
		if err == nil {
			if cerr := c.cache.Set(ctx, key, v, c.ttl); cerr != nil {
				c.log.Warn("cache write failed", "key", key, "error", cerr)
			}
			return v, nil
		}
		if !repository.IsUnavailable(err) && !errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		c.log.Debug("source unavailable, serving cache", "key", key, "error", err)
	}
	var cached T
	if err := c.cache.Get(ctx, key, &cached); err != nil {
		if errors.Is(err, ErrMiss) {
			return zero, repository.Errorf(repository.KindUnavailable, "catalog", "%s is not cached for offline use", key)
		}
		return zero, err
	}
	return cached, nil
}

func (c *Catalog) ListDiagnosticWorkflows(ctx context.Context) ([]models.DiagnosticWorkflow, error) {
	return readThrough(ctx, c, workflowsKey(), c.src.ListDiagnosticWorkflows)
}

func (c *Catalog) ListDiagnosticWorkflowBrands(ctx context.Context, workflowID string) ([]models.WorkflowBrand, error) {
	return readThrough(ctx, c, brandsKey(workflowID), func(ctx context.Context) ([]models.WorkflowBrand, error) {
		return c.src.ListDiagnosticWorkflowBrands(ctx, workflowID)
	})
}

func (c *Catalog) ListDiagnosticNodes(ctx context.Context, brandID string) ([]models.DiagnosticNode, error) {
	return readThrough(ctx, c, nodesKey(brandID), func(ctx context.Context) ([]models.DiagnosticNode, error) {
		return c.src.ListDiagnosticNodes(ctx, brandID)
	})
}

func (c *Catalog) ListDiagnosticEdges(ctx context.Context, brandID string) ([]models.DiagnosticEdge, error) {
	return readThrough(ctx, c, edgesKey(brandID), func(ctx context.Context) ([]models.DiagnosticEdge, error) {
		return c.src.ListDiagnosticEdges(ctx, brandID)
	})
}

func (c *Catalog) ListTruckInventory(ctx context.Context, truckID string) ([]models.TruckInventoryItem, error) {
	return readThrough(ctx, c, truckKey(truckID), func(ctx context.Context) ([]models.TruckInventoryItem, error) {
		return c.src.ListTruckInventory(ctx, truckID)
	})
}

// RefreshStats summarizes one Refresh
type RefreshStats struct {
	Workflows int
	Brands    int
	Graphs    int
	Items     int
}

// Refresh reloads every published brand graph and, when truckID is set, the truck's inventory.
// The graphs and the inventory are fetched concurrently.
func (c *Catalog) Refresh(ctx context.Context, truckID string) (RefreshStats, error) {
	var stats RefreshStats
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		workflows, err := c.src.ListDiagnosticWorkflows(ctx)
		if err != nil {
			return fmt.Errorf("list workflows: %w", err)
		}
		if err := c.cache.Set(ctx, workflowsKey(), workflows, c.ttl); err != nil {
			return err
		}

		wg, wctx := errgroup.WithContext(ctx)
		wg.SetLimit(4)
		for _, wf := range workflows {
			wg.Go(func() error {
				n, graphs, err := c.refreshWorkflow(wctx, wf.ID)
				mu.Lock()
				stats.Brands += n
				stats.Graphs += graphs
				mu.Unlock()
				return err
			})
		}
		if err := wg.Wait(); err != nil {
			return err
		}
		mu.Lock()
		stats.Workflows = len(workflows)
		mu.Unlock()
		return nil
	})

	if truckID != "" {
		g.Go(func() error {
			items, err := c.src.ListTruckInventory(ctx, truckID)
			if err != nil {
				return fmt.Errorf("list truck inventory: %w", err)
			}
			mu.Lock()
			stats.Items = len(items)
			mu.Unlock()
			return c.cache.Set(ctx, truckKey(truckID), items, c.ttl)
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	c.mu.Lock()
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	c.log.Info("catalog refreshed", "workflows", stats.Workflows, "graphs", stats.Graphs, "items", stats.Items)
	return stats, nil
}

func (c *Catalog) refreshWorkflow(ctx context.Context, workflowID string) (int, int, error) {
	brands, err := c.src.ListDiagnosticWorkflowBrands(ctx, workflowID)
	if err != nil {
		return 0, 0, fmt.Errorf("list brands of %s: %w", workflowID, err)
	}
	if err := c.cache.Set(ctx, brandsKey(workflowID), brands, c.ttl); err != nil {
		return 0, 0, err
	}
	graphs := 0
	for _, b := range brands {
		if b.Status != models.BrandStatusPublished {
			continue
		}
		nodes, err := c.src.ListDiagnosticNodes(ctx, b.ID)
		if err != nil {
			return len(brands), graphs, fmt.Errorf("list nodes of %s: %w", b.ID, err)
		}
		edges, err := c.src.ListDiagnosticEdges(ctx, b.ID)
		if err != nil {
			return len(brands), graphs, fmt.Errorf("list edges of %s: %w", b.ID, err)
		}
		if err := c.cache.Set(ctx, nodesKey(b.ID), nodes, c.ttl); err != nil {
			return len(brands), graphs, err
		}
		if err := c.cache.Set(ctx, edgesKey(b.ID), edges, c.ttl); err != nil {
			return len(brands), graphs, err
		}
		graphs++
	}
	return len(brands), graphs, nil
}

// RefreshedAt is the time of the last successful Refresh
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshedAt
}
