package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldops/core/models"
	"fieldops/core/repository"
)

func seededGateway(t *testing.T) *repository.MemoryGateway {
	t.Helper()
	gw := repository.NewMemoryGateway()
	gw.SeedWorkflow(
		models.DiagnosticWorkflow{ID: "furnace", Name: "Furnace no heat"},
		[]models.WorkflowBrand{
			{ID: "acme", WorkflowID: "furnace", Name: "Acme", Status: models.BrandStatusPublished},
			{ID: "draft", WorkflowID: "furnace", Name: "Draft", Status: models.BrandStatusDraft},
		},
		[]models.DiagnosticNode{
			{ID: "check", BrandID: "acme", Title: "Pressure", Data: &models.CheckData{
				Readings:    []models.Reading{{ID: "inlet", Operator: models.OpGreaterEqual, Value: 3.5}},
				RollupLogic: models.RollupAllGood,
			}},
			{ID: "end", BrandID: "acme", Title: "Done", Data: &models.EndData{}},
		},
		[]models.DiagnosticEdge{
			{ID: "e1", BrandID: "acme", FromNodeID: "check", ToNodeID: "end", Condition: models.EdgeGood},
		},
	)
	ctx := context.Background()
	if err := gw.UpsertTruckInventory(ctx, models.TruckInventoryItem{TruckID: "t1", ProductID: "valve", Qty: 4}); err != nil {
		t.Fatalf("UpsertTruckInventory: %v", err)
	}
	return gw
}

func TestRefreshCachesPublishedGraphs(t *testing.T) {
	ctx := context.Background()
	gw := seededGateway(t)
	cache := NewMemoryCache()
	c := New(gw, cache)

	stats, err := c.Refresh(ctx, "t1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := RefreshStats{Workflows: 1, Brands: 2, Graphs: 1, Items: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
	if c.RefreshedAt().IsZero() {
		t.Fatal("RefreshedAt not set")
	}

	var nodes []models.DiagnosticNode
	if err := cache.Get(ctx, nodesKey("acme"), &nodes); err != nil {
		t.Fatalf("cached nodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Check() == nil || nodes[0].Check().Readings[0].Value != 3.5 {
		t.Fatalf("cached nodes = %+v", nodes)
	}
	if err := cache.Get(ctx, nodesKey("draft"), &nodes); !errors.Is(err, ErrMiss) {
		t.Fatalf("draft brand cached: %v", err)
	}
}

func TestServesCacheWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	gw := seededGateway(t)
	c := New(gw, NewMemoryCache())
	if _, err := c.Refresh(ctx, "t1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	gw.FailNext("ListDiagnosticEdges", repository.Errorf(repository.KindUnavailable, "ListDiagnosticEdges", "offline"))
	edges, err := c.ListDiagnosticEdges(ctx, "acme")
	if err != nil {
		t.Fatalf("ListDiagnosticEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].ToNodeID != "end" {
		t.Fatalf("edges = %+v", edges)
	}
}

func TestRemoteRejectionIsNotMasked(t *testing.T) {
	ctx := context.Background()
	gw := seededGateway(t)
	c := New(gw, NewMemoryCache())
	if _, err := c.Refresh(ctx, ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	gw.FailNext("ListDiagnosticNodes", repository.Errorf(repository.KindRemote, "ListDiagnosticNodes", "permission denied"))
	if _, err := c.ListDiagnosticNodes(ctx, "acme"); repository.KindOf(err) != repository.KindRemote {
		t.Fatalf("err = %v, want remote error", err)
	}
}

func TestOfflineSkipsSource(t *testing.T) {
	ctx := context.Background()
	gw := seededGateway(t)
	online := true
	c := New(gw, NewMemoryCache(), WithOnline(func() bool { return online }))

	if _, err := c.ListTruckInventory(ctx, "t1"); err != nil {
		t.Fatalf("ListTruckInventory: %v", err)
	}
	if err := gw.UpsertTruckInventory(ctx, models.TruckInventoryItem{TruckID: "t1", ProductID: "valve", Qty: 1}); err != nil {
		t.Fatalf("UpsertTruckInventory: %v", err)
	}

	online = false
	items, err := c.ListTruckInventory(ctx, "t1")
	if err != nil {
		t.Fatalf("offline ListTruckInventory: %v", err)
	}
	if len(items) != 1 || items[0].Qty != 4 {
		t.Fatalf("items = %+v, want the cached qty 4", items)
	}

	if _, err := c.ListTruckInventory(ctx, "t2"); !repository.IsUnavailable(err) {
		t.Fatalf("uncached truck: err = %v, want unavailable", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryCache()
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "k", []string{"a"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got []string
	if err := m.Get(ctx, "k", &got); err != nil || len(got) != 1 {
		t.Fatalf("Get = %v, %v", got, err)
	}
	now = now.Add(2 * time.Minute)
	if err := m.Get(ctx, "k", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expired Get: %v", err)
	}
}
