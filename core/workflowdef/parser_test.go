package workflowdef

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fieldops/core/models"
	"fieldops/core/repository"
)

func TestParseFile(t *testing.T) {
	def, err := ParseFile("testdata/furnace_no_heat.yaml")
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if def.Workflow.ID != "furnace-no-heat" {
		t.Fatalf("workflow = %+v", def.Workflow)
	}
	if len(def.Brands) != 2 {
		t.Fatalf("brands = %d", len(def.Brands))
	}
	if def.Brands[0].Status != models.BrandStatusPublished || def.Brands[1].Status != models.BrandStatusDraft {
		t.Fatalf("statuses = %s, %s", def.Brands[0].Status, def.Brands[1].Status)
	}
	if len(def.Nodes) != 7 || len(def.Edges) != 7 {
		t.Fatalf("nodes = %d edges = %d", len(def.Nodes), len(def.Edges))
	}

	check := def.Nodes[0].Check()
	if check == nil || len(check.Readings) != 2 {
		t.Fatalf("first node = %+v", def.Nodes[0])
	}
	if r := check.Readings[0]; r.Operator != models.OpBetween || r.Max == nil || *r.Max != 10.5 {
		t.Fatalf("inlet reading = %+v", r)
	}
	if repair := def.Nodes[3].Repair(); repair == nil || repair.StepsMode != models.StepsSectioned {
		t.Fatalf("clean-sensor = %+v", def.Nodes[3])
	}
	if end := def.Nodes[4].End(); end == nil || !end.AllowFollowUp {
		t.Fatalf("close = %+v", def.Nodes[4])
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no id", "workflow: {name: x}", "workflow.id"},
		{"unknown type", `
workflow: {id: w}
brands:
  - id: b
    nodes:
      - {id: n, type: gadget}`, "unknown node type"},
		{"dangling edge", `
workflow: {id: w}
brands:
  - id: b
    nodes:
      - {id: n, type: check, on_good: nowhere}`, "nowhere"},
		{"between without max", `
workflow: {id: w}
brands:
  - id: b
    nodes:
      - id: n
        type: check
        readings: [{id: r, operator: between, value: 1}]`, "between needs max"},
		{"bad expression", `
workflow: {id: w}
brands:
  - id: b
    nodes:
      - {id: n, type: check, rollup: custom, expression: "a AND ("}`, "rollup expression"},
		{"next on check", `
workflow: {id: w}
brands:
  - id: b
    nodes:
      - {id: n, type: check, next: m}
      - {id: m, type: end}`, "on_good/on_bad"},
		{"empty brand", `
workflow: {id: w}
brands:
  - id: b`, "no nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadDirSeedsGateway(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile("testdata/furnace_no_heat.yaml")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "furnace.yml"), src, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	defs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("defs = %d", len(defs))
	}

	gw := repository.NewMemoryGateway()
	defs[0].Seed(gw)
	ctx := context.Background()
	edges, err := gw.ListDiagnosticEdges(ctx, "acme-80")
	if err != nil {
		t.Fatalf("ListDiagnosticEdges: %v", err)
	}
	if len(edges) != 6 {
		t.Fatalf("acme edges = %d", len(edges))
	}
}
