package workflowdef

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fieldops/core/diagnostics"
	"fieldops/core/models"

	"gopkg.in/yaml.v3"
)

// WorkflowSpec is the YAML authoring format of a diagnostic workflow
type WorkflowSpec struct {
	Workflow WorkflowSpecHeader `yaml:"workflow"`
	Brands   []BrandSpec        `yaml:"brands"`
}

// WorkflowSpecHeader represents the workflow section of the file
type WorkflowSpecHeader struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// BrandSpec is one brand's graph. Nodes are listed in walk order.
type BrandSpec struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Status  string     `yaml:"status"` // draft | published (default: draft)
	Version int        `yaml:"version"`
	Nodes   []NodeSpec `yaml:"nodes"`
}

// NodeSpec is one node. Outgoing edges are written on the node itself.
type NodeSpec struct {
	ID    string `yaml:"id"`
	Type  string `yaml:"type"` // check | repair | end
	Title string `yaml:"title"`

	// check
	Instructions    string           `yaml:"instructions"`
	Readings        []models.Reading `yaml:"readings"`
	Rollup          string           `yaml:"rollup"`     // default: all_good
	Expression      string           `yaml:"expression"` // custom rollup
	GoodExplanation string           `yaml:"good_explanation"`
	BadExplanation  string           `yaml:"bad_explanation"`
	OnGood          string           `yaml:"on_good"`
	OnBad           string           `yaml:"on_bad"`

	// repair
	StepsMode          string                 `yaml:"steps_mode"`
	Steps              []string               `yaml:"steps"`
	Sections           []models.RepairSection `yaml:"sections"`
	Tools              []string               `yaml:"tools"`
	RequireBeforePhoto bool                   `yaml:"require_before_photo"`
	RequireAfterPhoto  bool                   `yaml:"require_after_photo"`
	Next               string                 `yaml:"next"`

	// end
	Message        string   `yaml:"message"`
	ClosureReasons []string `yaml:"closure_reasons"`
	AllowFollowUp  bool     `yaml:"allow_follow_up"`
}

// Definition is a parsed workflow ready to be loaded into a store
type Definition struct {
	Workflow models.DiagnosticWorkflow
	Brands   []models.WorkflowBrand
	Nodes    []models.DiagnosticNode
	Edges    []models.DiagnosticEdge
}

// Seeder accepts parsed definitions
type Seeder interface {
	SeedWorkflow(wf models.DiagnosticWorkflow, brands []models.WorkflowBrand, nodes []models.DiagnosticNode, edges []models.DiagnosticEdge)
}

// Seed loads the definition into s
func (d *Definition) Seed(s Seeder) {
	s.SeedWorkflow(d.Workflow, d.Brands, d.Nodes, d.Edges)
}

// Parse parses a YAML workflow definition and validates every brand graph
func Parse(data []byte) (*Definition, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if spec.Workflow.ID == "" {
		return nil, fmt.Errorf("workflow.id is required")
	}

	def := &Definition{
		Workflow: models.DiagnosticWorkflow{
			ID:          spec.Workflow.ID,
			Name:        spec.Workflow.Name,
			Description: spec.Workflow.Description,
		},
	}
	seen := make(map[string]bool)
	for _, b := range spec.Brands {
		if b.ID == "" {
			return nil, fmt.Errorf("workflow %s: brand id is required", spec.Workflow.ID)
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("workflow %s: duplicate brand %s", spec.Workflow.ID, b.ID)
		}
		seen[b.ID] = true

		brand, nodes, edges, err := parseBrand(spec.Workflow.ID, b)
		if err != nil {
			return nil, fmt.Errorf("brand %s: %w", b.ID, err)
		}
		def.Brands = append(def.Brands, brand)
		def.Nodes = append(def.Nodes, nodes...)
		def.Edges = append(def.Edges, edges...)
	}
	return def, nil
}

func parseBrand(workflowID string, b BrandSpec) (models.WorkflowBrand, []models.DiagnosticNode, []models.DiagnosticEdge, error) {
	brand := models.WorkflowBrand{
		ID:         b.ID,
		WorkflowID: workflowID,
		Name:       b.Name,
		Status:     models.BrandStatus(b.Status),
		Version:    b.Version,
	}
	if brand.Status == "" {
		brand.Status = models.BrandStatusDraft
	}
	if brand.Status != models.BrandStatusDraft && brand.Status != models.BrandStatusPublished {
		return brand, nil, nil, fmt.Errorf("unknown status %q", b.Status)
	}
	if brand.Name == "" {
		brand.Name = b.ID
	}
	if len(b.Nodes) == 0 {
		return brand, nil, nil, diagnostics.ErrEmptyWorkflow
	}

	var nodes []models.DiagnosticNode
	var edges []models.DiagnosticEdge
	addEdge := func(from, to string, cond models.EdgeCondition) {
		if to == "" {
			return
		}
		edges = append(edges, models.DiagnosticEdge{
			ID:         fmt.Sprintf("%s:%s:%s", b.ID, from, cond),
			BrandID:    b.ID,
			FromNodeID: from,
			ToNodeID:   to,
			Condition:  cond,
		})
	}

	for i, n := range b.Nodes {
		data, err := nodeData(n)
		if err != nil {
			return brand, nil, nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
		nodes = append(nodes, models.DiagnosticNode{
			ID:        n.ID,
			BrandID:   b.ID,
			Title:     n.Title,
			SortOrder: i + 1,
			Data:      data,
		})
		switch data.(type) {
		case *models.CheckData:
			addEdge(n.ID, n.OnGood, models.EdgeGood)
			addEdge(n.ID, n.OnBad, models.EdgeBad)
		case *models.RepairData:
			addEdge(n.ID, n.Next, models.EdgeNext)
		}
	}

	// NewGraph rejects dangling edges and duplicate ids
	if _, err := diagnostics.NewGraph(b.ID, nodes, edges); err != nil {
		return brand, nil, nil, err
	}
	return brand, nodes, edges, nil
}

func nodeData(n NodeSpec) (models.NodeData, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	switch models.NodeType(n.Type) {
	case models.NodeTypeCheck:
		if n.Next != "" {
			return nil, fmt.Errorf("check nodes branch with on_good/on_bad, not next")
		}
		logic := models.RollupLogic(n.Rollup)
		if logic == "" {
			logic = models.RollupAllGood
		}
		switch logic {
		case models.RollupAllGood, models.RollupAnyBad, models.RollupAllBad, models.RollupAnyGood:
		case models.RollupCustom:
			if _, err := diagnostics.ParseExpr(n.Expression); err != nil {
				return nil, fmt.Errorf("rollup expression: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown rollup %q", n.Rollup)
		}
		for _, r := range n.Readings {
			if err := validateReading(r); err != nil {
				return nil, err
			}
		}
		return &models.CheckData{
			Instructions:     n.Instructions,
			Readings:         n.Readings,
			RollupLogic:      logic,
			RollupExpression: n.Expression,
			GoodExplanation:  n.GoodExplanation,
			BadExplanation:   n.BadExplanation,
		}, nil
	case models.NodeTypeRepair:
		if n.OnGood != "" || n.OnBad != "" {
			return nil, fmt.Errorf("repair nodes only continue with next")
		}
		mode := models.StepsMode(n.StepsMode)
		if mode == "" {
			mode = models.StepsList
			if len(n.Sections) > 0 {
				mode = models.StepsSectioned
			}
		}
		return &models.RepairData{
			Instructions:       n.Instructions,
			StepsMode:          mode,
			Steps:              n.Steps,
			Sections:           n.Sections,
			RecommendedTools:   n.Tools,
			RequireBeforePhoto: n.RequireBeforePhoto,
			RequireAfterPhoto:  n.RequireAfterPhoto,
		}, nil
	case models.NodeTypeEnd:
		return &models.EndData{
			Message:        n.Message,
			ClosureReasons: n.ClosureReasons,
			AllowFollowUp:  n.AllowFollowUp,
		}, nil
	}
	return nil, fmt.Errorf("unknown node type %q", n.Type)
}

func validateReading(r models.Reading) error {
	if r.ID == "" {
		return fmt.Errorf("reading id is required")
	}
	switch r.Operator {
	case models.OpLess, models.OpLessEqual, models.OpGreater, models.OpGreaterEqual:
		return nil
	case models.OpBetween:
		if r.Max == nil {
			return fmt.Errorf("reading %s: between needs max", r.ID)
		}
		if *r.Max < r.Value {
			return fmt.Errorf("reading %s: max %.2f is below value %.2f", r.ID, *r.Max, r.Value)
		}
		return nil
	}
	return fmt.Errorf("reading %s: unknown operator %q", r.ID, r.Operator)
}

// ParseFile parses one definition file
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadDir parses every .yaml/.yml file in dir, in name order
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
