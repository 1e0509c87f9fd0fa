package diagnostics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"fieldops/core/models"
)

var ErrEmptyWorkflow = errors.New("diagnostics: workflow has no nodes")

// Graph is one brand's nodes and edges, indexed for walking
type Graph struct {
	BrandID string
	Nodes   []models.DiagnosticNode
	Edges   []models.DiagnosticEdge

	byID     map[string]int
	outgoing map[string]map[models.EdgeCondition]string
	hash     string
}

// NewGraph indexes nodes and edges. It rejects duplicate node ids, edges to unknown nodes,
// untyped nodes and more than one outgoing edge per condition from the same node.
func NewGraph(brandID string, nodes []models.DiagnosticNode, edges []models.DiagnosticEdge) (*Graph, error) {
	g := &Graph{
		BrandID:  brandID,
		Nodes:    append([]models.DiagnosticNode(nil), nodes...),
		Edges:    append([]models.DiagnosticEdge(nil), edges...),
		byID:     make(map[string]int, len(nodes)),
		outgoing: make(map[string]map[models.EdgeCondition]string),
	}
	for i, n := range g.Nodes {
		if n.Type() == "" {
			return nil, fmt.Errorf("diagnostics: node %s has no payload", n.ID)
		}
		if _, dup := g.byID[n.ID]; dup {
			return nil, fmt.Errorf("diagnostics: duplicate node %s", n.ID)
		}
		g.byID[n.ID] = i
	}
	for _, e := range g.Edges {
		if _, ok := g.byID[e.FromNodeID]; !ok {
			return nil, fmt.Errorf("diagnostics: edge %s starts at unknown node %s", e.ID, e.FromNodeID)
		}
		if _, ok := g.byID[e.ToNodeID]; !ok {
			return nil, fmt.Errorf("diagnostics: edge %s points to unknown node %s", e.ID, e.ToNodeID)
		}
		out := g.outgoing[e.FromNodeID]
		if out == nil {
			out = make(map[models.EdgeCondition]string)
			g.outgoing[e.FromNodeID] = out
		}
		if _, dup := out[e.Condition]; dup {
			return nil, fmt.Errorf("diagnostics: node %s has more than one %s edge", e.FromNodeID, e.Condition)
		}
		out[e.Condition] = e.ToNodeID
	}
	g.hash = VersionHash(g.Nodes, g.Edges)
	return g, nil
}

// Hash returns the content hash of the graph.
func (g *Graph) Hash() string { return g.hash }

// Node looks up a node by id.
func (g *Graph) Node(id string) (models.DiagnosticNode, bool) {
	i, ok := g.byID[id]
	if !ok {
		return models.DiagnosticNode{}, false
	}
	return g.Nodes[i], true
}

// First returns the entry node: the lowest sort order among nodes without incoming edges,
// or the lowest sort order overall when every node has one.
func (g *Graph) First() (models.DiagnosticNode, error) {
	if len(g.Nodes) == 0 {
		return models.DiagnosticNode{}, ErrEmptyWorkflow
	}
	incoming := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		incoming[e.ToNodeID] = true
	}
	var roots []models.DiagnosticNode
	for _, n := range g.Nodes {
		if !incoming[n.ID] {
			roots = append(roots, n)
		}
	}
	if len(roots) == 0 {
		roots = append(roots, g.Nodes...)
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].SortOrder != roots[j].SortOrder {
			return roots[i].SortOrder < roots[j].SortOrder
		}
		return roots[i].ID < roots[j].ID
	})
	return roots[0], nil
}

// Next follows the edge leaving from whose condition matches. Repair nodes only follow next edges.
func (g *Graph) Next(from models.DiagnosticNode, cond models.EdgeCondition) (models.DiagnosticNode, bool) {
	if from.Type() == models.NodeTypeRepair && cond != models.EdgeNext {
		return models.DiagnosticNode{}, false
	}
	to, ok := g.outgoing[from.ID][cond]
	if !ok {
		return models.DiagnosticNode{}, false
	}
	return g.Node(to)
}

// VersionHash is a sha256 over the canonical JSON of the nodes and edges, ordered by id.
func VersionHash(nodes []models.DiagnosticNode, edges []models.DiagnosticEdge) string {
	ns := append([]models.DiagnosticNode(nil), nodes...)
	es := append([]models.DiagnosticEdge(nil), edges...)
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })

	b, err := json.Marshal(struct {
		Nodes []models.DiagnosticNode `json:"nodes"`
		Edges []models.DiagnosticEdge `json:"edges"`
	}{ns, es})
	if err != nil {
		// Node payloads are plain structs; marshal cannot fail for well-formed graphs.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
