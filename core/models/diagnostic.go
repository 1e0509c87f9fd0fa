package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DiagnosticWorkflow groups brand-specific diagnostic graphs
type DiagnosticWorkflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BrandStatus is the publication state of a workflow brand
type BrandStatus string

const (
	BrandStatusDraft     BrandStatus = "draft"
	BrandStatusPublished BrandStatus = "published"
)

// WorkflowBrand is one equipment brand's graph inside a workflow. Only published brands are selectable.
type WorkflowBrand struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	Name       string      `json:"name"`
	Status     BrandStatus `json:"status"`
	Version    int         `json:"version"`
}

// NodeType discriminates DiagnosticNode payloads
type NodeType string

const (
	NodeTypeCheck  NodeType = "check"
	NodeTypeRepair NodeType = "repair"
	NodeTypeEnd    NodeType = "end"
)

// NodeData is the type-specific payload of a node. Implemented by *CheckData, *RepairData and *EndData only.
type NodeData interface {
	nodeType() NodeType
}

// DiagnosticNode is one step in a brand graph
type DiagnosticNode struct {
	ID        string
	BrandID   string
	Title     string
	SortOrder int
	Data      NodeData
}

// Type returns the node type implied by its payload.
func (n DiagnosticNode) Type() NodeType {
	if n.Data == nil {
		return ""
	}
	return n.Data.nodeType()
}

// Check returns the check payload, or nil for other node types.
func (n DiagnosticNode) Check() *CheckData {
	d, _ := n.Data.(*CheckData)
	return d
}

// Repair returns the repair payload, or nil for other node types.
func (n DiagnosticNode) Repair() *RepairData {
	d, _ := n.Data.(*RepairData)
	return d
}

// End returns the end payload, or nil for other node types.
func (n DiagnosticNode) End() *EndData {
	d, _ := n.Data.(*EndData)
	return d
}

type nodeWire struct {
	ID        string          `json:"id"`
	BrandID   string          `json:"brand_id"`
	Title     string          `json:"title,omitempty"`
	SortOrder int             `json:"sort_order"`
	NodeType  NodeType        `json:"node_type"`
	Data      json.RawMessage `json:"data"`
}

func (n DiagnosticNode) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeWire{
		ID:        n.ID,
		BrandID:   n.BrandID,
		Title:     n.Title,
		SortOrder: n.SortOrder,
		NodeType:  n.Type(),
		Data:      data,
	})
}

func (n *DiagnosticNode) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeNodeData(w.NodeType, w.Data)
	if err != nil {
		return fmt.Errorf("node %s: %w", w.ID, err)
	}
	*n = DiagnosticNode{ID: w.ID, BrandID: w.BrandID, Title: w.Title, SortOrder: w.SortOrder, Data: data}
	return nil
}

// DecodeNodeData decodes a raw payload into the variant selected by nodeType.
func DecodeNodeData(nodeType NodeType, raw []byte) (NodeData, error) {
	var data NodeData
	switch nodeType {
	case NodeTypeCheck:
		data = &CheckData{}
	case NodeTypeRepair:
		data = &RepairData{}
	case NodeTypeEnd:
		data = &EndData{}
	default:
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Operator compares a numeric reading to its threshold
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpBetween      Operator = "between"
)

// RollupLogic combines per-reading results into one step outcome
type RollupLogic string

const (
	RollupAllGood RollupLogic = "all_good"
	RollupAnyBad  RollupLogic = "any_bad"
	RollupAllBad  RollupLogic = "all_bad"
	RollupAnyGood RollupLogic = "any_good"
	RollupCustom  RollupLogic = "custom"
)

// Reading is one measured value a check node asks for
type Reading struct {
	ID       string   `json:"id" yaml:"id"`
	Label    string   `json:"label" yaml:"label"`
	Unit     string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    float64  `json:"value" yaml:"value"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"` // Upper bound for between
}

// CheckData is the payload of a check node
type CheckData struct {
	Instructions     string      `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Readings         []Reading   `json:"readings,omitempty" yaml:"readings,omitempty"`
	RollupLogic      RollupLogic `json:"rollup_logic,omitempty" yaml:"rollup_logic,omitempty"`
	RollupExpression string      `json:"rollup_expression,omitempty" yaml:"rollup_expression,omitempty"`
	GoodExplanation  string      `json:"good_explanation,omitempty" yaml:"good_explanation,omitempty"`
	BadExplanation   string      `json:"bad_explanation,omitempty" yaml:"bad_explanation,omitempty"`
}

func (*CheckData) nodeType() NodeType { return NodeTypeCheck }

// StepsMode selects how repair steps are presented
type StepsMode string

const (
	StepsList      StepsMode = "list"
	StepsCheckbox  StepsMode = "checkbox"
	StepsGuided    StepsMode = "guided"
	StepsSectioned StepsMode = "sectioned"
)

// RepairSection groups repair steps under a heading
type RepairSection struct {
	Title string   `json:"title" yaml:"title"`
	Steps []string `json:"steps" yaml:"steps"`
}

// RepairData is the payload of a repair node
type RepairData struct {
	Instructions       string          `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	StepsMode          StepsMode       `json:"steps_mode,omitempty" yaml:"steps_mode,omitempty"`
	Steps              []string        `json:"steps,omitempty" yaml:"steps,omitempty"`
	Sections           []RepairSection `json:"sections,omitempty" yaml:"sections,omitempty"`
	RecommendedTools   []string        `json:"recommended_tools,omitempty" yaml:"recommended_tools,omitempty"`
	RequireBeforePhoto bool            `json:"require_before_photo,omitempty" yaml:"require_before_photo,omitempty"`
	RequireAfterPhoto  bool            `json:"require_after_photo,omitempty" yaml:"require_after_photo,omitempty"`
}

func (*RepairData) nodeType() NodeType { return NodeTypeRepair }

// EndData is the payload of an end node
type EndData struct {
	Message        string   `json:"message,omitempty" yaml:"message,omitempty"`
	ClosureReasons []string `json:"closure_reasons,omitempty" yaml:"closure_reasons,omitempty"`
	AllowFollowUp  bool     `json:"allow_follow_up,omitempty" yaml:"allow_follow_up,omitempty"`
}

func (*EndData) nodeType() NodeType { return NodeTypeEnd }

// EdgeCondition selects which outgoing edge to follow
type EdgeCondition string

const (
	EdgeGood EdgeCondition = "good"
	EdgeBad  EdgeCondition = "bad"
	EdgeNext EdgeCondition = "next"
)

// DiagnosticEdge is a conditional transition between two nodes
type DiagnosticEdge struct {
	ID         string        `json:"id"`
	BrandID    string        `json:"brand_id"`
	FromNodeID string        `json:"from_node_id"`
	ToNodeID   string        `json:"to_node_id"`
	Condition  EdgeCondition `json:"condition"`
}

// RunStatus is the state of a workflow run
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
)

// WorkflowRun is one execution of a brand graph against a job
type WorkflowRun struct {
	ID                  string     `json:"id"`
	JobID               string     `json:"job_id"`
	WorkflowID          string     `json:"workflow_id"`
	BrandID             string     `json:"brand_id"`
	WorkflowVersionHash string     `json:"workflow_version_hash"`
	Status              RunStatus  `json:"status"`
	CurrentNodeID       string     `json:"current_node_id"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// RunUpdate carries the mutable fields of a workflow run
type RunUpdate struct {
	CurrentNodeID *string    `json:"current_node_id,omitempty"`
	Status        *RunStatus `json:"status,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RunEventType names an audit entry of a workflow run
type RunEventType string

const (
	RunEventWorkflowStarted   RunEventType = "workflow_started"
	RunEventStepStarted       RunEventType = "step_started"
	RunEventReadingsRecorded  RunEventType = "readings_recorded"
	RunEventStepCompleted     RunEventType = "step_completed"
	RunEventPhotoAdded        RunEventType = "photo_added"
	RunEventPartAdded         RunEventType = "part_added"
	RunEventNonInventoryPart  RunEventType = "non_inventory_part"
	RunEventRepairStarted     RunEventType = "repair_started"
	RunEventRepairCompleted   RunEventType = "repair_completed"
	RunEventWorkflowCompleted RunEventType = "workflow_completed"
)

// RunEvent is an immutable audit entry of a workflow run
type RunEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	EventType RunEventType   `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
