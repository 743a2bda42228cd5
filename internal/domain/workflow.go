package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Element types.
const (
	ElementAIAgent = "ai_agent"
	ElementTool    = "tool"
	ElementHuman   = "human"
)

// Step and result statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepCancelled = "cancelled"
)

type Element struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Type        string         `json:"type" enum:"ai_agent,tool,human"`
	Instruction string         `json:"instruction"`
	Metadata    map[string]any `json:"metadata"`
	Tags        []string       `json:"tags,omitempty"`
}

// ToolCall extracts tool_name and arguments from a tool element's metadata.
func (e Element) ToolCall() (name string, args map[string]any) {
	if v, ok := e.Metadata["tool_name"].(string); ok {
		name = strings.TrimSpace(v)
	}
	if v, ok := e.Metadata["arguments"].(map[string]any); ok {
		args = v
	}
	if args == nil {
		args = map[string]any{}
	}
	return name, args
}

type Node struct {
	ElementID string `json:"element_id"`
}

type Condition struct {
	TargetNodeID  string         `json:"target_node_id"`
	ConditionType string         `json:"condition_type"`
	Condition     map[string]any `json:"condition,omitempty"`
}

type Edge struct {
	SourceNodeID string      `json:"source_node_id"`
	Conditions   []Condition `json:"conditions"`
}

// Dynamics is the declared execution graph. The sequential interpreter does not consult it.
type Dynamics struct {
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
	StartNodeID string `json:"start_node_id,omitempty"`
}

type Workflow struct {
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type,omitempty"`
	Elements   []Element      `json:"elements"`
	Dynamics   Dynamics       `json:"dynamics"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks element types and that every graph reference names an existing node.
func (w Workflow) Validate() error {
	if strings.TrimSpace(w.WorkflowID) == "" {
		return Validationf("workflow_id required")
	}
	for i, el := range w.Elements {
		if strings.TrimSpace(el.ID) == "" {
			return Validationf("element %d: id required", i)
		}
		switch el.Type {
		case ElementAIAgent, ElementTool, ElementHuman:
		default:
			return Validationf("element %s: invalid type %q", el.ID, el.Type)
		}
	}
	nodes := make(map[string]bool, len(w.Dynamics.Nodes))
	for _, n := range w.Dynamics.Nodes {
		if n.ElementID == "" {
			return Validationf("dynamics node with empty element_id")
		}
		nodes[n.ElementID] = true
	}
	for _, e := range w.Dynamics.Edges {
		if !nodes[e.SourceNodeID] {
			return Validationf("edge source %q is not a node", e.SourceNodeID)
		}
		for _, c := range e.Conditions {
			if !nodes[c.TargetNodeID] {
				return Validationf("edge %s: condition target %q is not a node", e.SourceNodeID, c.TargetNodeID)
			}
		}
	}
	if w.Dynamics.StartNodeID != "" && !nodes[w.Dynamics.StartNodeID] {
		return Validationf("start_node_id %q is not a node", w.Dynamics.StartNodeID)
	}
	return nil
}

// AssignIDs fills missing workflow and element ids and empty collections.
func (w *Workflow) AssignIDs() {
	if w.WorkflowID == "" {
		w.WorkflowID = ShortID("wf-")
	}
	for i := range w.Elements {
		if w.Elements[i].ID == "" {
			w.Elements[i].ID = ShortID("el-")
		}
		if w.Elements[i].Metadata == nil {
			w.Elements[i].Metadata = map[string]any{}
		}
	}
	if w.Dynamics.Nodes == nil {
		w.Dynamics.Nodes = []Node{}
	}
	if w.Dynamics.Edges == nil {
		w.Dynamics.Edges = []Edge{}
	}
}

// ParseWorkflow decodes producer output into a validated Workflow.
func ParseWorkflow(data []byte) (Workflow, error) {
	var w Workflow
	if err := decodeArtifact(data, &w); err != nil {
		return Workflow{}, err
	}
	w.AssignIDs()
	if err := w.Validate(); err != nil {
		return Workflow{}, err
	}
	return w, nil
}

// EngineeredWorkflow is a named, reusable workflow template.
type EngineeredWorkflow struct {
	Workflow
	EngineeredWorkflowID string   `json:"engineered_workflow_id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
}

func (e EngineeredWorkflow) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return Validationf("engineered workflow name required")
	}
	return e.Workflow.Validate()
}

func ParseEngineeredWorkflow(data []byte) (EngineeredWorkflow, error) {
	var e EngineeredWorkflow
	if err := decodeArtifact(data, &e); err != nil {
		return EngineeredWorkflow{}, err
	}
	if e.EngineeredWorkflowID == "" {
		e.EngineeredWorkflowID = ShortID("eng-wf-")
	}
	e.Workflow.AssignIDs()
	if err := e.Validate(); err != nil {
		return EngineeredWorkflow{}, err
	}
	return e, nil
}

func decodeArtifact(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Validationf("artifact must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &Error{Kind: KindValidation, Msg: "malformed artifact", Err: err}
	}
	return nil
}

type StepResult struct {
	ElementID string         `json:"element_id"`
	Status    string         `json:"status" enum:"pending,running,completed,failed,cancelled"`
	Output    map[string]any `json:"output"`
	StartedAt string         `json:"started_at" format:"date-time"`
	EndedAt   string         `json:"ended_at,omitempty" format:"date-time"`
}

type WorkflowExecutionResult struct {
	ResultID   string       `json:"result_id"`
	WorkflowID string       `json:"workflow_id"`
	Status     string       `json:"status"`
	Steps      []StepResult `json:"steps"`
	StartedAt  string       `json:"started_at" format:"date-time"`
	EndedAt    string       `json:"ended_at,omitempty" format:"date-time"`
}
