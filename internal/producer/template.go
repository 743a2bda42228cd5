package producer

import (
	"context"
	"encoding/json"
	"strings"

	"missionline/internal/domain"
)

// Template produces deterministic artifacts without calling a model: the plan
// is a single echo tool call carrying the mission, and the analysis promotes
// the executed workflow to a named template.
type Template struct {
	Tool string
}

func (t Template) tool() string {
	if t.Tool != "" {
		return t.Tool
	}
	return "echo"
}

func (t Template) Plan(_ context.Context, mission string) ([]byte, error) {
	elementID := domain.ShortID("el-")
	wf := domain.Workflow{
		WorkflowID: domain.ShortID("wf-"),
		Type:       "execution",
		Elements: []domain.Element{{
			ID:          elementID,
			Name:        "record mission",
			Type:        domain.ElementTool,
			Instruction: mission,
			Metadata: map[string]any{
				"tool_name": t.tool(),
				"arguments": map[string]any{"mission": mission},
			},
		}},
		Dynamics: domain.Dynamics{
			Nodes:       []domain.Node{{ElementID: elementID}},
			Edges:       []domain.Edge{},
			StartNodeID: elementID,
		},
		Metadata: map[string]any{"producer": "template"},
	}
	return json.Marshal(wf)
}

func (t Template) Analyze(_ context.Context, in AnalysisInput) ([]byte, error) {
	failed := 0
	for _, s := range in.Result.Steps {
		if s.Status == domain.StepFailed {
			failed++
		}
	}
	name := strings.TrimSpace(in.Mission)
	if r := []rune(name); len(r) > 60 {
		name = string(r[:60])
	}
	if name == "" {
		name = "untitled mission"
	}
	eng := domain.EngineeredWorkflow{
		Workflow:             in.Workflow,
		EngineeredWorkflowID: domain.ShortID("eng-wf-"),
		Name:                 "Template: " + name,
		Description:          "Derived from execution " + in.Result.ResultID,
		Tags:                 []string{"template"},
	}
	if eng.Metadata == nil {
		eng.Metadata = map[string]any{}
	} else {
		meta := make(map[string]any, len(eng.Metadata)+2)
		for k, v := range eng.Metadata {
			meta[k] = v
		}
		eng.Metadata = meta
	}
	eng.Metadata["source_result_id"] = in.Result.ResultID
	eng.Metadata["failed_steps"] = failed
	return json.Marshal(eng)
}
