package interpreter

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"missionline/internal/domain"
	"missionline/internal/tools"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(log.New(io.Discard, "", 0))
	reg.MustRegister("ok", "", func(_ context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"echo": args["v"]}, nil
	})
	reg.MustRegister("boom", "", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("tool exploded")
	})
	reg.MustRegister("panics", "", func(context.Context, map[string]any) (map[string]any, error) {
		panic("bad tool")
	})
	return reg
}

func toolElement(id, tool string, args map[string]any) domain.Element {
	meta := map[string]any{"tool_name": tool}
	if args != nil {
		meta["arguments"] = args
	}
	return domain.Element{ID: id, Type: domain.ElementTool, Metadata: meta}
}

func fixedClock() func() time.Time {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

// Current contract: failed steps do not change the overall status.
func TestFailedStepStillCompletesWorkflow(t *testing.T) {
	exec := Sequential{Tools: newRegistry(t), Now: fixedClock(), Logger: log.New(io.Discard, "", 0)}
	wf := domain.Workflow{
		WorkflowID: "wf-1",
		Elements: []domain.Element{
			toolElement("a", "ok", map[string]any{"v": "x"}),
			toolElement("b", "boom", nil),
		},
	}
	res := exec.Execute(context.Background(), wf)
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(res.Steps))
	}
	if res.Steps[0].Status != domain.StepCompleted || res.Steps[0].Output["echo"] != "x" {
		t.Fatalf("first step %+v", res.Steps[0])
	}
	if res.Steps[1].Status != domain.StepFailed || res.Steps[1].Output["error"] != "tool exploded" {
		t.Fatalf("second step %+v", res.Steps[1])
	}
	if res.Status != domain.StepCompleted {
		t.Fatalf("overall status %s, want completed", res.Status)
	}
	if res.WorkflowID != "wf-1" || res.ResultID == "" || res.StartedAt == "" || res.EndedAt == "" {
		t.Fatalf("result envelope %+v", res)
	}
	if !(res.Steps[0].StartedAt < res.Steps[0].EndedAt) {
		t.Fatalf("step timestamps do not bracket the call: %+v", res.Steps[0])
	}
}

func TestOnlyToolElementsProduceSteps(t *testing.T) {
	exec := Sequential{Tools: newRegistry(t), Logger: log.New(io.Discard, "", 0)}
	wf := domain.Workflow{
		WorkflowID: "wf-2",
		Elements: []domain.Element{
			{ID: "agent", Type: domain.ElementAIAgent, Instruction: "think"},
			toolElement("missing", "nope", nil),
			{ID: "person", Type: domain.ElementHuman, Instruction: "approve"},
			{ID: "unnamed", Type: domain.ElementTool, Metadata: map[string]any{}},
			toolElement("panic", "panics", nil),
			toolElement("last", "ok", nil),
		},
	}
	res := exec.Execute(context.Background(), wf)
	var ids []string
	for _, s := range res.Steps {
		ids = append(ids, s.ElementID)
	}
	if len(ids) != 3 || ids[0] != "missing" || ids[1] != "panic" || ids[2] != "last" {
		t.Fatalf("unexpected steps %v", ids)
	}
	if res.Steps[0].Status != domain.StepFailed || res.Steps[0].Output["error"] != "tool 'nope' not found in registry" {
		t.Fatalf("missing tool step %+v", res.Steps[0])
	}
	if res.Steps[1].Status != domain.StepFailed {
		t.Fatalf("panicking tool step %+v", res.Steps[1])
	}
	if res.Steps[2].Status != domain.StepCompleted {
		t.Fatalf("execution should continue after failures: %+v", res.Steps[2])
	}
}

// The dynamics graph is declared but not consulted: elements run in list order.
func TestDynamicsGraphIsIgnored(t *testing.T) {
	exec := Sequential{Tools: newRegistry(t), Logger: log.New(io.Discard, "", 0)}
	wf := domain.Workflow{
		WorkflowID: "wf-3",
		Elements:   []domain.Element{toolElement("first", "ok", nil), toolElement("second", "ok", nil)},
		Dynamics: domain.Dynamics{
			Nodes:       []domain.Node{{ElementID: "first"}, {ElementID: "second"}},
			Edges:       []domain.Edge{{SourceNodeID: "second", Conditions: []domain.Condition{{TargetNodeID: "first"}}}},
			StartNodeID: "second",
		},
	}
	res := exec.Execute(context.Background(), wf)
	if len(res.Steps) != 2 || res.Steps[0].ElementID != "first" {
		t.Fatalf("expected list order, got %+v", res.Steps)
	}
}
