// Package interpreter executes workflows against the tool registry.
package interpreter

import (
	"context"
	"fmt"
	"log"
	"time"

	"missionline/internal/domain"
	"missionline/internal/tools"
)

// Executor runs one workflow and reports per-step results. Step failures are
// data in the result, never returned errors.
type Executor interface {
	Execute(ctx context.Context, wf domain.Workflow) domain.WorkflowExecutionResult
}

// Sequential walks elements in list order and ignores the dynamics graph.
// Only tool elements produce steps. The overall status is always completed,
// even when steps fail.
type Sequential struct {
	Tools  tools.Lookup
	Now    func() time.Time
	Logger *log.Logger
}

func (s Sequential) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Sequential) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s Sequential) Execute(ctx context.Context, wf domain.Workflow) domain.WorkflowExecutionResult {
	res := domain.WorkflowExecutionResult{
		ResultID:   domain.ShortID("res-"),
		WorkflowID: wf.WorkflowID,
		Status:     domain.StepRunning,
		Steps:      []domain.StepResult{},
		StartedAt:  domain.Timestamp(s.now()),
	}
	for _, el := range wf.Elements {
		if el.Type != domain.ElementTool {
			continue
		}
		name, args := el.ToolCall()
		if name == "" {
			s.logger().Printf("[interpreter] WARNING: tool element %s has no tool_name; skipping", el.ID)
			continue
		}
		res.Steps = append(res.Steps, s.runStep(ctx, el.ID, name, args))
	}
	res.Status = domain.StepCompleted
	res.EndedAt = domain.Timestamp(s.now())
	return res
}

func (s Sequential) runStep(ctx context.Context, elementID, name string, args map[string]any) domain.StepResult {
	step := domain.StepResult{
		ElementID: elementID,
		Status:    domain.StepRunning,
		StartedAt: domain.Timestamp(s.now()),
	}
	var (
		out map[string]any
		err error
	)
	if h, ok := s.Tools.Lookup(name); !ok {
		err = fmt.Errorf("tool '%s' not found in registry", name)
	} else {
		out, err = call(ctx, h, args)
	}
	step.EndedAt = domain.Timestamp(s.now())
	if err != nil {
		s.logger().Printf("[interpreter] step %s (%s) failed: %v", elementID, name, err)
		step.Status = domain.StepFailed
		step.Output = map[string]any{"error": err.Error()}
		return step
	}
	if out == nil {
		out = map[string]any{}
	}
	step.Status = domain.StepCompleted
	step.Output = out
	return step
}

func call(ctx context.Context, h tools.Handler, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}
