// Package producer defines the artifact producers the orchestrator delegates
// planning and analysis to. Producers return raw JSON; parsing and schema
// validation happen in the orchestrator.
package producer

import (
	"context"

	"missionline/internal/domain"
)

type Planner interface {
	Plan(ctx context.Context, mission string) ([]byte, error)
}

type AnalysisInput struct {
	Mission  string                         `json:"mission"`
	Workflow domain.Workflow                `json:"workflow"`
	Result   domain.WorkflowExecutionResult `json:"result"`
}

type Analyst interface {
	Analyze(ctx context.Context, in AnalysisInput) ([]byte, error)
}

type PlannerFunc func(ctx context.Context, mission string) ([]byte, error)

func (f PlannerFunc) Plan(ctx context.Context, mission string) ([]byte, error) { return f(ctx, mission) }

type AnalystFunc func(ctx context.Context, in AnalysisInput) ([]byte, error)

func (f AnalystFunc) Analyze(ctx context.Context, in AnalysisInput) ([]byte, error) { return f(ctx, in) }
