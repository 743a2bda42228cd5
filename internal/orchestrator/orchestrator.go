// Package orchestrator advances a casefile through plan, execute and analyze.
//
// Advance performs at most one transition per call. Callers re-invoke it to
// make further progress. The stage is derived from the casefile contents each
// time; there is no stored state field.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"missionline/internal/casefile"
	"missionline/internal/domain"
	"missionline/internal/interpreter"
	"missionline/internal/producer"
)

type Stage int

const (
	StageIdle Stage = iota
	StageNeedsPlan
	StageNeedsExecution
	StageNeedsAnalysis
)

func (s Stage) String() string {
	switch s {
	case StageNeedsPlan:
		return "needs_plan"
	case StageNeedsExecution:
		return "needs_execution"
	case StageNeedsAnalysis:
		return "needs_analysis"
	default:
		return "idle"
	}
}

// Derive picks the next stage from one snapshot. Only index 0 of workflows and
// execution_results matters; later entries never trigger a stage.
func Derive(cf domain.Casefile) Stage {
	switch {
	case strings.TrimSpace(cf.Description) != "" && len(cf.Workflows) == 0:
		return StageNeedsPlan
	case len(cf.Workflows) > 0 && len(cf.ExecutionResults) == 0:
		return StageNeedsExecution
	case len(cf.ExecutionResults) > 0 && len(cf.EngineeredWorkflows) == 0:
		return StageNeedsAnalysis
	default:
		return StageIdle
	}
}

// Outcome reports what one Advance call did. An idle outcome is not an error.
type Outcome struct {
	CasefileID string        `json:"casefile_id"`
	Stage      string        `json:"stage"`
	Status     domain.Status `json:"status"`
	Message    string        `json:"message"`
	ArtifactID string        `json:"artifact_id,omitempty"`
}

// Store is the part of the casefile store the orchestrator needs.
type Store interface {
	Load(ctx context.Context, id string) (domain.Casefile, error)
	Save(ctx context.Context, cf domain.Casefile) error
}

var _ Store = casefile.Store{}

type Orchestrator struct {
	store    Store
	planner  producer.Planner
	analyst  producer.Analyst
	executor interpreter.Executor

	logger          *log.Logger
	producerTimeout time.Duration
	serialize       bool
	locks           *keyedMutex
}

type Option func(*Orchestrator)

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProducerTimeout bounds each planner and analyst call.
func WithProducerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.producerTimeout = d }
}

// WithSerialization makes concurrent Advance calls on the same casefile id run
// one after another inside this process. Without it two callers can observe
// the same stage and both append an artifact.
func WithSerialization(on bool) Option {
	return func(o *Orchestrator) { o.serialize = on }
}

func New(store Store, planner producer.Planner, analyst producer.Analyst, executor interpreter.Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		planner:  planner,
		analyst:  analyst,
		executor: executor,
		logger:   log.Default(),
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Advance runs the single next stage for the casefile and persists its artifact.
// Producer failures and malformed artifacts leave the casefile unchanged.
func (o *Orchestrator) Advance(ctx context.Context, casefileID string) (Outcome, error) {
	if o.serialize {
		unlock := o.locks.lock(casefileID)
		defer unlock()
	}
	cf, err := o.store.Load(ctx, casefileID)
	if err != nil {
		return Outcome{}, err
	}
	stage := Derive(cf)
	out := Outcome{CasefileID: cf.ID, Stage: stage.String()}

	switch stage {
	case StageNeedsPlan:
		wf, err := o.plan(ctx, cf.Description)
		if err != nil {
			return out, err
		}
		cf.Workflows = append(cf.Workflows, wf)
		out.ArtifactID = wf.WorkflowID
		out.Message = fmt.Sprintf("Plan created for casefile %s. Ready for execution.", cf.ID)
	case StageNeedsExecution:
		wf := cf.Workflows[0]
		res := o.executor.Execute(ctx, wf)
		// Tool steps may write to this casefile, so append to a fresh copy.
		cf, err = o.store.Load(ctx, casefileID)
		if err != nil {
			return out, err
		}
		cf.ExecutionResults = append(cf.ExecutionResults, res)
		out.ArtifactID = res.ResultID
		out.Message = fmt.Sprintf("Workflow %s executed for casefile %s (%d steps).", wf.WorkflowID, cf.ID, len(res.Steps))
	case StageNeedsAnalysis:
		// Results can be attached through Update without any workflow.
		var wf domain.Workflow
		if len(cf.Workflows) > 0 {
			wf = cf.Workflows[0]
		}
		eng, err := o.analyze(ctx, producer.AnalysisInput{
			Mission:  cf.Description,
			Workflow: wf,
			Result:   cf.ExecutionResults[0],
		})
		if err != nil {
			return out, err
		}
		cf.EngineeredWorkflows = append(cf.EngineeredWorkflows, eng)
		out.ArtifactID = eng.EngineeredWorkflowID
		out.Message = fmt.Sprintf("Analysis complete for casefile %s. Engineered workflow %q created.", cf.ID, eng.Name)
	default:
		out.Status = cf.Status()
		out.Message = "No immediate action required."
		return out, nil
	}

	if err := o.store.Save(ctx, cf); err != nil {
		return out, err
	}
	out.Status = cf.Status()
	o.logger.Printf("[orchestrator] %s %s -> %s", cf.ID, stage, out.Status)
	return out, nil
}

// AdvanceUntilIdle calls Advance until the casefile is idle or max steps ran.
func (o *Orchestrator) AdvanceUntilIdle(ctx context.Context, casefileID string, max int) ([]Outcome, error) {
	var outs []Outcome
	for i := 0; i < max; i++ {
		out, err := o.Advance(ctx, casefileID)
		if err != nil {
			return outs, err
		}
		outs = append(outs, out)
		if out.Stage == StageIdle.String() {
			break
		}
	}
	return outs, nil
}

func (o *Orchestrator) producerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.producerTimeout > 0 {
		return context.WithTimeout(ctx, o.producerTimeout)
	}
	return ctx, func() {}
}

func (o *Orchestrator) plan(ctx context.Context, mission string) (domain.Workflow, error) {
	pctx, cancel := o.producerContext(ctx)
	defer cancel()
	raw, err := o.planner.Plan(pctx, mission)
	if err != nil {
		return domain.Workflow{}, producerFailure(pctx, "plan", err)
	}
	return domain.ParseWorkflow(raw)
}

func (o *Orchestrator) analyze(ctx context.Context, in producer.AnalysisInput) (domain.EngineeredWorkflow, error) {
	pctx, cancel := o.producerContext(ctx)
	defer cancel()
	raw, err := o.analyst.Analyze(pctx, in)
	if err != nil {
		return domain.EngineeredWorkflow{}, producerFailure(pctx, "analysis", err)
	}
	return domain.ParseEngineeredWorkflow(raw)
}

// producerFailure reports producer errors as execution failures, keeping
// validation errors a producer may return for bad input.
func producerFailure(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		return &domain.Error{Kind: domain.KindExecution, Op: stage + " producer", Msg: "timed out", Err: err}
	}
	switch domain.KindOf(err) {
	case domain.KindExecution, domain.KindValidation:
		return err
	}
	return &domain.Error{Kind: domain.KindExecution, Op: stage + " producer", Err: err}
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
