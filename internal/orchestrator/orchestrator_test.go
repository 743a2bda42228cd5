package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"missionline/internal/casefile"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/interpreter"
	"missionline/internal/migrate"
	"missionline/internal/orchestrator"
	"missionline/internal/producer"
	"missionline/internal/repo"
	"missionline/internal/tools"
)

type testEnv struct {
	Store    casefile.Store
	Executor interpreter.Sequential
	Ctx      context.Context
	Logger   *log.Logger
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	store := casefile.NewSQL(repo.Repo{DB: conn})
	store.Logger = quiet
	reg := tools.NewRegistry(quiet)
	if err := tools.RegisterBuiltins(reg, nil); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := tools.RegisterCasefileTools(reg, store); err != nil {
		t.Fatalf("casefile tools: %v", err)
	}
	return testEnv{
		Store:    store,
		Executor: interpreter.Sequential{Tools: reg, Logger: quiet},
		Ctx:      context.Background(),
		Logger:   quiet,
	}
}

func (env testEnv) orchestrator(p producer.Planner, a producer.Analyst, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	opts = append([]orchestrator.Option{orchestrator.WithLogger(env.Logger)}, opts...)
	return orchestrator.New(env.Store, p, a, env.Executor, opts...)
}

func (env testEnv) mission(t *testing.T) string {
	t.Helper()
	id, err := env.Store.Create(env.Ctx, casefile.CreateOptions{Name: "Mission A", Description: "analyze X", UserID: "user_1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func TestDerive(t *testing.T) {
	wf := []domain.Workflow{{WorkflowID: "wf"}}
	res := []domain.WorkflowExecutionResult{{ResultID: "res"}}
	eng := []domain.EngineeredWorkflow{{Name: "e"}}
	cases := []struct {
		cf   domain.Casefile
		want orchestrator.Stage
	}{
		{domain.Casefile{}, orchestrator.StageIdle},
		{domain.Casefile{Description: "  "}, orchestrator.StageIdle},
		{domain.Casefile{Description: "m"}, orchestrator.StageNeedsPlan},
		{domain.Casefile{Description: "m", Workflows: wf}, orchestrator.StageNeedsExecution},
		{domain.Casefile{Workflows: wf}, orchestrator.StageNeedsExecution},
		{domain.Casefile{Workflows: wf, ExecutionResults: res}, orchestrator.StageNeedsAnalysis},
		{domain.Casefile{ExecutionResults: res}, orchestrator.StageNeedsAnalysis},
		{domain.Casefile{Workflows: wf, ExecutionResults: res, EngineeredWorkflows: eng}, orchestrator.StageIdle},
	}
	for i, c := range cases {
		if got := orchestrator.Derive(c.cf); got != c.want {
			t.Fatalf("case %d: got %s want %s", i, got, c.want)
		}
	}
}

func TestEndToEndMission(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	cf, _ := env.Store.Load(env.Ctx, id)
	if cf.ACL["user_1"] != domain.RoleAdmin || len(cf.ACL) != 1 || cf.Status() != domain.StatusMissionDefined {
		t.Fatalf("initial casefile %+v", cf)
	}
	o := env.orchestrator(producer.Template{}, producer.Template{})

	want := []struct {
		stage  string
		status domain.Status
		counts [3]int
	}{
		{"needs_plan", domain.StatusPlanningComplete, [3]int{1, 0, 0}},
		{"needs_execution", domain.StatusExecutionDone, [3]int{1, 1, 0}},
		{"needs_analysis", domain.StatusAnalysisComplete, [3]int{1, 1, 1}},
		{"idle", domain.StatusAnalysisComplete, [3]int{1, 1, 1}},
	}
	for i, w := range want {
		before, _ := env.Store.Load(env.Ctx, id)
		out, err := o.Advance(env.Ctx, id)
		if err != nil {
			t.Fatalf("invocation %d: %v", i+1, err)
		}
		cf, _ := env.Store.Load(env.Ctx, id)
		got := [3]int{len(cf.Workflows), len(cf.ExecutionResults), len(cf.EngineeredWorkflows)}
		if out.Stage != w.stage || cf.Status() != w.status || got != w.counts {
			t.Fatalf("invocation %d: stage %s status %s counts %v", i+1, out.Stage, cf.Status(), got)
		}
		if w.stage == "idle" && (out.Message != "No immediate action required." || cf.ModifiedAt != before.ModifiedAt) {
			t.Fatalf("idle invocation should not write: %+v", out)
		}
	}
	if cf, _ := env.Store.Load(env.Ctx, id); cf.ExecutionResults[0].WorkflowID != cf.Workflows[0].WorkflowID {
		t.Fatalf("execution result should belong to workflows[0]")
	}
	if cf, _ := env.Store.Load(env.Ctx, id); cf.ExecutionResults[0].Steps[0].Status != domain.StepCompleted {
		t.Fatalf("template plan should run the echo tool: %+v", cf.ExecutionResults[0])
	}
}

func TestAnalyzeResultWithoutWorkflow(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.Store.Create(env.Ctx, casefile.CreateOptions{Name: "Imported", UserID: "user_1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	results := []any{map[string]any{"result_id": "res-imported", "workflow_id": "wf-elsewhere", "status": "completed", "steps": []any{}}}
	if _, _, err := env.Store.Update(env.Ctx, id, "user_1", map[string]any{"execution_results": results}); err != nil {
		t.Fatalf("seed results: %v", err)
	}
	out, err := env.orchestrator(producer.Template{}, producer.Template{}).Advance(env.Ctx, id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Stage != "needs_analysis" {
		t.Fatalf("stage %s", out.Stage)
	}
	cf, _ := env.Store.Load(env.Ctx, id)
	if len(cf.Workflows) != 0 || len(cf.EngineeredWorkflows) != 1 {
		t.Fatalf("unexpected artifacts: %d workflows %d engineered", len(cf.Workflows), len(cf.EngineeredWorkflows))
	}
	if cf.EngineeredWorkflows[0].Name != "Template: untitled mission" || cf.EngineeredWorkflows[0].WorkflowID == "" {
		t.Fatalf("engineered workflow %+v", cf.EngineeredWorkflows[0])
	}
}

func TestToolEventsSurviveExecution(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	planner := producer.PlannerFunc(func(context.Context, string) ([]byte, error) {
		return json.Marshal(map[string]any{
			"workflow_id": "wf-log",
			"elements": []any{map[string]any{
				"id":   "el-log",
				"type": "tool",
				"metadata": map[string]any{
					"tool_name": "log_event",
					"arguments": map[string]any{"casefile_id": id, "content": "step ran"},
				},
			}},
			"dynamics": map[string]any{"nodes": []any{map[string]any{"element_id": "el-log"}}, "edges": []any{}},
		})
	})
	o := env.orchestrator(planner, producer.Template{})
	for i := 0; i < 2; i++ {
		if _, err := o.Advance(env.Ctx, id); err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
	}
	cf, _ := env.Store.Load(env.Ctx, id)
	if len(cf.ExecutionResults) != 1 || cf.ExecutionResults[0].Steps[0].Status != domain.StepCompleted {
		t.Fatalf("execution results %+v", cf.ExecutionResults)
	}
	if len(cf.EventLog) != 1 || cf.EventLog[0].Content != "step ran" || cf.EventLog[0].Source != domain.SourceExecutorAgent {
		t.Fatalf("event written by the tool step was lost: %+v", cf.EventLog)
	}
}

func TestPlanMessage(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	out, err := env.orchestrator(producer.Template{}, producer.Template{}).Advance(env.Ctx, id)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Message != "Plan created for casefile "+id+". Ready for execution." {
		t.Fatalf("message %q", out.Message)
	}
}

func TestMalformedPlanLeavesCasefileUnchanged(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	before, _ := env.Store.Load(env.Ctx, id)
	bad := []string{`not json`, `{"elements":[{"id":"a","type":"tool"}],"dynamics":{"nodes":[],"start_node_id":"a"}}`}
	for _, raw := range bad {
		raw := raw
		planner := producer.PlannerFunc(func(context.Context, string) ([]byte, error) { return []byte(raw), nil })
		_, err := env.orchestrator(planner, producer.Template{}).Advance(env.Ctx, id)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", raw, err)
		}
	}
	after, _ := env.Store.Load(env.Ctx, id)
	if len(after.Workflows) != 0 || after.ModifiedAt != before.ModifiedAt {
		t.Fatalf("casefile changed: %+v", after)
	}
}

func TestProducerTimeoutIsExecutionFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	planner := producer.PlannerFunc(func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := env.orchestrator(planner, producer.Template{}, orchestrator.WithProducerTimeout(20*time.Millisecond))
	_, err := o.Advance(env.Ctx, id)
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	cf, _ := env.Store.Load(env.Ctx, id)
	if len(cf.Workflows) != 0 {
		t.Fatalf("casefile changed after timeout")
	}

	analystErr := producer.AnalystFunc(func(context.Context, producer.AnalysisInput) ([]byte, error) {
		return nil, errors.New("model offline")
	})
	o = env.orchestrator(producer.Template{}, analystErr)
	for i := 0; i < 2; i++ {
		if _, err := o.Advance(env.Ctx, id); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if _, err := o.Advance(env.Ctx, id); !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected analysis execution failure, got %v", err)
	}
	cf, _ = env.Store.Load(env.Ctx, id)
	if len(cf.EngineeredWorkflows) != 0 || cf.Status() != domain.StatusExecutionDone {
		t.Fatalf("casefile changed after analysis failure: %s", cf.Status())
	}
}

type recordingExecutor struct {
	seen []string
}

func (r *recordingExecutor) Execute(_ context.Context, wf domain.Workflow) domain.WorkflowExecutionResult {
	r.seen = append(r.seen, wf.WorkflowID)
	return domain.WorkflowExecutionResult{ResultID: "res-" + wf.WorkflowID, WorkflowID: wf.WorkflowID, Status: domain.StepCompleted, Steps: []domain.StepResult{}}
}

func TestOnlyFirstEntriesAreConsulted(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	extra := []any{
		map[string]any{"workflow_id": "wf-first", "elements": []any{}, "dynamics": map[string]any{"nodes": []any{}}},
		map[string]any{"workflow_id": "wf-second", "elements": []any{}, "dynamics": map[string]any{"nodes": []any{}}},
	}
	if _, _, err := env.Store.Update(env.Ctx, id, "user_1", map[string]any{"workflows": extra}); err != nil {
		t.Fatalf("seed workflows: %v", err)
	}
	rec := &recordingExecutor{}
	var analysed string
	analyst := producer.AnalystFunc(func(ctx context.Context, in producer.AnalysisInput) ([]byte, error) {
		analysed = in.Workflow.WorkflowID + "/" + in.Result.ResultID
		return producer.Template{}.Analyze(ctx, in)
	})
	o := orchestrator.New(env.Store, producer.Template{}, analyst, rec, orchestrator.WithLogger(env.Logger))
	for i := 0; i < 3; i++ {
		if _, err := o.Advance(env.Ctx, id); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if len(rec.seen) != 1 || rec.seen[0] != "wf-first" {
		t.Fatalf("executor saw %v", rec.seen)
	}
	if analysed != "wf-first/res-wf-first" {
		t.Fatalf("analysis input %q", analysed)
	}
}

// Without serialization two callers can both run the same stage.
func TestConcurrentAdvanceRunsStageTwice(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)

	var calls int32
	arrived := make(chan struct{}, 2)
	proceed := make(chan struct{})
	planner := producer.PlannerFunc(func(ctx context.Context, mission string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		arrived <- struct{}{}
		<-proceed
		return producer.Template{}.Plan(ctx, mission)
	})
	o := env.orchestrator(planner, producer.Template{})

	var wg sync.WaitGroup
	outs := make([]orchestrator.Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = o.Advance(env.Ctx, id)
		}(i)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("planner call %d never arrived", i+1)
		}
	}
	close(proceed)
	wg.Wait()

	if calls != 2 {
		t.Fatalf("expected the plan stage to run twice, got %d", calls)
	}
	for i := range outs {
		if errs[i] != nil || outs[i].Stage != "needs_plan" {
			t.Fatalf("caller %d: %+v %v", i, outs[i], errs[i])
		}
	}
	if outs[0].ArtifactID == outs[1].ArtifactID {
		t.Fatalf("expected two distinct plans")
	}
	cf, _ := env.Store.Load(env.Ctx, id)
	if len(cf.Workflows) != 1 {
		t.Fatalf("whole-document writes keep only the last plan, got %d", len(cf.Workflows))
	}
}

func TestSerializedAdvanceRunsEachStageOnce(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)

	var calls int32
	planner := producer.PlannerFunc(func(ctx context.Context, mission string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return producer.Template{}.Plan(ctx, mission)
	})
	o := env.orchestrator(planner, producer.Template{}, orchestrator.WithSerialization(true))

	var wg sync.WaitGroup
	stages := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := o.Advance(env.Ctx, id)
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			stages <- out.Stage
		}()
	}
	wg.Wait()
	close(stages)

	seen := map[string]int{}
	for s := range stages {
		seen[s]++
	}
	if calls != 1 || seen["needs_plan"] != 1 || seen["needs_execution"] != 1 {
		t.Fatalf("calls=%d stages=%v", calls, seen)
	}
	cf, _ := env.Store.Load(env.Ctx, id)
	if len(cf.Workflows) != 1 || len(cf.ExecutionResults) != 1 {
		t.Fatalf("unexpected artifacts: %d workflows %d results", len(cf.Workflows), len(cf.ExecutionResults))
	}
}

func TestAdvanceMissingCasefile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orchestrator(producer.Template{}, producer.Template{}).Advance(env.Ctx, "case-missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdvanceUntilIdle(t *testing.T) {
	env := newTestEnv(t)
	id := env.mission(t)
	outs, err := env.orchestrator(producer.Template{}, producer.Template{}).AdvanceUntilIdle(env.Ctx, id, 10)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(outs) != 4 || outs[3].Stage != "idle" {
		t.Fatalf("outcomes %+v", outs)
	}
}
