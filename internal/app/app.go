// Package app is the composition root: it builds every component once and
// wires the references between them.
package app

import (
	"context"
	"database/sql"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"

	"missionline/internal/audit"
	"missionline/internal/casefile"
	"missionline/internal/command"
	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/interpreter"
	"missionline/internal/orchestrator"
	"missionline/internal/producer"
	"missionline/internal/queue"
	"missionline/internal/repo"
	"missionline/internal/tools"
)

// JobAdvanceCasefile runs one orchestration step in the background.
const JobAdvanceCasefile = "advance_casefile"

type App struct {
	Config       *config.Config
	Repo         repo.Repo
	Store        casefile.Store
	Tools        *tools.Registry
	Executor     interpreter.Sequential
	Orchestrator *orchestrator.Orchestrator
	Audit        audit.Sink
	Bus          *command.Bus
	Queue        *queue.Queue
	Webhooks     *audit.Forwarder
	Logger       *log.Logger
}

// New constructs the components in dependency order, then registers the
// casefile tools and the advance job, which need the store and the bus.
func New(conn *sql.DB, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	r := repo.Repo{DB: conn}

	store := casefile.NewSQL(r)
	store.Logger = logger

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry, cfg.Tools.Static); err != nil {
		return nil, err
	}
	executor := interpreter.Sequential{Tools: registry, Logger: logger}

	planner, err := plannerFor(cfg.Producers.Plan)
	if err != nil {
		return nil, err
	}
	analyst, err := analystFor(cfg.Producers.Analysis)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(store, planner, analyst, executor,
		orchestrator.WithLogger(logger),
		orchestrator.WithProducerTimeout(cfg.Orchestrator.ProducerTimeout.Std()),
		orchestrator.WithSerialization(cfg.Orchestrator.SerializePerCasefile),
	)

	sink := audit.Multi{audit.SQL{Repo: r}, audit.Log{Logger: logger}}
	bus := &command.Bus{Store: store, Orchestrator: orch, Audit: sink, Logger: logger}

	q := queue.New(r, queue.Options{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval.Std(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Logger:       logger,
	})

	a := &App{
		Config:       cfg,
		Repo:         r,
		Store:        store,
		Tools:        registry,
		Executor:     executor,
		Orchestrator: orch,
		Audit:        sink,
		Bus:          bus,
		Queue:        q,
		Webhooks:     &audit.Forwarder{Repo: r, Hooks: cfg.Webhooks, Logger: logger},
		Logger:       logger,
	}

	if err := tools.RegisterCasefileTools(registry, store); err != nil {
		return nil, err
	}
	q.Register(JobAdvanceCasefile, a.advanceJob)
	return a, nil
}

func plannerFor(pc config.ProducerConfig) (producer.Planner, error) {
	switch pc.Kind {
	case "", config.ProducerTemplate:
		return producer.Template{}, nil
	case config.ProducerHTTP:
		return httpProducer(pc), nil
	}
	return nil, domain.Validationf("unknown producer kind %q", pc.Kind)
}

func analystFor(pc config.ProducerConfig) (producer.Analyst, error) {
	switch pc.Kind {
	case "", config.ProducerTemplate:
		return producer.Template{}, nil
	case config.ProducerHTTP:
		return httpProducer(pc), nil
	}
	return nil, domain.Validationf("unknown producer kind %q", pc.Kind)
}

func httpProducer(pc config.ProducerConfig) producer.HTTP {
	h := http.Header{}
	for k, v := range pc.Headers {
		h.Set(k, v)
	}
	return producer.HTTP{URL: pc.URL, Timeout: pc.Timeout.Std(), Header: h}
}

// Dispatch sends a command through the bus on behalf of userID.
func (a *App) Dispatch(ctx context.Context, userID, commandType, source string, payload map[string]any) (domain.Command, error) {
	return a.Bus.Dispatch(ctx, domain.Command{
		CommandType: commandType,
		SourceAgent: source,
		UserID:      userID,
		Payload:     payload,
	})
}

// EnqueueAdvance schedules one orchestration step. Access is checked now so
// a caller without write access never gets a task handle.
func (a *App) EnqueueAdvance(ctx context.Context, userID, casefileID string) (domain.Task, error) {
	cf, err := a.Store.LoadFor(ctx, casefileID, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if role, _ := cf.RoleOf(userID); !role.CanWrite() {
		return domain.Task{}, domain.PermissionDeniedf("user %s needs writer on casefile %s", userID, casefileID)
	}
	return a.Queue.Enqueue(ctx, JobAdvanceCasefile, map[string]any{"casefile_id": casefileID, "user_id": userID})
}

func (a *App) advanceJob(ctx context.Context, payload map[string]any) (map[string]any, error) {
	id, _ := payload["casefile_id"].(string)
	user, _ := payload["user_id"].(string)
	cmd, err := a.Dispatch(ctx, user, command.AdvanceCasefile, "TASK_QUEUE", map[string]any{"casefile_id": id})
	if err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

// Run drives the background workers and webhook delivery until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Queue.Run(ctx) })
	g.Go(func() error { return a.Webhooks.Run(ctx) })
	return g.Wait()
}
