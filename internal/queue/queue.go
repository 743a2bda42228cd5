// Package queue runs named background jobs stored in the tasks table.
//
// Enqueue returns immediately with a queued task; Run drives a pool of
// workers that claim the oldest queued task, run its job and record the
// outcome. Task status changes are published on a Hub.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"missionline/internal/domain"
	"missionline/internal/repo"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxAttempts  = 3
)

// JobFunc runs one task. The returned map is stored as the task result.
type JobFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Now          func() time.Time
	Logger       *log.Logger
}

type Queue struct {
	repo repo.Repo
	hub  *Hub
	opts Options

	mu   sync.RWMutex
	jobs map[string]JobFunc
	wake chan struct{}
}

func New(r repo.Repo, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Queue{
		repo: r,
		hub:  NewHub(),
		opts: opts,
		jobs: map[string]JobFunc{},
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) Hub() *Hub { return q.hub }

func (q *Queue) now() string { return domain.Timestamp(q.opts.Now()) }

// Register binds a job name to its function, replacing any previous binding.
func (q *Queue) Register(name string, fn JobFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[name] = fn
}

// Jobs returns the registered job names.
func (q *Queue) Jobs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.jobs))
	for name := range q.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (q *Queue) job(name string) (JobFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.jobs[name]
	return fn, ok
}

// Enqueue stores a queued task for a registered job.
func (q *Queue) Enqueue(ctx context.Context, name string, payload map[string]any) (domain.Task, error) {
	name = strings.TrimSpace(name)
	if _, ok := q.job(name); !ok {
		return domain.Task{}, domain.Validationf("unknown job %q", name)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	now := q.now()
	t := domain.Task{
		ID:        domain.NewUUID(),
		Name:      name,
		Payload:   payload,
		Status:    domain.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, domain.Transport("enqueue task", err)
	}
	q.hub.Publish(t)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t, nil
}

func (q *Queue) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := q.repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, domain.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return domain.Task{}, domain.Transport("get task", err)
	}
	return t, nil
}

// List returns tasks newest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	tasks, err := q.repo.ListTasks(ctx, status, limit)
	if err != nil {
		return nil, domain.Transport("list tasks", err)
	}
	return tasks, nil
}

// Run starts the worker pool and blocks until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		worker := i + 1
		g.Go(func() error {
			q.work(ctx, worker)
			return nil
		})
	}
	q.opts.Logger.Printf("[queue] %d workers started", q.opts.Workers)
	return g.Wait()
}

func (q *Queue) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		for q.RunOnce(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and runs a single task. It reports whether a task was claimed.
func (q *Queue) RunOnce(ctx context.Context) bool {
	t, err := q.repo.ClaimNextTask(ctx, q.now())
	if errors.Is(err, repo.ErrNotFound) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			q.opts.Logger.Printf("[queue] WARNING: claim failed: %v", err)
		}
		return false
	}
	q.hub.Publish(t)

	result, runErr := q.run(ctx, t)
	switch {
	case runErr == nil:
		t.Status, t.Result, t.Error = domain.TaskSucceeded, result, ""
	case domain.KindOf(runErr) == domain.KindTransport && t.Attempts < q.opts.MaxAttempts:
		q.opts.Logger.Printf("[queue] task %s attempt %d failed, requeueing: %v", t.ID, t.Attempts, runErr)
		if err := q.repo.RequeueTask(ctx, t.ID, runErr.Error(), q.now()); err != nil {
			q.opts.Logger.Printf("[queue] WARNING: requeue %s: %v", t.ID, err)
		}
		t.Status, t.Error = domain.TaskQueued, runErr.Error()
		q.hub.Publish(t)
		return true
	default:
		t.Status, t.Result, t.Error = domain.TaskFailed, nil, runErr.Error()
		q.opts.Logger.Printf("[queue] task %s (%s) failed: %v", t.ID, t.Name, runErr)
	}
	t.UpdatedAt = q.now()
	if err := q.repo.FinishTask(ctx, t.ID, t.Status, t.Result, t.Error, t.UpdatedAt); err != nil {
		q.opts.Logger.Printf("[queue] WARNING: finish %s: %v", t.ID, err)
	}
	q.hub.Publish(t)
	return true
}

func (q *Queue) run(ctx context.Context, t domain.Task) (result map[string]any, err error) {
	fn, ok := q.job(t.Name)
	if !ok {
		return nil, domain.ExecutionFailuref("no job registered for %q", t.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = domain.ExecutionFailuref("job %s panicked: %v", t.Name, r)
		}
	}()
	result, err = fn(ctx, t.Payload)
	if err == nil && result == nil {
		result = map[string]any{}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.Name, err)
	}
	return result, nil
}
