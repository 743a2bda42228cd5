package queue

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(repo.Repo{DB: conn}, Options{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
		Logger:       log.New(io.Discard, "", 0),
	})
}

func TestEnqueueUnknownJob(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "missing", nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	tasks, err := q.List(context.Background(), "", 10)
	if err != nil || len(tasks) != 0 {
		t.Fatalf("tasks %v err %v", tasks, err)
	}
}

func TestRunOnceRecordsOutcome(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q.Register("double", func(_ context.Context, p map[string]any) (map[string]any, error) {
		n, _ := p["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	})
	q.Register("boom", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, domain.ExecutionFailuref("planner offline")
	})

	ok, err := q.Enqueue(ctx, "double", map[string]any{"n": 21})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ok.Status != domain.TaskQueued {
		t.Fatalf("status %s", ok.Status)
	}
	bad, _ := q.Enqueue(ctx, "boom", nil)

	for q.RunOnce(ctx) {
	}

	got, err := q.Get(ctx, ok.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskSucceeded || got.Result["n"] != float64(42) || got.Attempts != 1 {
		t.Fatalf("task %+v", got)
	}
	got, _ = q.Get(ctx, bad.ID)
	if got.Status != domain.TaskFailed || got.Error == "" {
		t.Fatalf("task %+v", got)
	}
	if _, err := q.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransportFailuresAreRetried(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	calls := 0
	q.Register("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return nil, domain.Transport("load casefile", errors.New("database is locked"))
	})
	task, _ := q.Enqueue(ctx, "flaky", nil)
	for q.RunOnce(ctx) {
	}
	got, _ := q.Get(ctx, task.ID)
	if calls != 2 || got.Status != domain.TaskFailed || got.Attempts != 2 {
		t.Fatalf("calls=%d task=%+v", calls, got)
	}
}

func TestRunPublishesUpdates(t *testing.T) {
	q := newTestQueue(t)
	q.Register("noop", func(context.Context, map[string]any) (map[string]any, error) { return nil, nil })
	updates, cancelSub := q.Hub().Subscribe()
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	task, err := q.Enqueue(context.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for finished := false; !finished; {
		select {
		case u := <-updates:
			finished = u.ID == task.ID && u.Status == domain.TaskSucceeded
		case <-deadline:
			t.Fatalf("task never finished")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
