package command_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"missionline/internal/audit"
	"missionline/internal/casefile"
	"missionline/internal/command"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/orchestrator"
	"missionline/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Bus  *command.Bus
	Ctx  context.Context
}

type stubAdvancer struct {
	calls []string
}

func (s *stubAdvancer) Advance(_ context.Context, id string) (orchestrator.Outcome, error) {
	s.calls = append(s.calls, id)
	return orchestrator.Outcome{CasefileID: id, Stage: "needs_plan", Status: domain.StatusPlanningComplete, Message: "planned"}, nil
}

func newTestEnv(t *testing.T, adv command.Advancer) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	quiet := log.New(io.Discard, "", 0)
	now := func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	store := casefile.NewSQL(r)
	store.Logger = quiet
	store.Now = now
	return testEnv{
		Repo: r,
		Bus:  &command.Bus{Store: store, Orchestrator: adv, Audit: audit.SQL{Repo: r}, Now: now, Logger: quiet},
		Ctx:  context.Background(),
	}
}

func (env testEnv) dispatch(t *testing.T, typ, user string, payload map[string]any) domain.Command {
	t.Helper()
	cmd, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: typ, UserID: user, SourceAgent: "test", Payload: payload})
	if err != nil {
		t.Fatalf("%s: %v", typ, err)
	}
	return cmd
}

func (env testEnv) auditEntries(t *testing.T) []domain.AuditEntry {
	t.Helper()
	entries, err := audit.List(env.Ctx, env.Repo, 100, audit.DirectionCommand)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func TestDispatchCreateAndGet(t *testing.T) {
	env := newTestEnv(t, nil)
	cmd := env.dispatch(t, command.CreateCasefile, "user_1", map[string]any{"name": "Mission A", "description": "analyze X"})
	if cmd.Status != domain.CommandCompleted || cmd.CommandID == "" || cmd.Timestamp == "" {
		t.Fatalf("command %+v", cmd)
	}
	id, _ := cmd.Result["casefile_id"].(string)
	if id == "" {
		t.Fatalf("result %v", cmd.Result)
	}

	got := env.dispatch(t, command.GetCasefile, "user_1", map[string]any{"casefile_id": id})
	if got.Result["name"] != "Mission A" || got.Result["owner_id"] != "user_1" {
		t.Fatalf("get result %v", got.Result)
	}

	entries := env.auditEntries(t)
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	if entries[3].Message != "Dispatching command: CREATE_CASEFILE" || entries[3].Payload["status"] != domain.CommandReceived {
		t.Fatalf("first entry %+v", entries[3])
	}
	if entries[2].Message != "Command CREATE_CASEFILE completed successfully." || entries[2].Payload["status"] != domain.CommandCompleted {
		t.Fatalf("second entry %+v", entries[2])
	}
}

func TestUnknownCommandTypeHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: "LAUNCH_ROCKET", UserID: "user_1"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if entries := env.auditEntries(t); len(entries) != 0 {
		t.Fatalf("unknown command must not be audited, got %d entries", len(entries))
	}
}

func TestFailedDispatchIsAuditedAndReturned(t *testing.T) {
	env := newTestEnv(t, nil)
	cmd := env.dispatch(t, command.CreateCasefile, "user_1", map[string]any{"name": "Mission A"})
	id := cmd.Result["casefile_id"].(string)

	out, err := env.Bus.Dispatch(env.Ctx, domain.Command{
		CommandType: command.GrantAccess,
		UserID:      "user_2",
		Payload:     map[string]any{"casefile_id": id, "user_id_to_grant": "user_2", "role": "admin"},
	})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if out.Status != domain.CommandFailed || out.Error != err.Error() || out.Result != nil {
		t.Fatalf("command %+v", out)
	}
	entries := env.auditEntries(t)
	if entries[0].Payload["status"] != domain.CommandFailed || entries[0].Message != "Command GRANT_ACCESS failed: "+err.Error() {
		t.Fatalf("failure entry %+v", entries[0])
	}
	if entries[1].Payload["status"] != domain.CommandReceived {
		t.Fatalf("received entry %+v", entries[1])
	}
}

func TestUpdateAndAccessCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.dispatch(t, command.CreateCasefile, "user_1", map[string]any{"name": "Mission A", "tags": []any{"a", "b"}}).Result["casefile_id"].(string)

	env.dispatch(t, command.GrantAccess, "user_1", map[string]any{"casefile_id": id, "user_id_to_grant": "user_2", "role": "writer"})
	upd := env.dispatch(t, command.UpdateCasefile, "user_2", map[string]any{"casefile_id": id, "tags": "c", "owner_id": "user_2"})
	tags, _ := upd.Result["tags"].([]any)
	if len(tags) != 3 || tags[2] != "c" || upd.Result["owner_id"] != "user_1" {
		t.Fatalf("update result %v", upd.Result)
	}
	if ignored, _ := upd.Result["ignored_fields"].([]any); len(ignored) != 1 || ignored[0] != "owner_id" {
		t.Fatalf("ignored %v", upd.Result["ignored_fields"])
	}

	ev := env.dispatch(t, command.LogEvent, "user_2", map[string]any{"casefile_id": id, "content": "hello", "event_type": domain.EventUserMessage})
	if ev.Result["content"] != "hello" || ev.Result["source"] != domain.SourceUser {
		t.Fatalf("event %v", ev.Result)
	}

	env.dispatch(t, command.RevokeAccess, "user_1", map[string]any{"casefile_id": id, "user_id_to_revoke": "user_2"})
	if _, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: command.GetCasefile, UserID: "user_2", Payload: map[string]any{"casefile_id": id}}); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected revoked user to be denied, got %v", err)
	}

	list := env.dispatch(t, command.ListAllCasefiles, "user_1", nil)
	if items, _ := list.Result["casefiles"].([]any); len(items) != 1 {
		t.Fatalf("list %v", list.Result)
	}

	env.dispatch(t, command.DeleteCasefile, "user_1", map[string]any{"casefile_id": id})
	if _, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: command.GetCasefile, UserID: "user_1", Payload: map[string]any{"casefile_id": id}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestAdvanceRequiresWriter(t *testing.T) {
	adv := &stubAdvancer{}
	env := newTestEnv(t, adv)
	id := env.dispatch(t, command.CreateCasefile, "user_1", map[string]any{"name": "Mission A", "description": "analyze X"}).Result["casefile_id"].(string)
	env.dispatch(t, command.GrantAccess, "user_1", map[string]any{"casefile_id": id, "user_id_to_grant": "viewer", "role": "reader"})

	if _, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: command.AdvanceCasefile, UserID: "viewer", Payload: map[string]any{"casefile_id": id}}); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	out := env.dispatch(t, command.AdvanceCasefile, "user_1", map[string]any{"casefile_id": id})
	if out.Result["stage"] != "needs_plan" || out.Result["casefile_id"] != id || len(adv.calls) != 1 {
		t.Fatalf("advance result %v calls %v", out.Result, adv.calls)
	}
}

func TestMissingCasefileIDIsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Bus.Dispatch(env.Ctx, domain.Command{CommandType: command.DeleteCasefile, UserID: "user_1", Payload: map[string]any{}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if entries := env.auditEntries(t); len(entries) != 2 {
		t.Fatalf("expected received and failed entries, got %d", len(entries))
	}
}
