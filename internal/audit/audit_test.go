package audit

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/migrate"
	"missionline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

type failingSink struct{}

func (failingSink) Record(context.Context, domain.AuditEntry) error {
	return errors.New("sink down")
}

func TestMultiRecordsToEverySink(t *testing.T) {
	r := newTestRepo(t)
	var buf bytes.Buffer
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := Multi{failingSink{}, SQL{Repo: r}, Log{Logger: log.New(&buf, "", 0)}}

	err := sink.Record(context.Background(), Entry(fixed, DirectionCommand, "Dispatching command: GET_CASEFILE", nil))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("expected sink error, got %v", err)
	}
	if !strings.HasPrefix(buf.String(), "COMMUNICATION_LOG :: {") || !strings.Contains(buf.String(), `"direction":"COMMAND_DISPATCH"`) {
		t.Fatalf("log line %q", buf.String())
	}
	entries, err := List(context.Background(), r, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Timestamp != domain.Timestamp(fixed) || entries[0].Payload == nil {
		t.Fatalf("entries %+v", entries)
	}
}

func TestListFiltersByDirection(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	s := SQL{Repo: r}
	for _, dir := range []string{DirectionExternalIn, DirectionCommand, DirectionExternalOut} {
		if err := s.Record(ctx, domain.AuditEntry{Direction: dir, Message: dir}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	entries, err := List(ctx, r, 0, DirectionCommand)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != DirectionCommand || entries[0].Timestamp == "" {
		t.Fatalf("entries %+v", entries)
	}
}
