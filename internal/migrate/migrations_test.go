package migrate

import (
	"testing"

	"missionline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if v, err := Current(conn); err != nil || v != 0 {
		t.Fatalf("fresh db version %d err %v", v, err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	all, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v, err := Current(conn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if v != all[len(all)-1].Version {
		t.Fatalf("expected version %d, got %d", all[len(all)-1].Version, v)
	}
	for _, table := range []string{"casefiles", "tasks", "audit_log", "api_keys"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil || n != 1 {
			t.Fatalf("table %s missing (n=%d err=%v)", table, n, err)
		}
	}
}
