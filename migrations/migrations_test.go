package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(FS, ".")
	if err != nil {
		t.Fatal(err)
	}

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}

	if len(ups) != 2 {
		t.Errorf("found %d up migrations, want 2", len(ups))
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
}

func TestFS_TriggerTableHasToken(t *testing.T) {
	b, err := fs.ReadFile(FS, "000002_alarm_trigger_processed.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	sql := string(b)
	if !strings.Contains(sql, "processed BIGINT NOT NULL DEFAULT 0") {
		t.Error("processed column missing")
	}
	if !strings.Contains(sql, "(action, trigger_date)") {
		t.Error("due index missing")
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if _, err := Run("postgres://localhost:1/none?sslmode=disable", "sideways"); err == nil {
		t.Fatal("expected error")
	}
}
