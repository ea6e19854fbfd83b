package query

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"dbforge/internal/db"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/pool"
	"dbforge/internal/registry"

	_ "dbforge/internal/dialect"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, timeout time.Duration) (*Pipeline, *registry.Registry, *dockerclient.Fake, models.Instance) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := db.Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	repo := db.NewRepository(sqldb)
	fake := dockerclient.NewFake()
	poolMgr := pool.NewManager(fake, 4, testLogger())
	reg := registry.New(repo, poolMgr, time.Hour, testLogger())

	inst, err := reg.Create(context.Background(), fake, models.DialectMySQL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := New(reg, fake, timeout, 10, testLogger())
	return p, reg, fake, inst
}

func drainEvents(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunStreamsRecordsAndDone(t *testing.T) {
	p, _, fake, inst := newTestPipeline(t, time.Second)
	fake.ExecFunc = func(string, []string) (string, string, error) {
		return "id\tname\n1\tAlice\n", "", nil
	}

	events, err := p.Run(context.Background(), inst.ID, "SELECT * FROM t")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := drainEvents(events)
	var sawRecord, sawDone bool
	for _, ev := range got {
		switch ev.Kind {
		case models.EventRecord:
			sawRecord = true
			if *ev.Row[1] != "Alice" {
				t.Errorf("row = %+v, want Alice", ev.Row)
			}
		case models.EventDone:
			sawDone = true
		}
	}
	if !sawRecord {
		t.Error("expected at least one record event")
	}
	if !sawDone {
		t.Error("expected a terminal done event")
	}
}

func TestRunEndsQueryAfterCompletion(t *testing.T) {
	p, reg, fake, inst := newTestPipeline(t, time.Second)
	fake.ExecFunc = func(string, []string) (string, string, error) {
		return "", "", nil
	}

	events, err := p.Run(context.Background(), inst.ID, "SELECT 1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	drainEvents(events)

	// Busy state should have cleared by the time drain completes; a new
	// query should be immediately admissible.
	if err := reg.BeginQuery(context.Background(), inst.ID); err != nil {
		t.Fatalf("BeginQuery after drain: %v", err)
	}
	reg.EndQuery(inst.ID)
}

func TestRunUnknownInstanceFails(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, time.Second)
	if _, err := p.Run(context.Background(), "does-not-exist", "SELECT 1"); err == nil {
		t.Fatal("expected error for unknown instance")
	}
}

func TestCollectTextFormat(t *testing.T) {
	events := make(chan models.Event, 4)
	a, b := "1", "Alice"
	events <- models.Event{Kind: models.EventRecord, Columns: []string{"id", "name"}, Row: []*string{&a, &b}}
	events <- models.Event{Kind: models.EventLine, Text: "1 row affected"}
	close(events)

	var buf strings.Builder
	if err := Collect(events, FormatText, &buf); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Alice") || !strings.Contains(out, "1 row affected") {
		t.Fatalf("text output = %q", out)
	}
}

func TestCollectJSONAggregatesRecords(t *testing.T) {
	events := make(chan models.Event, 4)
	a, b := "1", "Alice"
	events <- models.Event{Kind: models.EventRecord, Columns: []string{"id", "name"}, Row: []*string{&a, &b}}
	close(events)

	var buf strings.Builder
	if err := Collect(events, FormatJSON, &buf); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !strings.Contains(buf.String(), `"columns":["id","name"]`) {
		t.Fatalf("json output = %q", buf.String())
	}
}
