package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dbforge/internal/db"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/objectstore"
	"dbforge/internal/pool"
	"dbforge/internal/registry"
	"dbforge/internal/snapshot"

	_ "dbforge/internal/dialect"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReaper(t *testing.T, backupOnExpiry bool) (*Reaper, *registry.Registry, *db.Repository, *dockerclient.Fake) {
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
	reg := registry.New(repo, poolMgr, time.Millisecond, testLogger())
	store := objectstore.NewFake()
	snap := snapshot.New(reg, repo, store, fake, testLogger())

	r := New(repo, reg, snap, fake, backupOnExpiry, testLogger())
	return r, reg, repo, fake
}

func TestRunDestroysExpiredReadyInstance(t *testing.T) {
	r, reg, repo, fake := newTestReaper(t, false)
	inst, err := reg.Create(context.Background(), fake, models.DialectMySQL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	r.Run(context.Background())

	if _, err := reg.Get(inst.ID); err == nil {
		t.Fatal("expected expired instance to be destroyed")
	}
	if _, err := repo.GetInstance(context.Background(), inst.ID); err == nil {
		t.Fatal("expected durable record removed")
	}
}

func TestRunSkipsBusyInstance(t *testing.T) {
	r, reg, _, fake := newTestReaper(t, false)
	inst, err := reg.Create(context.Background(), fake, models.DialectMySQL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := reg.BeginQuery(context.Background(), inst.ID); err != nil {
		t.Fatalf("BeginQuery: %v", err)
	}

	r.Run(context.Background())

	got, err := reg.Get(inst.ID)
	if err != nil {
		t.Fatalf("expected busy instance to survive sweep: %v", err)
	}
	if got.State != models.StateBusy {
		t.Fatalf("state = %s, want Busy", got.State)
	}
}

func TestRunBacksUpBeforeDestroyingWhenEnabled(t *testing.T) {
	r, reg, repo, fake := newTestReaper(t, true)
	fake.ExecFunc = func(string, []string) (string, string, error) {
		return "dump-output", "", nil
	}

	inst, err := reg.Create(context.Background(), fake, models.DialectMySQL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	r.Run(context.Background())

	backups, err := repo.ListBackups(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected one backup before destroy, got %d", len(backups))
	}

	if _, err := reg.Get(inst.ID); err == nil {
		t.Fatal("expected instance destroyed after backup-on-expiry")
	}
}

func TestRunDestroysDespiteBackupFailure(t *testing.T) {
	r, reg, _, fake := newTestReaper(t, true)
	inst, err := reg.Create(context.Background(), fake, models.DialectMySQL)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	fake.ExecFunc = func(string, []string) (string, string, error) {
		return "", "backup failed", errors.New("dump command failed")
	}

	r.Run(context.Background())

	if _, err := reg.Get(inst.ID); err == nil {
		t.Fatal("expected instance destroyed even though backup failed")
	}
}
