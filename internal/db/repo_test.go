package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"dbforge/internal/models"
)

func TestUpsertAndGetInstance(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	inst := models.Instance{
		ID:              "inst-1",
		Dialect:         models.DialectMySQL,
		HostContainerID: "host-1",
		DBName:          "db_inst1",
		Username:        "u_inst1",
		Password:        "secret",
		State:           models.StateReady,
		CreatedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(30 * time.Minute),
	}
	if err := repo.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("upsert instance: %v", err)
	}

	got, err := repo.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.DBName != inst.DBName || got.State != models.StateReady {
		t.Fatalf("got = %+v, want %+v", got, inst)
	}
}

func TestUpsertInstanceOverwritesState(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inst := models.Instance{ID: "inst-1", Dialect: models.DialectMySQL, State: models.StateCreating, CreatedAt: now, LastActivityAt: now, ExpiresAt: now}
	if err := repo.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}

	inst.State = models.StateReady
	if err := repo.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	got, err := repo.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != models.StateReady {
		t.Fatalf("state = %s, want %s", got.State, models.StateReady)
	}
}

func TestDeleteInstanceIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.DeleteInstance(ctx, "does-not-exist"); err != nil {
		t.Fatalf("delete on absent id should not error: %v", err)
	}

	now := time.Now().UTC()
	seedInstance(t, repo, ctx, "inst-1", now)
	if err := repo.DeleteInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("second delete should be idempotent: %v", err)
	}

	if _, err := repo.GetInstance(ctx, "inst-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestListExpiredOnlyReturnsReadyOrBusy(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	expired := models.Instance{ID: "expired", Dialect: models.DialectMySQL, State: models.StateReady, CreatedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	destroyed := models.Instance{ID: "destroyed", Dialect: models.DialectMySQL, State: models.StateDestroyed, CreatedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	fresh := models.Instance{ID: "fresh", Dialect: models.DialectMySQL, State: models.StateReady, CreatedAt: now, LastActivityAt: now, ExpiresAt: now.Add(time.Hour)}

	for _, inst := range []models.Instance{expired, destroyed, fresh} {
		if err := repo.UpsertInstance(ctx, inst); err != nil {
			t.Fatalf("seed %s: %v", inst.ID, err)
		}
	}

	out, err := repo.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(out) != 1 || out[0].ID != "expired" {
		t.Fatalf("ListExpired() = %+v, want only 'expired'", out)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	b := models.BackupRecord{
		BackupID:   "backup-1",
		DBID:       "inst-1",
		Dialect:    models.DialectMySQL,
		CreatedAt:  now,
		ExpiresAt:  now.AddDate(1, 0, 0),
		SizeBytes:  2048,
		StorageKey: "backups/backup-1.sql.gz",
	}
	if err := repo.UpsertBackup(ctx, b); err != nil {
		t.Fatalf("upsert backup: %v", err)
	}

	got, err := repo.GetBackup(ctx, "backup-1")
	if err != nil {
		t.Fatalf("get backup: %v", err)
	}
	if got.StorageKey != b.StorageKey || got.SizeBytes != b.SizeBytes {
		t.Fatalf("got = %+v, want %+v", got, b)
	}

	list, err := repo.ListBackups(ctx, "inst-1")
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListBackups() len = %d, want 1", len(list))
	}

	if err := repo.DeleteBackup(ctx, "backup-1"); err != nil {
		t.Fatalf("delete backup: %v", err)
	}
	if _, err := repo.GetBackup(ctx, "backup-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	sqldb, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = sqldb.Close() })
	if err := Migrate(sqldb); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewRepository(sqldb)
}

func seedInstance(t *testing.T, repo *Repository, ctx context.Context, id string, at time.Time) {
	t.Helper()
	err := repo.UpsertInstance(ctx, models.Instance{
		ID: id, Dialect: models.DialectMySQL, State: models.StateReady,
		CreatedAt: at, LastActivityAt: at, ExpiresAt: at.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed instance %s: %v", id, err)
	}
}
