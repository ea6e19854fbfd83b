// Package snapshot implements the Snapshot Engine: dialect-native
// backup, restore, and fork, coordinating the Instance Registry, the
// Container Pool (via the registry's host lookup), and the object
// store.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dbforge/internal/apperr"
	"dbforge/internal/db"
	"dbforge/internal/dialect"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/objectstore"
	"dbforge/internal/registry"
)

const backupRetention = 365 * 24 * time.Hour

// Engine ties the registry, docker daemon, metadata repository, and
// object store together for the three snapshot operations.
type Engine struct {
	reg    *registry.Registry
	repo   *db.Repository
	store  objectstore.Store
	docker dockerclient.Client
	log    *slog.Logger
}

func New(reg *registry.Registry, repo *db.Repository, store objectstore.Store, docker dockerclient.Client, logger *slog.Logger) *Engine {
	return &Engine{reg: reg, repo: repo, store: store, docker: docker, log: logger}
}

// Backup excludes writers via begin_query, dumps the instance, streams
// the blob to the object store, and records a Backup with a one-year
// expiry.
func (e *Engine) Backup(ctx context.Context, id string) (models.BackupRecord, error) {
	inst, err := e.reg.Get(id)
	if err != nil {
		return models.BackupRecord{}, err
	}
	adapter, err := dialect.Get(inst.Dialect)
	if err != nil {
		return models.BackupRecord{}, err
	}
	host, err := e.reg.Host(id)
	if err != nil {
		return models.BackupRecord{}, err
	}

	if err := e.reg.BeginQuery(ctx, id); err != nil {
		return models.BackupRecord{}, err
	}
	defer e.reg.EndQuery(id)

	// The dump is buffered once here rather than streamed directly into
	// Put: S3-compatible PutObject needs a known Content-Length, and a
	// single in-memory accumulation of one instance's dump is small
	// relative to the disk-backed engine data it was produced from.
	var dump bytes.Buffer
	if err := e.docker.ExecInContainer(ctx, host.ContainerID, adapter.DumpCommand(&inst), nil, &dump, nil); err != nil {
		return models.BackupRecord{}, apperr.Wrap(apperr.Internal, "dump command failed", err)
	}

	backupID := models.NewID()
	key := objectstore.KeyFor(backupID)
	if err := e.store.Put(ctx, key, bytes.NewReader(dump.Bytes()), int64(dump.Len())); err != nil {
		return models.BackupRecord{}, apperr.Wrap(apperr.Internal, "stream backup to object store failed", err)
	}
	size := int64(dump.Len())

	now := time.Now().UTC()
	rec := models.BackupRecord{
		BackupID: backupID, DBID: id, Dialect: inst.Dialect,
		CreatedAt: now, ExpiresAt: now.Add(backupRetention),
		SizeBytes: size, StorageKey: key,
	}
	if err := e.repo.UpsertBackup(ctx, rec); err != nil {
		return models.BackupRecord{}, fmt.Errorf("snapshot: durable write on backup: %w", err)
	}
	return rec, nil
}

// Download resolves a backup and returns a read stream over its blob.
func (e *Engine) Download(ctx context.Context, backupID string) (models.BackupRecord, io.ReadCloser, error) {
	rec, err := e.repo.GetBackup(ctx, backupID)
	if err != nil {
		return models.BackupRecord{}, nil, apperr.Wrap(apperr.BackupNotFound, "no backup with id "+backupID, err)
	}
	if time.Now().UTC().After(rec.ExpiresAt) {
		return models.BackupRecord{}, nil, apperr.New(apperr.BackupExpired, "backup "+backupID+" expired")
	}

	body, err := e.store.Get(ctx, rec.StorageKey)
	if err != nil {
		return models.BackupRecord{}, nil, apperr.Wrap(apperr.BackupNotFound, "backup blob missing from object store", err)
	}
	return rec, body, nil
}

// Restore drops and recreates id's logical database, then pipes the
// backup blob into the dialect's restore command. Other queries are
// blocked for the duration via begin_query, so intermediate state is
// never observable on this id.
func (e *Engine) Restore(ctx context.Context, id, backupID string) error {
	inst, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	rec, body, err := e.Download(ctx, backupID)
	if err != nil {
		return err
	}
	defer body.Close()
	if rec.Dialect != inst.Dialect {
		return apperr.New(apperr.DialectUnsupported, "backup dialect does not match instance dialect")
	}

	adapter, err := dialect.Get(inst.Dialect)
	if err != nil {
		return err
	}
	host, err := e.reg.Host(id)
	if err != nil {
		return err
	}

	if err := e.reg.BeginQuery(ctx, id); err != nil {
		return err
	}
	defer e.reg.EndQuery(id)

	for _, stmt := range adapter.Drop(&inst) {
		if err := e.docker.ExecInContainer(ctx, host.ContainerID, adapter.AdminCommand(stmt), nil, nil, nil); err != nil {
			return apperr.Wrap(apperr.Internal, "drop before restore failed", err)
		}
	}
	for _, stmt := range adapter.Bootstrap(&inst) {
		if err := e.docker.ExecInContainer(ctx, host.ContainerID, adapter.AdminCommand(stmt), nil, nil, nil); err != nil {
			return apperr.Wrap(apperr.Internal, "recreate before restore failed", err)
		}
	}

	if err := e.docker.ExecInContainer(ctx, host.ContainerID, adapter.RestoreCommand(&inst), body, nil, nil); err != nil {
		return apperr.Wrap(apperr.Internal, "restore command failed", err)
	}
	return e.reg.Touch(ctx, id)
}

// Fork creates a new instance on the pool and pipes a streamed
// dump|restore directly into it, bypassing the object store. The
// resulting instance is independent of its parent after creation.
func (e *Engine) Fork(ctx context.Context, id string) (models.Instance, error) {
	inst, err := e.reg.Get(id)
	if err != nil {
		return models.Instance{}, err
	}
	adapter, err := dialect.Get(inst.Dialect)
	if err != nil {
		return models.Instance{}, err
	}
	srcHost, err := e.reg.Host(id)
	if err != nil {
		return models.Instance{}, err
	}

	if err := e.reg.BeginQuery(ctx, id); err != nil {
		return models.Instance{}, err
	}
	defer e.reg.EndQuery(id)

	child, err := e.reg.Create(ctx, e.docker, inst.Dialect)
	if err != nil {
		return models.Instance{}, err
	}
	child.ForkedFrom = id

	dstHost, err := e.reg.Host(child.ID)
	if err != nil {
		_ = e.reg.Destroy(ctx, e.docker, child.ID)
		return models.Instance{}, err
	}

	stdoutR, stdoutW := io.Pipe()
	dumpDone := make(chan error, 1)
	go func() {
		err := e.docker.ExecInContainer(ctx, srcHost.ContainerID, adapter.DumpCommand(&inst), nil, stdoutW, nil)
		stdoutW.Close()
		dumpDone <- err
	}()

	restoreErr := e.docker.ExecInContainer(ctx, dstHost.ContainerID, adapter.RestoreCommand(&child), stdoutR, nil, nil)
	dumpErr := <-dumpDone

	if dumpErr != nil || restoreErr != nil {
		_ = e.reg.Destroy(ctx, e.docker, child.ID)
		return models.Instance{}, apperr.Wrap(apperr.Internal, "fork dump|restore failed", firstNonNil(dumpErr, restoreErr))
	}

	if err := e.repo.UpsertInstance(ctx, child); err != nil {
		e.log.Warn("fork: forked_from not persisted", "child", child.ID, "parent", id, "err", err)
	}
	return child, nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
