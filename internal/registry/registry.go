// Package registry implements the Instance Registry: the single source
// of truth for Instance records, mediating every state transition so
// that identifier uniqueness, state monotonicity, and the durable
// mirror stay consistent.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbforge/internal/apperr"
	"dbforge/internal/db"
	"dbforge/internal/dialect"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/pool"
)

// instanceEntry pairs the in-memory record with the admission lock and
// acquired host reference that only the registry needs to track.
type instanceEntry struct {
	mu     sync.Mutex // per-instance: single-writer, serializes begin_query (cap 1)
	inst   models.Instance
	host   *pool.Host
	inUse  bool
}

// Registry is the authoritative in-memory map of instance id to record,
// backed by the durable metadata store. A single global lock guards
// insert/remove; each instance's own mutex guards its transitions.
type Registry struct {
	globalMu sync.Mutex
	entries  map[string]*instanceEntry

	repo              *db.Repository
	pool              *pool.Manager
	inactivityTimeout time.Duration
	log               *slog.Logger
}

func New(repo *db.Repository, poolMgr *pool.Manager, inactivityTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		entries:           make(map[string]*instanceEntry),
		repo:              repo,
		pool:              poolMgr,
		inactivityTimeout: inactivityTimeout,
		log:               logger,
	}
}

// LoadFromStore rebuilds the registry from the durable mirror on process
// restart, re-validating host-container references and marking orphans
// Destroyed.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	records, err := r.repo.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("registry: load instances: %w", err)
	}

	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	for _, inst := range records {
		if inst.State != models.StateDestroyed {
			inst.State = models.StateDestroyed
			if err := r.repo.UpsertInstance(ctx, inst); err != nil {
				r.log.Error("registry: failed to mark orphan destroyed", "id", inst.ID, "err", err)
				continue
			}
			r.log.Warn("registry: orphaned instance marked destroyed on restart", "id", inst.ID)
		}
		_ = r.repo.DeleteInstance(ctx, inst.ID)
	}
	return nil
}

// Create generates an identifier and credentials, acquires a host,
// bootstraps the logical database, and transitions to Ready. On any
// failure it rolls back fully (no partial residue).
func (r *Registry) Create(ctx context.Context, docker dockerclient.Client, tag models.Dialect) (models.Instance, error) {
	adapter, err := dialect.Get(tag)
	if err != nil {
		return models.Instance{}, err
	}

	id := models.NewID()
	now := time.Now().UTC()
	inst := models.Instance{
		ID: id, Dialect: tag, DBName: models.DBNameFor(id), Username: models.UsernameFor(id),
		Password: generatePassword(), State: models.StateCreating,
		CreatedAt: now, LastActivityAt: now, ExpiresAt: now.Add(r.inactivityTimeout),
	}

	host, err := r.pool.Acquire(ctx, tag)
	if err != nil {
		return models.Instance{}, err
	}
	inst.HostContainerID = host.ContainerID

	for _, stmt := range adapter.Bootstrap(&inst) {
		if err := docker.ExecInContainer(ctx, host.ContainerID, adapter.AdminCommand(stmt), nil, nil, nil); err != nil {
			r.pool.Release(tag, host)
			return models.Instance{}, apperr.Wrap(apperr.Internal, "bootstrap failed", err)
		}
	}

	inst.State = models.StateReady
	if err := r.repo.UpsertInstance(ctx, inst); err != nil {
		r.pool.Release(tag, host)
		return models.Instance{}, fmt.Errorf("registry: durable write on create: %w", err)
	}

	r.globalMu.Lock()
	r.entries[id] = &instanceEntry{inst: inst, host: host}
	r.globalMu.Unlock()

	return inst, nil
}

// Get returns the current record for id, or DB_NOT_FOUND.
func (r *Registry) Get(id string) (models.Instance, error) {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return models.Instance{}, apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst, nil
}

// Host returns the pool host backing id, for callers (Query Pipeline,
// Snapshot Engine) that need to exec inside the container.
func (r *Registry) Host(id string) (*pool.Host, error) {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}
	return e.host, nil
}

// Touch updates last_activity_at and recomputes expires_at.
func (r *Registry) Touch(ctx context.Context, id string) error {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}

	e.mu.Lock()
	now := time.Now().UTC()
	e.inst.LastActivityAt = now
	e.inst.ExpiresAt = now.Add(r.inactivityTimeout)
	snapshot := e.inst
	e.mu.Unlock()

	return r.repo.UpsertInstance(ctx, snapshot)
}

// BeginQuery serializes admission to cap 1: it blocks (bounded by ctx)
// until the instance is free, then transitions Ready -> Busy.
func (r *Registry) BeginQuery(ctx context.Context, id string) error {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}

	for {
		e.mu.Lock()
		if e.inst.State == models.StateDestroyed || e.inst.State == models.StateEvicting {
			e.mu.Unlock()
			return apperr.New(apperr.DBNotFound, "instance is being destroyed")
		}
		if !e.inUse {
			e.inUse = true
			e.inst.State = models.StateBusy
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.Busy, "instance busy", ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// EndQuery transitions Busy -> Ready, releasing admission.
func (r *Registry) EndQuery(id string) {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.inUse = false
	if e.inst.State == models.StateBusy {
		e.inst.State = models.StateReady
	}
	e.mu.Unlock()
}

// MarkReadOnly flips the instance to the read-only posture from the
// Query Pipeline's size enforcement step, without changing State.
func (r *Registry) MarkReadOnly(ctx context.Context, id string, sizeBytes int64) error {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}

	e.mu.Lock()
	e.inst.ReadOnly = true
	e.inst.SizeBytes = sizeBytes
	snapshot := e.inst
	e.mu.Unlock()

	return r.repo.UpsertInstance(ctx, snapshot)
}

// UpdateSize records the last-measured size without changing read-only
// posture.
func (r *Registry) UpdateSize(ctx context.Context, id string, sizeBytes int64) error {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	r.globalMu.Unlock()
	if !ok {
		return apperr.New(apperr.DBNotFound, "no instance with id "+id)
	}

	e.mu.Lock()
	e.inst.SizeBytes = sizeBytes
	snapshot := e.inst
	e.mu.Unlock()

	return r.repo.UpsertInstance(ctx, snapshot)
}

// Destroy transitions to Evicting, drops the logical database, releases
// the host, marks Destroyed, and removes the durable record. Idempotent.
func (r *Registry) Destroy(ctx context.Context, docker dockerclient.Client, id string) error {
	r.globalMu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.globalMu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	inst := e.inst
	host := e.host
	e.mu.Unlock()

	adapter, err := dialect.Get(inst.Dialect)
	if err == nil && host != nil {
		for _, stmt := range adapter.Drop(&inst) {
			if execErr := docker.ExecInContainer(ctx, host.ContainerID, adapter.AdminCommand(stmt), nil, nil, nil); execErr != nil {
				r.log.Warn("registry: drop statement failed during destroy", "id", id, "err", execErr)
			}
		}
	}
	if host != nil {
		r.pool.Release(inst.Dialect, host)
	}

	if err := r.repo.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("registry: durable delete on destroy: %w", err)
	}
	return nil
}

// Snapshot returns every live record, for the reaper and for listing.
func (r *Registry) Snapshot() []models.Instance {
	r.globalMu.Lock()
	defer r.globalMu.Unlock()
	out := make([]models.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.inst)
		e.mu.Unlock()
	}
	return out
}

func generatePassword() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
