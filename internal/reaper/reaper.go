// Package reaper implements the background eviction loop: instances
// past their idle deadline are optionally snapshotted, then destroyed.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"dbforge/internal/db"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
	"dbforge/internal/registry"
	"dbforge/internal/snapshot"
)

// backupRetryBudget bounds how many times a failed backup-on-expiry is
// retried before the reaper gives up and destroys anyway.
const backupRetryBudget = 2

type Reaper struct {
	repo           *db.Repository
	reg            *registry.Registry
	snap           *snapshot.Engine
	docker         dockerclient.Client
	backupOnExpiry bool
	log            *slog.Logger
}

func New(repo *db.Repository, reg *registry.Registry, snap *snapshot.Engine, docker dockerclient.Client, backupOnExpiry bool, logger *slog.Logger) *Reaper {
	return &Reaper{repo: repo, reg: reg, snap: snap, docker: docker, backupOnExpiry: backupOnExpiry, log: logger}
}

// Run performs a single sweep: every instance with now >= expires_at and
// state Ready or Busy is evicted (Busy instances are skipped and retried
// next tick).
func (r *Reaper) Run(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := r.repo.ListExpired(ctx, now)
	if err != nil {
		r.log.Error("reaper: list expired failed", "err", err)
		return
	}

	for _, rec := range expired {
		r.evict(ctx, rec)
	}
}

func (r *Reaper) evict(ctx context.Context, rec models.Instance) {
	live, err := r.reg.Get(rec.ID)
	if err != nil {
		// Already gone from the live registry; the durable row is stale,
		// drop it so future sweeps don't keep tripping over it.
		_ = r.repo.DeleteInstance(ctx, rec.ID)
		return
	}
	if live.State == models.StateBusy {
		return
	}

	if r.backupOnExpiry {
		var backupErr error
		for attempt := 0; attempt <= backupRetryBudget; attempt++ {
			if _, backupErr = r.snap.Backup(ctx, rec.ID); backupErr == nil {
				break
			}
			r.log.Warn("reaper: backup-on-expiry attempt failed", "instance", rec.ID, "attempt", attempt, "err", backupErr)
		}
		if backupErr != nil {
			r.log.Error("reaper: backup-on-expiry exhausted retry budget, destroying anyway", "instance", rec.ID, "err", backupErr)
		}
	}

	if err := r.reg.Destroy(ctx, r.docker, rec.ID); err != nil {
		r.log.Error("reaper: destroy failed", "instance", rec.ID, "err", err)
		return
	}
	r.log.Info("reaper: evicted idle instance", "instance", rec.ID)
}
