// Package app wires the configuration, durable store, daemon client, and
// every domain component into a runnable service, following the
// teacher's ticker-driven App.Run(ctx) shape.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"dbforge/internal/config"
	"dbforge/internal/db"
	"dbforge/internal/dockerclient"
	"dbforge/internal/metrics"
	"dbforge/internal/objectstore"
	"dbforge/internal/pool"
	"dbforge/internal/query"
	"dbforge/internal/reaper"
	"dbforge/internal/registry"
	"dbforge/internal/snapshot"
	"dbforge/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db     *db.Repository
	docker dockerclient.Client

	poolMgr *pool.Manager
	reg     *registry.Registry
	qp      *query.Pipeline
	snap    *snapshot.Engine
	reap    *reaper.Reaper
	met     *metrics.Collector
	web     *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.MetadataDBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	dc, err := dockerclient.New("unix://"+cfg.DockerSocket, logger.With("module", "dockerclient"))
	if err != nil {
		return nil, err
	}

	poolMgr := pool.NewManager(dc, cfg.MaxHostsPerDialect, logger.With("module", "pool"))
	reg := registry.New(repo, poolMgr, cfg.InactivityTimeout, logger.With("module", "registry"))
	qp := query.New(reg, dc, cfg.QueryTimeout, cfg.MaxDBSizeMB, logger.With("module", "query"))

	store, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint: cfg.R2Endpoint, Bucket: cfg.R2Bucket,
		AccessKey: cfg.R2AccessKey, SecretKey: cfg.R2SecretKey,
	})
	if err != nil {
		return nil, err
	}
	snap := snapshot.New(reg, repo, store, dc, logger.With("module", "snapshot"))
	reap := reaper.New(repo, reg, snap, dc, cfg.BackupOnExpiry, logger.With("module", "reaper"))
	met := metrics.New()

	if err := reg.LoadFromStore(context.Background()); err != nil {
		return nil, err
	}

	w := web.NewServer(repo, dc, reg, poolMgr, qp, snap, met, logger.With("module", "web"))

	app := &App{
		cfg: cfg, log: logger,
		db: repo, docker: dc,
		poolMgr: poolMgr, reg: reg, qp: qp, snap: snap, reap: reap, met: met, web: w,
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr(), Handler: w.Routes()}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	a.poolMgr.WarmAllKnown(ctx)

	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr())
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	healthTicker := time.NewTicker(a.cfg.PoolHealthInterval)
	reaperTicker := time.NewTicker(a.cfg.ReaperInterval)
	defer healthTicker.Stop()
	defer reaperTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = a.httpSrv.Shutdown(context.Background())
			return a.db.DB().Close()
		case <-healthTicker.C:
			a.poolMgr.ProbeAll(ctx)
			a.sampleMetrics()
		case <-reaperTicker.C:
			a.reap.Run(ctx)
		}
	}
}

// sampleMetrics refreshes the gauges that have no natural increment
// point of their own (pool occupancy, live-instance counts by state).
func (a *App) sampleMetrics() {
	for _, inst := range a.reg.Snapshot() {
		a.met.SetActiveInstances(inst.Dialect, inst.State, 1)
	}
	for _, status := range pool.Statuses(a.poolMgr) {
		a.met.SetPoolHosts(status.Dialect, a.poolMgr.HostCount(status.Dialect))
	}
}
