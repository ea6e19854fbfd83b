// Package pool implements the Container Pool: per dialect, a small set of
// long-lived host containers that each hold many logical database
// instances, amortizing the seconds-scale cost of image pull and engine
// startup across many tenants.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dbforge/internal/apperr"
	"dbforge/internal/dialect"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
)

// maxInstancesPerHost bounds how many logical databases one host
// container may serve before the pool spawns another.
const maxInstancesPerHost = 50

// healthFailureThreshold is the number of consecutive failed probes
// before a host is retired.
const healthFailureThreshold = 3

// Host is one long-lived engine container tracked by a DialectPool.
type Host struct {
	ID             string
	ContainerID    string
	Dialect        models.Dialect
	State          models.HostContainerState
	HostedCount    int
	LastHealthAt   time.Time
	ConsecutiveErr int
}

func (h *Host) toModel() models.HostContainer {
	return models.HostContainer{
		ID: h.ID, ContainerID: h.ContainerID, Dialect: h.Dialect,
		State: h.State, HostedCount: h.HostedCount,
		LastHealthAt: h.LastHealthAt, ConsecutiveErr: h.ConsecutiveErr,
	}
}

// DialectPool holds the host containers for a single dialect. A single
// mutex guards slot selection and counters; there is no per-host lock
// because host containers are namespaced by database/user, not by the
// pool itself.
type DialectPool struct {
	mu sync.Mutex

	dialect  models.Dialect
	adapter  dialect.Adapter
	docker   dockerclient.Client
	log      *slog.Logger
	maxHosts int

	hosts   []*Host
	rrIndex int
	nextID  int
}

func newDialectPool(a dialect.Adapter, docker dockerclient.Client, maxHosts int, logger *slog.Logger) *DialectPool {
	return &DialectPool{
		dialect:  a.Dialect(),
		adapter:  a,
		docker:   docker,
		log:      logger,
		maxHosts: maxHosts,
	}
}

// Acquire returns a host in Ready state with spare capacity, round-robin
// over existing hosts; spawns a new host up to maxHosts if none has
// capacity; fails with POOL_EXHAUSTED at cap.
func (p *DialectPool) Acquire(ctx context.Context) (*Host, error) {
	p.mu.Lock()
	if h := p.pickReadyLocked(); h != nil {
		h.HostedCount++
		p.mu.Unlock()
		return h, nil
	}
	if len(p.hosts) >= p.maxHosts {
		p.mu.Unlock()
		return nil, apperr.New(apperr.PoolExhausted, fmt.Sprintf("dialect %s at cap (%d hosts)", p.dialect, p.maxHosts))
	}
	p.mu.Unlock()

	h, err := p.spawnHost(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	h.HostedCount++
	p.mu.Unlock()
	return h, nil
}

// pickReadyLocked must be called with p.mu held.
func (p *DialectPool) pickReadyLocked() *Host {
	n := len(p.hosts)
	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		h := p.hosts[idx]
		if h.State == models.HostReady && h.HostedCount < maxInstancesPerHost {
			p.rrIndex = (idx + 1) % n
			return h
		}
	}
	return nil
}

// Release decrements a host's hosted-instance count.
func (p *DialectPool) Release(host *Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if host.HostedCount > 0 {
		host.HostedCount--
	}
	if host.State == models.HostDraining && host.HostedCount == 0 {
		p.removeLocked(host)
		go p.destroyHost(context.Background(), host)
	}
}

// Warm is idempotent: it ensures at least one host is Ready.
func (p *DialectPool) Warm(ctx context.Context) error {
	p.mu.Lock()
	for _, h := range p.hosts {
		if h.State == models.HostReady {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	_, err := p.spawnHost(ctx)
	return err
}

// Retire transitions a host to Draining; it is destroyed once its
// hosted count reaches zero.
func (p *DialectPool) Retire(host *Host) {
	p.mu.Lock()
	host.State = models.HostDraining
	empty := host.HostedCount == 0
	if empty {
		p.removeLocked(host)
	}
	p.mu.Unlock()

	if empty {
		p.destroyHost(context.Background(), host)
	}
}

func (p *DialectPool) removeLocked(target *Host) {
	for i, h := range p.hosts {
		if h == target {
			p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
			return
		}
	}
}

func (p *DialectPool) destroyHost(ctx context.Context, host *Host) {
	host.State = models.HostGone
	if err := p.docker.StopContainer(ctx, host.ContainerID); err != nil {
		p.log.Error("destroy host container failed", "host", host.ID, "err", err)
	}
}

func (p *DialectPool) spawnHost(ctx context.Context) (*Host, error) {
	args := p.adapter.PoolContainerArgs()
	p.log.Info("pulling image for new host", "dialect", p.dialect, "image", p.adapter.ImageReference())
	if err := p.docker.PullImage(ctx, p.adapter.ImageReference()); err != nil {
		return nil, apperr.Wrap(apperr.DialectPullFailed, "image pull failed", err).WithDetail(p.adapter.ImageReference())
	}

	containerID, err := p.docker.RunContainer(ctx, dockerclient.RunOptions{
		Image:       p.adapter.ImageReference(),
		Env:         args.Env,
		ExposedPort: args.ExposedPort,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.DialectPullFailed, "container start failed", err)
	}

	if err := dockerclient.TryConnect(ctx, p.docker, containerID, 250*time.Millisecond); err != nil {
		return nil, apperr.Wrap(apperr.DialectPullFailed, "container did not become ready", err)
	}

	p.mu.Lock()
	p.nextID++
	h := &Host{
		ID: fmt.Sprintf("%s-host-%d", p.dialect, p.nextID), ContainerID: containerID,
		Dialect: p.dialect, State: models.HostReady, LastHealthAt: time.Now(),
	}
	p.hosts = append(p.hosts, h)
	p.mu.Unlock()

	p.log.Info("host ready", "dialect", p.dialect, "host", h.ID, "container", containerID)
	return h, nil
}

// Probe runs the dialect's health query against every host and retires
// any host past healthFailureThreshold consecutive failures.
func (p *DialectPool) Probe(ctx context.Context) {
	p.mu.Lock()
	hosts := append([]*Host(nil), p.hosts...)
	p.mu.Unlock()

	args := p.adapter.PoolContainerArgs()
	for _, h := range hosts {
		if h.State != models.HostReady {
			continue
		}
		err := p.docker.ExecInContainer(ctx, h.ContainerID, args.HealthQuery, nil, nil, nil)

		p.mu.Lock()
		if err != nil {
			h.ConsecutiveErr++
			p.log.Warn("host health probe failed", "host", h.ID, "consecutive", h.ConsecutiveErr, "err", err)
		} else {
			h.ConsecutiveErr = 0
			h.LastHealthAt = time.Now()
		}
		shouldRetire := h.ConsecutiveErr >= healthFailureThreshold
		p.mu.Unlock()

		if shouldRetire {
			p.log.Error("retiring unhealthy host", "host", h.ID)
			p.Retire(h)
		}
	}
}

// Snapshot lists every host tracked by this dialect's pool.
func (p *DialectPool) Snapshot() []models.HostContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.HostContainer, 0, len(p.hosts))
	for _, h := range p.hosts {
		out = append(out, h.toModel())
	}
	return out
}

// IsWarm reports whether at least one host is Ready.
func (p *DialectPool) IsWarm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hosts {
		if h.State == models.HostReady {
			return true
		}
	}
	return false
}
