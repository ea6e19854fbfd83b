package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dbforge/internal/dialect"
	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
)

// Manager owns one DialectPool per dialect, created lazily on first use.
type Manager struct {
	mu       sync.RWMutex
	pools    map[models.Dialect]*DialectPool
	docker   dockerclient.Client
	log      *slog.Logger
	maxHosts int
}

func NewManager(docker dockerclient.Client, maxHosts int, logger *slog.Logger) *Manager {
	return &Manager{
		pools:    make(map[models.Dialect]*DialectPool),
		docker:   docker,
		log:      logger,
		maxHosts: maxHosts,
	}
}

// getOrCreate returns the DialectPool for tag, creating it on first use.
func (m *Manager) getOrCreate(tag models.Dialect) (*DialectPool, error) {
	m.mu.RLock()
	if p, ok := m.pools[tag]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	adapter, err := dialect.Get(tag)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[tag]; ok {
		return p, nil
	}
	p := newDialectPool(adapter, m.docker, m.maxHosts, m.log.With("dialect", tag))
	m.pools[tag] = p
	return p, nil
}

// Acquire resolves a host container for the given dialect.
func (m *Manager) Acquire(ctx context.Context, tag models.Dialect) (*Host, error) {
	p, err := m.getOrCreate(tag)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a previously acquired host to its pool.
func (m *Manager) Release(tag models.Dialect, host *Host) {
	m.mu.RLock()
	p, ok := m.pools[tag]
	m.mu.RUnlock()
	if ok {
		p.Release(host)
	}
}

// Warm ensures at least one host is Ready for tag.
func (m *Manager) Warm(ctx context.Context, tag models.Dialect) error {
	p, err := m.getOrCreate(tag)
	if err != nil {
		return err
	}
	return p.Warm(ctx)
}

// ProbeAll runs health probes across every dialect pool that has been
// created so far. Called periodically from the app's background loop.
func (m *Manager) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	pools := make([]*DialectPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.Probe(ctx)
	}
}

// DialectStatus summarizes one dialect for the /dialects endpoint.
type DialectStatus struct {
	Dialect models.Dialect
	Warm    bool
}

// Statuses lists every registered dialect (not just those with a live
// pool) and whether it currently has a warm host.
func Statuses(m *Manager) []DialectStatus {
	out := make([]DialectStatus, 0, len(dialect.Names()))
	for _, tag := range dialect.Names() {
		warm := false
		m.mu.RLock()
		if p, ok := m.pools[tag]; ok {
			warm = p.IsWarm()
		}
		m.mu.RUnlock()
		out = append(out, DialectStatus{Dialect: tag, Warm: warm})
	}
	return out
}

// HostCount returns the number of host containers currently tracked for
// tag, for metrics sampling; 0 if no pool has been created yet.
func (m *Manager) HostCount(tag models.Dialect) int {
	m.mu.RLock()
	p, ok := m.pools[tag]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return len(p.Snapshot())
}

// WarmAllKnown pre-warms every registered dialect at startup; failures
// are logged, not fatal, since cold-start on first request is acceptable.
func (m *Manager) WarmAllKnown(ctx context.Context) {
	for _, tag := range dialect.Names() {
		warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if err := m.Warm(warmCtx, tag); err != nil {
			m.log.Warn("startup warm failed", "dialect", tag, "err", err)
		}
		cancel()
	}
}
