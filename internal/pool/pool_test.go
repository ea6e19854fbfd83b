package pool

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"dbforge/internal/dockerclient"
	"dbforge/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireSpawnsFirstHost(t *testing.T) {
	fake := dockerclient.NewFake()
	m := NewManager(fake, 4, testLogger())

	host, err := m.Acquire(context.Background(), models.DialectMySQL)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if host.State != models.HostReady {
		t.Fatalf("host state = %s, want Ready", host.State)
	}
	if host.HostedCount != 1 {
		t.Fatalf("host hosted count = %d, want 1", host.HostedCount)
	}
}

func TestAcquireReusesWarmHost(t *testing.T) {
	fake := dockerclient.NewFake()
	m := NewManager(fake, 4, testLogger())

	h1, err := m.Acquire(context.Background(), models.DialectMySQL)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h2, err := m.Acquire(context.Background(), models.DialectMySQL)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if h1.ID != h2.ID {
		t.Fatalf("expected second acquire to reuse host %s, got %s", h1.ID, h2.ID)
	}
	if h2.HostedCount != 2 {
		t.Fatalf("hosted count = %d, want 2", h2.HostedCount)
	}
}

func TestAcquireFailsWhenExhausted(t *testing.T) {
	fake := dockerclient.NewFake()
	m := NewManager(fake, 1, testLogger())

	h, err := m.Acquire(context.Background(), models.DialectMySQL)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	// Fill the single host to capacity.
	for i := 1; i < maxInstancesPerHost; i++ {
		h.HostedCount++
	}

	if _, err := m.Acquire(context.Background(), models.DialectMySQL); err == nil {
		t.Fatal("expected POOL_EXHAUSTED once at max hosts and host is full")
	}
}

func TestReleaseDecrementsHostedCount(t *testing.T) {
	fake := dockerclient.NewFake()
	m := NewManager(fake, 4, testLogger())

	host, _ := m.Acquire(context.Background(), models.DialectMySQL)
	m.Release(models.DialectMySQL, host)

	if host.HostedCount != 0 {
		t.Fatalf("hosted count = %d, want 0", host.HostedCount)
	}
}

func TestWarmIsIdempotent(t *testing.T) {
	fake := dockerclient.NewFake()
	m := NewManager(fake, 4, testLogger())

	if err := m.Warm(context.Background(), models.DialectMySQL); err != nil {
		t.Fatalf("Warm 1: %v", err)
	}
	if err := m.Warm(context.Background(), models.DialectMySQL); err != nil {
		t.Fatalf("Warm 2: %v", err)
	}

	p, _ := m.getOrCreate(models.DialectMySQL)
	if len(p.hosts) != 1 {
		t.Fatalf("expected exactly one host after two Warm calls, got %d", len(p.hosts))
	}
}

func TestProbeRetiresAfterConsecutiveFailures(t *testing.T) {
	fake := dockerclient.NewFake()
	fake.ExecFunc = func(string, []string) (string, string, error) {
		return "", "connection refused", context.DeadlineExceeded
	}
	m := NewManager(fake, 4, testLogger())

	host, _ := m.Acquire(context.Background(), models.DialectMySQL)
	p, _ := m.getOrCreate(models.DialectMySQL)

	for i := 0; i < healthFailureThreshold; i++ {
		p.Probe(context.Background())
	}

	if host.State != models.HostGone && host.State != models.HostDraining {
		t.Fatalf("host state = %s, want Draining or Gone after repeated probe failures", host.State)
	}
}
