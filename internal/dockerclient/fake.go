package dockerclient

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Client for tests that don't need a real daemon.
// ExecFunc, when set, determines the result of ExecInContainer calls;
// otherwise Exec succeeds with empty output.
type Fake struct {
	mu         sync.Mutex
	containers map[string]Info
	nextID     int

	PullErr error
	PingErr error
	ExecFunc func(containerID string, argv []string) (stdout, stderr string, err error)
}

// NewFake returns an empty Fake daemon.
func NewFake() *Fake {
	return &Fake{containers: map[string]Info{}}
}

func (f *Fake) PullImage(ctx context.Context, image string) error {
	return f.PullErr
}

func (f *Fake) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-container-%d", f.nextID)
	f.containers[id] = Info{ID: id, Running: true, HostIP: "127.0.0.1", Port: "0"}
	return id, nil
}

func (f *Fake) ExecInContainer(ctx context.Context, containerID string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	// A real exec always drains stdin even when the command ignores it;
	// match that so callers piping into a pipe.Writer don't block forever
	// waiting for a reader that will never come.
	if stdin != nil {
		io.Copy(io.Discard, stdin)
	}
	if f.ExecFunc == nil {
		return nil
	}
	out, errOut, err := f.ExecFunc(containerID, argv)
	if stdout != nil {
		io.WriteString(stdout, out)
	}
	if stderr != nil {
		io.WriteString(stderr, errOut)
	}
	return err
}

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *Fake) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.containers[containerID]
	if !ok {
		return Info{}, fmt.Errorf("dockerclient: fake has no container %s", containerID)
	}
	return info, nil
}
