package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBackend runs commands via the host shell instead of Docker, so the
// instance/manager state machine and serialization guarantees can be
// exercised without a daemon. Container "creation" just allocates an id.
type fakeBackend struct {
	networkExists bool

	mu         sync.Mutex
	containers map[string]bool

	createCount atomic.Int32
	removeCount atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{networkExists: true, containers: make(map[string]bool)}
}

func (f *fakeBackend) NetworkExists(ctx context.Context, network string) (bool, error) {
	return f.networkExists, nil
}

func (f *fakeBackend) Create(ctx context.Context, spec containerSpec) (string, error) {
	f.createCount.Add(1)
	id := fmt.Sprintf("fake-%d", f.createCount.Load())
	f.mu.Lock()
	f.containers[id] = true
	f.mu.Unlock()
	return id, nil
}

func (f *fakeBackend) IsRunning(ctx context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[containerID], nil
}

func (f *fakeBackend) Exec(ctx context.Context, containerID, command, workdir string, hardTimeout time.Duration) (execOutcome, error) {
	execCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	// workdir is a container-internal path ("/workspace"), not meaningful
	// on the host running this fake, so it is intentionally not applied
	// to cmd.Dir here.
	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	outcome := execOutcome{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return outcome, nil
	}
	if execCtx.Err() == context.DeadlineExceeded {
		outcome.Killed = true
		return outcome, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}
	return outcome, err
}

func (f *fakeBackend) Stats(ctx context.Context, containerID string) (int64, float64, int, error) {
	return 1024 * 1024, 1.5, 3, nil
}

func (f *fakeBackend) Remove(ctx context.Context, containerID string) error {
	f.removeCount.Add(1)
	f.mu.Lock()
	delete(f.containers, containerID)
	f.mu.Unlock()
	return nil
}
