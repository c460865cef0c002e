package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// containerSpec describes the long-lived container an Instance creates on
// its first tool call.
type containerSpec struct {
	Image        string
	Name         string
	Network      string
	WorkspaceDir string
	MemoryMB     int
	CPUs         float64
	PIDsLimit    int
}

// execOutcome is the raw result of running one command inside a container,
// before timeout/OOM classification is applied by the caller.
type execOutcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Killed   bool // process did not exit on its own; the hard timeout expired
}

// containerBackend is the seam between Instance's state machine and the
// actual container runtime, so the owner-goroutine logic can be exercised
// without a Docker daemon.
type containerBackend interface {
	NetworkExists(ctx context.Context, network string) (bool, error)
	Create(ctx context.Context, spec containerSpec) (containerID string, err error)
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Exec(ctx context.Context, containerID, command, workdir string, hardTimeout time.Duration) (execOutcome, error)
	Stats(ctx context.Context, containerID string) (memBytes int64, cpuPercent float64, pidCount int, err error)
	Remove(ctx context.Context, containerID string) error
}

// dockerCLIBackend shells out to the docker CLI, the same way the
// teacher's dockerExecutor does (no SDK client, no daemon socket access).
type dockerCLIBackend struct{}

func newDockerCLIBackend() *dockerCLIBackend { return &dockerCLIBackend{} }

func (d *dockerCLIBackend) NetworkExists(ctx context.Context, network string) (bool, error) {
	cmd := exec.CommandContext(ctx, "docker", "network", "inspect", network)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, fmt.Errorf("sandbox: docker network inspect: %w", err)
	}
	return true, nil
}

func (d *dockerCLIBackend) Create(ctx context.Context, spec containerSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--network", spec.Network,
		"--cpus", fmt.Sprintf("%.2f", spec.CPUs),
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB),
		"--pids-limit", strconv.Itoa(spec.PIDsLimit),
		"--ulimit", "nofile=1024:1024",
		"-v", spec.WorkspaceDir + ":/workspace:rw",
		"-w", "/workspace",
		spec.Image,
		"sleep", "infinity",
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("sandbox: docker run: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		return "", errors.New("sandbox: docker run returned empty container id")
	}
	return id, nil
}

func (d *dockerCLIBackend) IsRunning(ctx context.Context, containerID string) (bool, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", containerID)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("sandbox: docker inspect: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()) == "true", nil
}

// Exec runs command inside containerID, wrapped in the container's own
// `timeout` so the process is forcibly terminated even if the host-side
// docker exec call is killed first. hardTimeout governs both.
func (d *dockerCLIBackend) Exec(ctx context.Context, containerID, command, workdir string, hardTimeout time.Duration) (execOutcome, error) {
	seconds := int(hardTimeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	wrapped := fmt.Sprintf("timeout --signal=KILL %ds sh -c %s", seconds, shellQuote(command))

	execCtx, cancel := context.WithTimeout(ctx, hardTimeout+10*time.Second)
	defer cancel()

	args := []string{"exec", "-w", workdir, containerID, "sh", "-c", wrapped}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
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
		// The in-container `timeout --signal=KILL` exits 137 when it fires.
		if outcome.ExitCode == 137 && time.Since(start) >= hardTimeout {
			outcome.Killed = true
		}
		return outcome, nil
	}
	return outcome, fmt.Errorf("sandbox: docker exec: %w", err)
}

// Stats parses `docker stats --no-stream`, a best-effort diagnostic read
// per spec.md §4.2 (no cgroup access of our own).
func (d *dockerCLIBackend) Stats(ctx context.Context, containerID string) (int64, float64, int, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "stats", "--no-stream",
		"--format", "{{.MemUsage}}|{{.CPUPerc}}|{{.PIDs}}", containerID)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, 0, 0, fmt.Errorf("sandbox: docker stats: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseDockerStats(strings.TrimSpace(stdout.String()))
}

// parseDockerStats parses a "12.3MiB / 1GiB|1.50%|7" line.
func parseDockerStats(line string) (int64, float64, int, error) {
	fields := strings.SplitN(line, "|", 3)
	if len(fields) != 3 {
		return 0, 0, 0, fmt.Errorf("sandbox: unexpected docker stats output %q", line)
	}

	memField := strings.SplitN(fields[0], "/", 2)[0]
	memBytes, err := parseByteSize(strings.TrimSpace(memField))
	if err != nil {
		return 0, 0, 0, err
	}

	cpuStr := strings.TrimSuffix(strings.TrimSpace(fields[1]), "%")
	cpuPercent, err := strconv.ParseFloat(cpuStr, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sandbox: parse cpu percent %q: %w", fields[1], err)
	}

	pids, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sandbox: parse pid count %q: %w", fields[2], err)
	}

	return memBytes, cpuPercent, pids, nil
}

var byteUnits = map[string]float64{
	"B":   1,
	"KiB": 1024,
	"MiB": 1024 * 1024,
	"GiB": 1024 * 1024 * 1024,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
}

func parseByteSize(s string) (int64, error) {
	for _, suffix := range []string{"GiB", "MiB", "KiB", "GB", "MB", "KB", "B"} {
		if strings.HasSuffix(s, suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, suffix))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("sandbox: parse byte size %q: %w", s, err)
			}
			return int64(num * byteUnits[suffix]), nil
		}
	}
	return 0, fmt.Errorf("sandbox: unrecognized byte size unit in %q", s)
}

func (d *dockerCLIBackend) Remove(ctx context.Context, containerID string) error {
	cmd := exec.CommandContext(context.Background(), "docker", "rm", "-f", containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandbox: docker rm: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// shellQuote wraps s in single quotes for embedding in a `sh -c` argument,
// escaping any single quotes it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
