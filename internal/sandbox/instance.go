package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/owui/gateway-core/pkg/models"
)

// ExecResult is the outcome of one exec call.
type ExecResult struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	ExitCode     int    `json:"exit_code"`
	KilledReason string `json:"killed_reason,omitempty"` // "", "timeout", "oom"
}

// FileEntry is one row of a listFiles response.
type FileEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Dir   bool   `json:"dir"`
}

// Stats is a best-effort snapshot of one instance's resource usage.
type Stats struct {
	MemBytes   int64   `json:"mem_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	PIDCount   int     `json:"pid_count"`
	DiskBytes  int64   `json:"disk_bytes"`
}

// stats gathers a resource snapshot. It requires a running container for
// the memory/CPU/PID figures; disk usage is read directly from the host
// workspace regardless of container state.
func (inst *instance) stats(ctx context.Context) (Stats, error) {
	disk, _ := dirSizeBytes(inst.workspace)
	if inst.containerID == "" {
		return Stats{DiskBytes: disk}, nil
	}
	mem, cpu, pids, err := inst.backend.Stats(ctx, inst.containerID)
	if err != nil {
		return Stats{DiskBytes: disk}, err
	}
	return Stats{MemBytes: mem, CPUPercent: cpu, PIDCount: pids, DiskBytes: disk}, nil
}

type instanceRequest struct {
	ctx  context.Context
	do   func(ctx context.Context) (any, error)
	resp chan instanceResult

	// peek requests (snapshot) run do() directly without first starting
	// a container and without resetting the idle timer — introspection
	// must not itself keep an instance alive or spin one up.
	peek bool
}

type instanceResult struct {
	val any
	err error
}

// instance is one SandboxInstance. Every field below is touched only by
// the owner goroutine started in run(); callers reach it exclusively
// through submit, which hands the goroutine a closure and waits on a
// dedicated response channel. The container handle (containerID) is
// never read or written from any other goroutine.
type instance struct {
	tenant         string
	conversationID string

	cfg     Config
	backend containerBackend
	logger  *slog.Logger

	reqCh     chan instanceRequest
	stoppedCh chan struct{}

	onExit func()

	state       models.SandboxState
	containerID string
	workspace   string
	createdAt   time.Time
	lastExecAt  time.Time
	inFlight    int
}

func newInstance(tenant, conversationID string, cfg Config, backend containerBackend, logger *slog.Logger, onExit func()) *instance {
	inst := &instance{
		tenant:         tenant,
		conversationID: conversationID,
		cfg:            cfg,
		backend:        backend,
		logger:         logger,
		reqCh:          make(chan instanceRequest),
		stoppedCh:      make(chan struct{}),
		onExit:         onExit,
		state:          models.SandboxAbsent,
		workspace:      hostWorkspaceDir(cfg.WorkspaceRoot, tenant, conversationID),
		createdAt:      time.Now(),
	}
	go inst.run()
	return inst
}

// key identifies the (tenant, conversation) pair this instance owns.
func (inst *instance) key() string { return inst.tenant + "/" + inst.conversationID }

// snapshot copies the owner goroutine's view of this instance's state
// into the wire-shaped models.SandboxInstance. Must only be called from
// within run(), i.e. via a submit closure.
func (inst *instance) snapshot() models.SandboxInstance {
	return models.SandboxInstance{
		Tenant:         inst.tenant,
		ConversationID: inst.conversationID,
		State:          inst.state,
		ContainerID:    inst.containerID,
		WorkspaceDir:   inst.workspace,
		LastExecAt:     inst.lastExecAt,
		CreatedAt:      inst.createdAt,
		InFlightExecs:  inst.inFlight,
	}
}

// submit enqueues do to run on the owner goroutine and blocks for its
// result, honoring ctx cancellation on both the send and the receive.
func (inst *instance) submit(ctx context.Context, do func(ctx context.Context) (any, error)) (any, error) {
	return inst.send(ctx, do, false)
}

// peek is like submit but never starts a container and never resets the
// idle timer, for read-only introspection of an instance's own state.
func (inst *instance) peek(ctx context.Context, do func(ctx context.Context) (any, error)) (any, error) {
	return inst.send(ctx, do, true)
}

func (inst *instance) send(ctx context.Context, do func(ctx context.Context) (any, error), peek bool) (any, error) {
	resp := make(chan instanceResult, 1)
	select {
	case inst.reqCh <- instanceRequest{ctx: ctx, do: do, resp: resp, peek: peek}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inst.stoppedCh:
		return nil, errors.New("sandbox: instance evicted")
	}
	select {
	case res := <-resp:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeIdle requests eviction even if the idle TTL has not elapsed yet,
// for an explicit "conversation closed" signal.
func (inst *instance) closeIdle() {
	select {
	case inst.reqCh <- instanceRequest{ctx: context.Background(), do: func(context.Context) (any, error) {
		return nil, errEvictNow
	}, resp: make(chan instanceResult, 1)}:
	case <-inst.stoppedCh:
	}
}

var errEvictNow = errors.New("sandbox: evict now")

func (inst *instance) run() {
	defer close(inst.stoppedCh)
	defer inst.onExit()

	idleTTL := inst.cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	timer := time.NewTimer(idleTTL)
	defer timer.Stop()

	for {
		select {
		case req, ok := <-inst.reqCh:
			if !ok {
				inst.stopContainer()
				return
			}
			if req.peek {
				val, err := req.do(req.ctx)
				req.resp <- instanceResult{val: val, err: err}
				continue
			}
			val, err := inst.handle(req)
			if errors.Is(err, errEvictNow) {
				inst.stopContainer()
				req.resp <- instanceResult{}
				return
			}
			req.resp <- instanceResult{val: val, err: err}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTTL)
		case <-timer.C:
			inst.logger.Info("sandbox instance idle, evicting", "tenant", inst.tenant, "conversation", inst.conversationID)
			inst.stopContainer()
			return
		}
	}
}

func (inst *instance) handle(req instanceRequest) (any, error) {
	if err := inst.ensureReady(req.ctx); err != nil {
		return nil, err
	}
	inst.state = models.SandboxBusy
	inst.inFlight++
	val, err := req.do(req.ctx)
	inst.inFlight--
	inst.state = models.SandboxReady
	inst.lastExecAt = time.Now()
	return val, err
}

func (inst *instance) ensureReady(ctx context.Context) error {
	if inst.state == models.SandboxReady || inst.state == models.SandboxBusy {
		return nil
	}

	inst.state = models.SandboxStarting
	if err := os.MkdirAll(inst.workspace, 0o755); err != nil {
		inst.state = models.SandboxAbsent
		return fmt.Errorf("sandbox: create workspace: %w", err)
	}

	name := containerName(inst.tenant, inst.conversationID)
	id, err := inst.backend.Create(ctx, containerSpec{
		Image:        inst.cfg.Image,
		Name:         name,
		Network:      inst.cfg.Network,
		WorkspaceDir: inst.workspace,
		MemoryMB:     inst.cfg.MemoryMB,
		CPUs:         inst.cfg.CPUs,
		PIDsLimit:    inst.cfg.PIDsLimit,
	})
	if err != nil {
		inst.state = models.SandboxAbsent
		return err
	}

	running, err := inst.backend.IsRunning(ctx, id)
	if err != nil || !running {
		inst.state = models.SandboxAbsent
		_ = inst.backend.Remove(context.Background(), id)
		if err != nil {
			return err
		}
		return fmt.Errorf("sandbox: container %s did not report running", id)
	}

	inst.containerID = id
	inst.state = models.SandboxReady
	return nil
}

func (inst *instance) stopContainer() {
	if inst.containerID == "" {
		inst.state = models.SandboxEvicted
		return
	}
	inst.state = models.SandboxStopping
	if err := inst.backend.Remove(context.Background(), inst.containerID); err != nil {
		inst.logger.Warn("sandbox: failed to remove container", "container", inst.containerID, "error", err)
	}
	inst.containerID = ""
	inst.state = models.SandboxEvicted
}

// exec runs command against the running container, applying the
// configured hard timeout and classifying the outcome per spec.md §4.2.
func (inst *instance) exec(ctx context.Context, command, workdir string) (ExecResult, error) {
	if workdir == "" {
		workdir = "/workspace"
	}
	outcome, err := inst.backend.Exec(ctx, inst.containerID, command, workdir, inst.cfg.ExecTimeout)
	if err != nil {
		return ExecResult{}, err
	}

	result := ExecResult{
		Stdout:   truncate(outcome.Stdout, inst.cfg.MaxOutputBytes),
		Stderr:   truncate(outcome.Stderr, inst.cfg.MaxOutputBytes),
		ExitCode: outcome.ExitCode,
	}
	switch {
	case outcome.Killed:
		result.KilledReason = "timeout"
	case outcome.ExitCode == 137:
		// SIGKILL without our own timeout expiring is most often the
		// container's OOM killer, not a host-side cancellation.
		result.KilledReason = "oom"
	}
	return result, nil
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... (truncated)"
}

func containerName(tenant, conversationID string) string {
	safe := func(s string) string {
		s = strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
				return r
			}
			return '-'
		}, s)
		return s
	}
	return "owui-sandbox-" + safe(tenant) + "-" + safe(conversationID) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
