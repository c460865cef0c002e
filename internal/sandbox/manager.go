// Package sandbox owns one long-lived, isolated execution environment per
// active conversation and serves the sandbox tool calls against it.
//
// Each SandboxInstance is driven by exactly one owner goroutine (see
// instance.go); the container handle is never shared across goroutines.
// The Manager's job is limited to routing calls to the right instance and
// sweeping idle ones.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/owui/gateway-core/pkg/models"
)

// Config configures the Sandbox Manager and every instance it creates.
type Config struct {
	Network       string
	Image         string
	WorkspaceRoot string
	IdleTTL       time.Duration
	SweepInterval time.Duration
	ExecTimeout   time.Duration

	// Resource policy, fixed by spec.md §4.2, not environment-configurable.
	MemoryMB       int
	CPUs           float64
	PIDsLimit      int
	MaxOutputBytes int
}

// withDefaults fills in the fixed resource policy and sensible timing
// defaults a caller didn't set explicitly.
func (c Config) withDefaults() Config {
	if c.MemoryMB <= 0 {
		c.MemoryMB = 1024
	}
	if c.CPUs <= 0 {
		c.CPUs = 2
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = 100
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 256 * 1024
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = "data"
	}
	return c
}

// Manager owns the (tenant, conversation)-keyed map of instances.
type Manager struct {
	cfg     Config
	backend containerBackend
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs the Sandbox Manager. It refuses to start if the
// configured bridge network does not exist — the manager assumes the
// firewall rules on that bridge are a host-level invariant and does not
// attempt to enforce them itself.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	return newManagerWithBackend(cfg, newDockerCLIBackend(), logger)
}

func newManagerWithBackend(cfg Config, backend containerBackend, logger *slog.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	exists, err := backend.NetworkExists(context.Background(), cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("sandbox: checking network %q: %w", cfg.Network, err)
	}
	if !exists {
		return nil, fmt.Errorf("sandbox: network %q does not exist; create it before starting the sandbox manager", cfg.Network)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		backend:   backend,
		logger:    logger,
		instances: make(map[string]*instance),
		cancel:    cancel,
	}
	m.wg.Add(1)
	go m.sweepLoop(ctx)
	return m, nil
}

// sweepLoop periodically logs instance counts; actual idle eviction is
// each instance's own responsibility (instance.run's idle timer) so the
// owner goroutine never has its container handle touched externally.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			n := len(m.instances)
			m.mu.Unlock()
			m.logger.Debug("sandbox sweep", "active_instances", n)
		}
	}
}

// Close stops the sweep loop and evicts every instance, removing their
// containers. Workspace directories on host are left intact.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	for _, inst := range insts {
		inst.closeIdle()
	}
	return nil
}

func (m *Manager) instanceFor(tenant, conversationID string) *instance {
	key := tenant + "/" + conversationID
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[key]; ok {
		return inst
	}
	inst := newInstance(tenant, conversationID, m.cfg, m.backend, m.logger, func() {
		m.mu.Lock()
		if m.instances[key] != nil {
			delete(m.instances, key)
		}
		m.mu.Unlock()
	})
	m.instances[key] = inst
	return inst
}

// Instances returns a point-in-time snapshot of every instance the
// Manager currently tracks, for admin/dashboard introspection.
func (m *Manager) Instances() []models.SandboxInstance {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	out := make([]models.SandboxInstance, 0, len(insts))
	for _, inst := range insts {
		val, err := inst.peek(context.Background(), func(context.Context) (any, error) {
			return inst.snapshot(), nil
		})
		if err != nil {
			continue
		}
		out = append(out, val.(models.SandboxInstance))
	}
	return out
}

// CloseConversation evicts the instance for (tenant, conversationID), if
// one exists, stopping its container while retaining the workspace.
func (m *Manager) CloseConversation(tenant, conversationID string) {
	key := tenant + "/" + conversationID
	m.mu.Lock()
	inst, ok := m.instances[key]
	m.mu.Unlock()
	if ok {
		inst.closeIdle()
	}
}

// Exec runs command inside the conversation's instance, creating it on
// first use. Concurrent calls for the same conversation queue FIFO.
func (m *Manager) Exec(ctx context.Context, tenant, conversationID, command, workdir string) (ExecResult, error) {
	inst := m.instanceFor(tenant, conversationID)
	val, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return inst.exec(ctx, command, workdir)
	})
	if err != nil {
		return ExecResult{}, err
	}
	return val.(ExecResult), nil
}

// WriteFile writes content to path within the conversation's workspace.
func (m *Manager) WriteFile(ctx context.Context, tenant, conversationID, path, content string) error {
	inst := m.instanceFor(tenant, conversationID)
	_, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return nil, writeFile(inst.workspace, path, content)
	})
	return err
}

// ReadFile returns up to maxLines lines of path (0 means unlimited), with
// a truncation marker appended if the file had more.
func (m *Manager) ReadFile(ctx context.Context, tenant, conversationID, path string, maxLines int) (string, error) {
	inst := m.instanceFor(tenant, conversationID)
	val, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return readFile(inst.workspace, path, maxLines)
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// ListFiles lists the conversation's workspace contents.
func (m *Manager) ListFiles(ctx context.Context, tenant, conversationID, path string, recursive bool) ([]FileEntry, error) {
	inst := m.instanceFor(tenant, conversationID)
	val, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return listFiles(inst.workspace, path, recursive)
	})
	if err != nil {
		return nil, err
	}
	return val.([]FileEntry), nil
}

// DiffEdit replaces search with replace in path, once or for every
// occurrence, and reports how many replacements were made.
func (m *Manager) DiffEdit(ctx context.Context, tenant, conversationID, path, search, replace string, allOccurrences bool) (int, error) {
	inst := m.instanceFor(tenant, conversationID)
	val, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return diffEdit(inst.workspace, path, search, replace, allOccurrences)
	})
	if err != nil {
		return 0, err
	}
	return val.(int), nil
}

// Stats returns a best-effort resource snapshot for the conversation's
// instance.
func (m *Manager) Stats(ctx context.Context, tenant, conversationID string) (Stats, error) {
	inst := m.instanceFor(tenant, conversationID)
	val, err := inst.submit(ctx, func(ctx context.Context) (any, error) {
		return inst.stats(ctx)
	})
	if err != nil {
		return Stats{}, err
	}
	return val.(Stats), nil
}
