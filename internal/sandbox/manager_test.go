package sandbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, backend *fakeBackend) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := newManagerWithBackend(Config{
		Network:       "sandbox_network",
		Image:         "owui-sandbox-base:latest",
		WorkspaceRoot: root,
		ExecTimeout:   2 * time.Second,
		SweepInterval: 50 * time.Millisecond,
	}, backend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManager_RefusesWhenNetworkMissing(t *testing.T) {
	backend := newFakeBackend()
	backend.networkExists = false

	_, err := newManagerWithBackend(Config{Network: "sandbox_network", WorkspaceRoot: t.TempDir()}, backend, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox_network")
}

func TestExec_CreatesInstanceLazilyAndReturnsOutput(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	result, err := m.Exec(ctx, "tenant-a", "conv-1", "echo hello", "")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, int32(1), backend.createCount.Load())
}

func TestExec_ReusesInstanceAcrossCalls(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	_, err := m.Exec(ctx, "tenant-a", "conv-1", "echo one", "")
	require.NoError(t, err)
	_, err = m.Exec(ctx, "tenant-a", "conv-1", "echo two", "")
	require.NoError(t, err)

	assert.Equal(t, int32(1), backend.createCount.Load())
}

func TestExec_TimeoutReportsKilledReason(t *testing.T) {
	backend := newFakeBackend()
	root := t.TempDir()
	m, err := newManagerWithBackend(Config{
		Network:       "sandbox_network",
		WorkspaceRoot: root,
		ExecTimeout:   100 * time.Millisecond,
	}, backend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	result, err := m.Exec(context.Background(), "tenant-a", "conv-1", "sleep 5", "")
	require.NoError(t, err)
	assert.Equal(t, "timeout", result.KilledReason)
}

func TestExec_SameConversationSerializesFIFO(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)

	logFile := m.cfg.WorkspaceRoot + "/order.log"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = m.Exec(context.Background(), "tenant-a", "conv-1",
			fmt.Sprintf("sleep 0.2 && echo first >> %s", logFile), "")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond) // ensure this one is enqueued second
		_, _ = m.Exec(context.Background(), "tenant-a", "conv-1",
			fmt.Sprintf("echo second >> %s", logFile), "")
	}()
	wg.Wait()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestExec_DifferentConversationsRunConcurrently(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2)
	for _, conv := range []string{"conv-1", "conv-2"} {
		conv := conv
		go func() {
			defer wg.Done()
			_, _ = m.Exec(context.Background(), "tenant-a", conv, "sleep 0.3", "")
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 550*time.Millisecond, "two conversations should execute concurrently, not serially")
}

func TestWriteReadFile_RoundTrip(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "notes.txt", "line one\nline two\n"))

	out, err := m.ReadFile(ctx, "tenant-a", "conv-1", "notes.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", out)
}

func TestReadFile_MaxLinesTruncates(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "log.txt", "a\nb\nc\nd\n"))

	out, err := m.ReadFile(ctx, "tenant-a", "conv-1", "log.txt", 2)
	require.NoError(t, err)
	assert.Contains(t, out, "a\nb")
	assert.Contains(t, out, "truncated")
}

func TestListFiles_FlatAndRecursive(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "a.txt", "x"))
	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "sub/b.txt", "y"))

	flat, err := m.ListFiles(ctx, "tenant-a", "conv-1", "", false)
	require.NoError(t, err)
	var names []string
	for _, e := range flat {
		names = append(names, e.Path)
	}
	assert.Contains(t, names, "a.txt")

	recursive, err := m.ListFiles(ctx, "tenant-a", "conv-1", "", true)
	require.NoError(t, err)
	var found bool
	for _, e := range recursive {
		if e.Path == "sub/b.txt" {
			found = true
		}
	}
	assert.True(t, found, "recursive listing should include nested files")
}

func TestDiffEdit_AllOccurrencesVsFirstOnly(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "f.txt", "foo foo foo"))

	n, err := m.DiffEdit(ctx, "tenant-a", "conv-1", "f.txt", "foo", "bar", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	out, err := m.ReadFile(ctx, "tenant-a", "conv-1", "f.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "bar foo foo", out)

	n, err = m.DiffEdit(ctx, "tenant-a", "conv-1", "f.txt", "foo", "bar", true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	out, err = m.ReadFile(ctx, "tenant-a", "conv-1", "f.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "bar bar bar", out)
}

func TestDiffEdit_SearchNotFoundErrors(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "f.txt", "hello"))

	_, err := m.DiffEdit(ctx, "tenant-a", "conv-1", "f.txt", "missing", "x", false)
	assert.Error(t, err)
}

func TestStats_ReportsDiskAndContainerUsage(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "f.txt", "12345"))
	_, err := m.Exec(ctx, "tenant-a", "conv-1", "true", "")
	require.NoError(t, err)

	stats, err := m.Stats(ctx, "tenant-a", "conv-1")
	require.NoError(t, err)
	assert.Greater(t, stats.DiskBytes, int64(0))
	assert.Equal(t, int64(1024*1024), stats.MemBytes)
	assert.Equal(t, 3, stats.PIDCount)
}

func TestCloseConversation_RemovesContainerButKeepsWorkspace(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "tenant-a", "conv-1", "keep.txt", "still here"))
	_, err := m.Exec(ctx, "tenant-a", "conv-1", "true", "")
	require.NoError(t, err)

	m.CloseConversation("tenant-a", "conv-1")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), backend.removeCount.Load())

	out, err := m.ReadFile(ctx, "tenant-a", "conv-1", "keep.txt", 0)
	require.NoError(t, err)
	assert.Equal(t, "still here", out)
}

func TestInstances_SnapshotsWithoutStartingNewContainers(t *testing.T) {
	backend := newFakeBackend()
	m := newTestManager(t, backend)
	ctx := context.Background()

	// Touching a never-used conversation should not appear in Instances()
	// just from asking; only actual tool use creates an instance.
	assert.Empty(t, m.Instances())

	_, err := m.Exec(ctx, "tenant-a", "conv-1", "true", "")
	require.NoError(t, err)

	before := backend.createCount.Load()
	snaps := m.Instances()
	require.Len(t, snaps, 1)
	assert.Equal(t, "tenant-a", snaps[0].Tenant)
	assert.Equal(t, "conv-1", snaps[0].ConversationID)
	assert.NotEmpty(t, snaps[0].ContainerID)
	assert.Equal(t, before, backend.createCount.Load(), "snapshotting must not start a new container")
}

func TestResolveWorkspacePath_RejectsEscape(t *testing.T) {
	_, err := resolveWorkspacePath("/data/tenant/conv", "../../etc/passwd")
	assert.Error(t, err)
}
