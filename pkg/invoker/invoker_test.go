package invoker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/agents"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/notify"
)

type fakeRunner struct {
	response string
	err      error
	block    time.Duration
	lastSpec RunSpec
	done     chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, spec RunSpec) (string, error) {
	f.lastSpec = spec
	if f.done != nil {
		defer close(f.done)
	}
	if f.block > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.block):
		}
	}
	return f.response, f.err
}

func newInvoker(t *testing.T, runner Runner) (*Invoker, *notify.PendingQueue, *ExecutionLog) {
	t.Helper()
	dir := t.TempDir()
	fs := fstore.New()

	agentsDir := filepath.Join(dir, "agents")
	require.NoError(t, os.MkdirAll(filepath.Join(agentsDir, "helper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "helper", "config.yaml"),
		[]byte("model: haiku\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "helper", "prompt.md"),
		[]byte("You help."), 0o644))
	registry, err := agents.NewRegistry(context.Background(), agentsDir)
	require.NoError(t, err)

	procs := NewProcessRegistry(filepath.Join(dir, "process_registry.json"), fs)
	execLog := NewExecutionLog(filepath.Join(dir, "executions.json"), fs)
	pending := notify.NewPendingQueue(filepath.Join(dir, "pending.json"), fs)
	return New(registry, procs, execLog, pending, runner), pending, execLog
}

func TestForegroundInvocation(t *testing.T) {
	runner := &fakeRunner{response: "all done"}
	inv, _, execLog := newInvoker(t, runner)

	result, err := inv.Invoke(context.Background(), Request{Agent: "helper", Prompt: "do the thing"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "all done", result.Response)
	assert.Equal(t, "haiku", runner.lastSpec.Model)

	records, err := execLog.Recent(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "do the thing", records[0].Invocation.Prompt)
	assert.Equal(t, StatusSuccess, records[0].Result.Status)
}

func TestUnknownAgent(t *testing.T) {
	inv, _, _ := newInvoker(t, &fakeRunner{})
	_, err := inv.Invoke(context.Background(), Request{Agent: "nobody", Prompt: "x"})
	assert.ErrorIs(t, err, agents.ErrNotFound)
}

func TestTimeoutStatus(t *testing.T) {
	runner := &fakeRunner{block: time.Second}
	inv, _, _ := newInvoker(t, runner)
	inv.Timeout = 20 * time.Millisecond

	result, err := inv.Invoke(context.Background(), Request{Agent: "helper", Prompt: "slow"})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestErrorNeverCrossesBoundary(t *testing.T) {
	runner := &fakeRunner{err: errors.New("subprocess crashed")}
	inv, _, _ := newInvoker(t, runner)

	result, err := inv.Invoke(context.Background(), Request{Agent: "helper", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.Contains(t, result.Error, "subprocess crashed")
}

func TestPingModeQueuesNotification(t *testing.T) {
	runner := &fakeRunner{response: "found it", done: make(chan struct{})}
	inv, pending, _ := newInvoker(t, runner)

	result, err := inv.Invoke(context.Background(), Request{
		Agent:        "helper",
		Prompt:       "look something up",
		Mode:         ModePing,
		SourceChatID: "chat1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status, "ping returns immediately")

	<-runner.done
	require.Eventually(t, func() bool {
		queued, err := pending.PendingFor("chat1")
		return err == nil && len(queued) == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued, err := pending.PendingFor("chat1")
	require.NoError(t, err)
	assert.Equal(t, "found it", queued[0].Summary)
	assert.Equal(t, "helper", queued[0].Agent)
}

func TestModelOverride(t *testing.T) {
	runner := &fakeRunner{response: "ok"}
	inv, _, _ := newInvoker(t, runner)

	_, err := inv.Invoke(context.Background(), Request{Agent: "helper", Prompt: "x", ModelOverride: "opus"})
	require.NoError(t, err)
	assert.Equal(t, "opus", runner.lastSpec.Model)
}

func TestProjectMetadataAppended(t *testing.T) {
	runner := &fakeRunner{response: "ok"}
	inv, _, _ := newInvoker(t, runner)

	_, err := inv.Invoke(context.Background(), Request{
		Agent:   "helper",
		Prompt:  "write the report",
		Project: "quarterly",
		TaskID:  "task-9",
	})
	require.NoError(t, err)
	assert.Contains(t, runner.lastSpec.Prompt, "PROJECT METADATA")
	assert.Contains(t, runner.lastSpec.Prompt, "project: quarterly")
	assert.Contains(t, runner.lastSpec.Prompt, "task_id: task-9")
}

func TestProcessRegistrySuffixing(t *testing.T) {
	fs := fstore.New()
	r := NewProcessRegistry(filepath.Join(t.TempDir(), "process_registry.json"), fs)
	r.alive = func(int) bool { return true }

	id1, err := r.Register("researcher", "first", nil)
	require.NoError(t, err)
	_, err = r.Register("researcher", "second", nil)
	require.NoError(t, err)
	_, err = r.Register("researcher", "third", nil)
	require.NoError(t, err)

	live, err := r.Live()
	require.NoError(t, err)
	names := make([]string, len(live))
	for i, entry := range live {
		names[i] = entry.Agent
	}
	assert.ElementsMatch(t, []string{"researcher", "researcher_1", "researcher_2"}, names)

	require.NoError(t, r.Deregister(id1))
	live, err = r.Live()
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestProcessRegistryPrunesDeadPids(t *testing.T) {
	fs := fstore.New()
	r := NewProcessRegistry(filepath.Join(t.TempDir(), "process_registry.json"), fs)
	deadPid := 4242
	r.alive = func(pid int) bool { return pid != deadPid }

	_, err := r.Register("external", "spawned", &deadPid)
	require.NoError(t, err)
	_, err = r.Register("managed", "in process", nil)
	require.NoError(t, err)

	live, err := r.Live()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "managed", live[0].Agent, "nil-pid entries are always kept")
}

func TestExecutionLogBounded(t *testing.T) {
	l := NewExecutionLog(filepath.Join(t.TempDir(), "executions.json"), fstore.New())
	for i := 0; i < ExecutionLogCap+15; i++ {
		require.NoError(t, l.Append(ExecutionRecord{
			Invocation: Invocation{Agent: "a", Prompt: fmt.Sprintf("run %d", i)},
			Result:     AgentResult{Status: StatusSuccess},
		}))
	}
	records, err := l.Recent(0)
	require.NoError(t, err)
	require.Len(t, records, ExecutionLogCap)
	assert.Equal(t, "run 15", records[0].Invocation.Prompt, "oldest entries trimmed")
}

func TestIsolateConfig(t *testing.T) {
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "AGENT.md"), []byte("primary identity"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "settings.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(project, "skills"), 0o755))

	dir, cleanup, err := IsolateConfig(context.Background(), project, "", "background identity")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "AGENT.md"))
	require.NoError(t, err)
	assert.Equal(t, "background identity", string(data), "identity file is a fresh stub, not a link")

	info, err := os.Lstat(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "other config entries are symlinked")
	_, err = os.Stat(filepath.Join(dir, "skills"))
	require.NoError(t, err)

	cleanup()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "isolation dir removed on exit")
	_, err = os.Stat(filepath.Join(project, "settings.json"))
	assert.NoError(t, err, "originals survive cleanup")
}
