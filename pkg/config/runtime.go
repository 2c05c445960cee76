package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/agents"
	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/embedding"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/invoker"
	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/memory"
	"github.com/aide-sh/aide/pkg/notify"
	"github.com/aide-sh/aide/pkg/pipelines"
	"github.com/aide-sh/aide/pkg/restart"
	"github.com/aide-sh/aide/pkg/retrieval"
	"github.com/aide-sh/aide/pkg/scheduler"
	"github.com/aide-sh/aide/pkg/sdk"
	"github.com/aide-sh/aide/pkg/wal"
	"github.com/aide-sh/aide/pkg/workingmem"
)

// Runtime is the assembled dependency container every command runs on.
type Runtime struct {
	Config *Config
	Store  *fstore.Store

	WAL   *wal.Log
	Chats *chats.Store

	Index   *embedding.Index
	Atoms   *memory.AtomStore
	Threads *memory.ThreadStore
	Buffer  *pipelines.Buffer

	Librarian  *pipelines.Librarian
	Chronicler *pipelines.Chronicler
	Gardener   *pipelines.Gardener
	Retrieval  *retrieval.Engine
	Rewriter   *retrieval.Rewriter

	Agents  *agents.Registry
	Invoker *invoker.Invoker
	Pending *notify.PendingQueue
	Push    *notify.PushService

	Tasks     *scheduler.TaskStore
	Scheduler *scheduler.Scheduler

	WorkingMem *workingmem.Store
	Restart    *restart.Manager

	LLM llm.StructuredCaller
}

// NewRuntime builds the container, creating the data directory layout as
// needed. The scheduler is constructed without a dispatcher; the serve
// command attaches one before starting it.
func NewRuntime(ctx context.Context, cfg *Config) (*Runtime, error) {
	for _, dir := range []string{cfg.DataDir, cfg.MemoryDir(), filepath.Dir(cfg.VAPIDKeysPath())} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	store := fstore.New()
	rt := &Runtime{Config: cfg, Store: store}

	var err error
	if rt.WAL, err = wal.New(cfg.WALDir(), store); err != nil {
		return nil, errors.Wrap(err, "failed to open wal")
	}
	if rt.Chats, err = chats.NewStore(cfg.ChatsDir(), store); err != nil {
		return nil, errors.Wrap(err, "failed to open chat store")
	}

	rt.LLM = llm.NewClient()
	if err := rt.openMemory(ctx); err != nil {
		return nil, err
	}

	if rt.Agents, err = agents.NewRegistry(ctx, cfg.AgentsDir()); err != nil {
		return nil, errors.Wrap(err, "failed to load agent registry")
	}
	rt.Pending = notify.NewPendingQueue(cfg.PendingPath(), store)
	rt.Push = notify.NewPushService(cfg.VAPIDKeysPath(), cfg.SubscriptionsPath(), store)

	runner := &sdk.Runner{Command: cfg.RuntimeCommand, CLIBinary: cfg.CLIBinary}
	procs := invoker.NewProcessRegistry(cfg.ProcessRegistryPath(), store)
	execLog := invoker.NewExecutionLog(cfg.ExecutionLogPath(), store)
	rt.Invoker = invoker.New(rt.Agents, procs, execLog, rt.Pending, runner)
	rt.Invoker.ProjectDir = cfg.ProjectDir

	rt.Tasks = scheduler.NewTaskStore(cfg.TasksPath(), store)
	rt.Scheduler = scheduler.New(rt.Tasks, nil)

	rt.WorkingMem = workingmem.NewStore(cfg.WorkingMemPath(), store)
	rt.Restart = restart.NewManager(cfg.RestartMarkerPath(), store)
	return rt, nil
}

// openMemory builds the long-term memory stack: index, stores, pipelines,
// retrieval.
func (rt *Runtime) openMemory(ctx context.Context) error {
	cfg := rt.Config
	enc := embedding.NewOpenAIEncoder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)

	var err error
	if rt.Index, err = embedding.NewIndex(cfg.IndexDir(), enc, rt.Store); err != nil {
		return errors.Wrap(err, "failed to open embedding index")
	}
	if rt.Atoms, err = memory.NewAtomStore(cfg.AtomsPath(), rt.Index, rt.Store); err != nil {
		return errors.Wrap(err, "failed to open atom store")
	}
	if rt.Threads, err = memory.NewThreadStore(cfg.ThreadsPath(), rt.Index, rt.Atoms, rt.Store); err != nil {
		return errors.Wrap(err, "failed to open thread store")
	}

	rt.Buffer = pipelines.NewBuffer(cfg.BufferPath(), rt.Store)
	throttle := pipelines.NewThrottle(cfg.ThrottlePath(), rt.Store)
	rt.Librarian = pipelines.NewLibrarian(rt.Buffer, throttle, rt.Atoms, rt.Threads, rt.LLM)
	rt.Chronicler = pipelines.NewChronicler(rt.Threads, rt.Atoms, throttle, rt.LLM)
	rt.Gardener = pipelines.NewGardener(rt.Index, rt.Atoms, rt.Threads, throttle, rt.LLM)
	rt.Retrieval = retrieval.NewEngine(rt.Index, rt.Atoms, rt.Threads)
	rt.Rewriter = retrieval.NewRewriter(rt.LLM)
	return nil
}

// WipeMemory deletes the whole long-term memory state on disk and reopens
// empty stores. Chats, tasks, and working memory are untouched.
func (rt *Runtime) WipeMemory(ctx context.Context) error {
	if err := os.RemoveAll(rt.Config.MemoryDir()); err != nil {
		return errors.Wrap(err, "failed to remove memory dir")
	}
	if err := os.MkdirAll(rt.Config.MemoryDir(), 0o755); err != nil {
		return errors.Wrap(err, "failed to recreate memory dir")
	}
	return rt.openMemory(ctx)
}
