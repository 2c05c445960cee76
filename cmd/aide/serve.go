package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aide-sh/aide/pkg/config"
	"github.com/aide-sh/aide/pkg/invoker"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/pipelines"
	"github.com/aide-sh/aide/pkg/presenter"
	"github.com/aide-sh/aide/pkg/scheduler"
	"github.com/aide-sh/aide/pkg/server"
	"github.com/aide-sh/aide/pkg/telemetry"
	"github.com/aide-sh/aide/pkg/toolcalls"
	"github.com/aide-sh/aide/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant server",
	Long: `Start the assistant server: a websocket bus for chat clients, a REST API
over stored conversations, the scheduler, and the memory pipelines. User
messages are written to the WAL before any processing, so a crash mid-turn
never loses them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("host", "", "Host to bind the server to (overrides config)")
	serveCmd.Flags().Int("port", 0, "Port to bind the server to (overrides config)")
	viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func runServe(ctx context.Context) error {
	cfg := config.FromViper(viper.GetViper())
	rt, err := config.NewRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        viper.GetBool("tracing.enabled"),
		ServiceName:    "aide",
		ServiceVersion: version.Get().Version,
		SamplerType:    viper.GetString("tracing.sampler"),
		SamplerRatio:   viper.GetFloat64("tracing.ratio"),
	})
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
	} else {
		defer shutdownTracer(context.Background())
	}

	rooms := server.NewRoomTracker(cfg.ActiveRoomPath(), rt.Store)
	runner := &server.PrimaryRunner{
		Command:    cfg.RuntimeCommand,
		WAL:        rt.WAL,
		Chats:      rt.Chats,
		Tools:      toolcalls.NewRegistry(),
		Rewriter:   rt.Rewriter,
		Engine:     rt.Retrieval,
		WorkingMem: rt.WorkingMem,
		Pending:    rt.Pending,
	}
	srv, err := server.NewServer(&server.Config{Host: cfg.Host, Port: cfg.Port}, rt.WAL, rt.Chats, runner, rt.Push, rooms)
	if err != nil {
		return err
	}
	srv.Restart = rt.Restart
	srv.RestartScript = cfg.RestartScript
	srv.RestartLogPath = filepath.Join(cfg.DataDir, "restart.log")

	titler := pipelines.NewTitler(rt.Chats, rt.LLM)
	srv.OnExchange = func(ctx context.Context, chatID, userMessage, assistantMessage string) {
		if err := rt.Buffer.Append(pipelines.Exchange{
			ExchangeID:       uuid.NewString(),
			UserMessage:      userMessage,
			AssistantMessage: assistantMessage,
			Timestamp:        time.Now().UTC(),
			SessionID:        chatID,
		}); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to buffer exchange")
		}
		if err := rt.WorkingMem.AdvanceExchange(); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to advance working memory")
		}
		if err := titler.Name(ctx, chatID, userMessage, assistantMessage); err != nil {
			logger.G(ctx).WithError(err).Debug("chat titling skipped")
		}
		runMemoryPipelines(ctx, rt)
	}

	rt.Scheduler.SetDispatcher(&taskDispatcher{rt: rt, srv: srv, rooms: rooms})

	if err := srv.RecoverOnStart(ctx); err != nil {
		return err
	}
	resumeContinuation(ctx, rt, srv)

	go func() {
		if err := rt.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.G(ctx).WithError(err).Error("scheduler stopped")
		}
	}()

	presenter.Info(fmt.Sprintf("aide server listening on http://%s:%d", cfg.Host, cfg.Port))
	return srv.Start(ctx)
}

// runMemoryPipelines runs one librarian cycle and, when it ingested
// anything, chains the chronicler over the conversation threads it touched
// and the gardener over the new atoms.
func runMemoryPipelines(ctx context.Context, rt *config.Runtime) {
	var res pipelines.LibrarianResult
	telemetry.WithSpanFunc(ctx, "pipelines.librarian", func(ctx context.Context) {
		res = rt.Librarian.Run(ctx)
	})
	switch res.Status {
	case pipelines.StatusCompleted, pipelines.StatusPartial:
	default:
		return
	}
	if len(res.AffectedConversationThreads) > 0 {
		telemetry.WithSpanFunc(ctx, "pipelines.chronicler", func(ctx context.Context) {
			rt.Chronicler.Run(ctx, res.AffectedConversationThreads)
		})
	}
	if len(res.NewAtomIDs) > 0 {
		telemetry.WithSpanFunc(ctx, "pipelines.gardener", func(ctx context.Context) {
			rt.Gardener.Run(ctx, res.NewAtomIDs, true)
		})
	}
}

// resumeContinuation posts the restart marker's continuation prompt as a
// synthetic user turn, then forgets the marker.
func resumeContinuation(ctx context.Context, rt *config.Runtime, srv *server.Server) {
	marker, ok, err := rt.Restart.ConsumeMarker()
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to read restart marker")
		return
	}
	if !ok || marker.ContinuationPrompt == "" {
		return
	}
	if err := srv.PostAutomatedTurn(ctx, marker.SessionID, marker.ContinuationPrompt, true); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to resume after restart")
	}
}

// taskDispatcher routes fired scheduler tasks: agent tasks to the invoker,
// prompt tasks into the target (or active) chat as automated turns.
type taskDispatcher struct {
	rt    *config.Runtime
	srv   *server.Server
	rooms *server.RoomTracker
}

func (d *taskDispatcher) Dispatch(ctx context.Context, out scheduler.Output) error {
	switch out.Type {
	case scheduler.TypeAgent:
		_, err := d.rt.Invoker.Invoke(ctx, invoker.Request{
			Agent:   out.Agent,
			Prompt:  out.Prompt,
			Mode:    invoker.ModeScheduled,
			Project: out.Project,
			TaskID:  out.ID,
		})
		return err
	case scheduler.TypePrompt:
		chatID := out.RoomID
		if chatID == "" {
			if active, err := d.rooms.Active(); err == nil {
				chatID = active
			}
		}
		if chatID == "" {
			return errors.New("no target chat for scheduled prompt")
		}
		return d.srv.PostAutomatedTurn(ctx, chatID, "[Scheduled] "+out.Prompt, out.Silent)
	default:
		return errors.Errorf("unknown task type %q", out.Type)
	}
}
