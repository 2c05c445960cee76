package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aide-sh/aide/pkg/agents"
	"github.com/aide-sh/aide/pkg/logger"
	"github.com/aide-sh/aide/pkg/notify"
	"github.com/aide-sh/aide/pkg/telemetry"
)

// Invocation modes.
const (
	ModeForeground = "foreground"
	ModePing       = "ping"
	ModeTrust      = "trust"
	ModeScheduled  = "scheduled"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// DefaultTimeout bounds one agent run.
const DefaultTimeout = 10 * time.Minute

// AgentResult is what an invocation produces.
type AgentResult struct {
	Agent       string    `json:"agent"`
	Status      string    `json:"status"`
	Response    string    `json:"response,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Error       string    `json:"error,omitempty"`
}

// Request carries the invoke_agent parameters.
type Request struct {
	Agent         string
	Prompt        string
	Mode          string
	SourceChatID  string
	ModelOverride string
	Project       string
	TaskID        string
}

// RunSpec is what the runner executes: a resolved agent, the final prompt,
// and the working directory (possibly an isolation dir).
type RunSpec struct {
	Agent  *agents.Definition
	Prompt string
	Model  string
	Dir    string
}

// Runner executes one agent run to completion. The sdk package provides
// the production implementation.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (string, error)
}

// Invoker orchestrates agent invocations.
type Invoker struct {
	registry *agents.Registry
	procs    *ProcessRegistry
	execLog  *ExecutionLog
	pending  *notify.PendingQueue
	runner   Runner

	// ProjectDir is the shared project configuration directory; empty
	// disables config isolation.
	ProjectDir string
	// IdentityFile overrides the identity file name inside ProjectDir.
	IdentityFile string
	Timeout      time.Duration
	Now          func() time.Time
}

// New wires an Invoker.
func New(registry *agents.Registry, procs *ProcessRegistry, execLog *ExecutionLog, pending *notify.PendingQueue, runner Runner) *Invoker {
	return &Invoker{
		registry: registry,
		procs:    procs,
		execLog:  execLog,
		pending:  pending,
		runner:   runner,
		Timeout:  DefaultTimeout,
		Now:      time.Now,
	}
}

// Invoke runs the named agent. Foreground blocks until completion; the
// other modes schedule the run and return immediately. Failures never
// cross this boundary as raw errors: background results land in the
// execution log and, for ping mode, the pending-notification queue.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*AgentResult, error) {
	def, err := inv.registry.Get(req.Agent)
	if err != nil {
		return nil, err
	}
	if req.Mode == "" {
		req.Mode = ModeForeground
	}
	switch req.Mode {
	case ModeForeground, ModePing, ModeTrust, ModeScheduled:
	default:
		return nil, errors.Errorf("invalid invocation mode %q", req.Mode)
	}

	if req.Mode == ModeForeground {
		result := inv.execute(ctx, def, req)
		return &result, nil
	}

	// Background modes detach from the caller's context but keep its
	// logger fields.
	bgCtx := logger.WithLogger(context.Background(), logger.G(ctx))
	go func() {
		result := inv.execute(bgCtx, def, req)
		if req.Mode == ModePing && inv.pending != nil && req.SourceChatID != "" {
			summary := result.Response
			if result.Status != StatusSuccess {
				summary = fmt.Sprintf("agent %s finished with status %s: %s", req.Agent, result.Status, result.Error)
			}
			if _, err := inv.pending.Append(req.SourceChatID, req.Agent, summary); err != nil {
				logger.G(bgCtx).WithError(err).Warn("failed to queue pending notification")
			}
		}
	}()
	now := inv.Now().UTC()
	return &AgentResult{Agent: req.Agent, Status: StatusSuccess, StartedAt: now, CompletedAt: now,
		Response: fmt.Sprintf("agent %s scheduled in %s mode", req.Agent, req.Mode)}, nil
}

func (inv *Invoker) execute(ctx context.Context, def *agents.Definition, req Request) AgentResult {
	log := logger.G(ctx).WithFields(map[string]any{"agent": req.Agent, "mode": req.Mode})
	started := inv.Now().UTC()
	result := AgentResult{Agent: req.Agent, StartedAt: started}

	regID, err := inv.procs.Register(req.Agent, truncateTask(req.Prompt), nil)
	if err != nil {
		log.WithError(err).Warn("failed to register process")
	} else {
		defer func() {
			if err := inv.procs.Deregister(regID); err != nil {
				log.WithError(err).Warn("failed to deregister process")
			}
		}()
	}

	prompt := req.Prompt
	if req.Project != "" {
		prompt += projectMetadataBlock(req.Agent, req.Project, req.TaskID, started)
	}

	dir := ""
	if def.HasSkills() && inv.ProjectDir != "" {
		stub := identityStub(req.Agent, def)
		isoDir, cleanup, err := IsolateConfig(ctx, inv.ProjectDir, inv.IdentityFile, stub)
		if err != nil {
			log.WithError(err).Warn("config isolation failed, running without project config")
		} else {
			dir = isoDir
			defer cleanup()
		}
	}

	model := def.Config.Model
	if req.ModelOverride != "" {
		model = req.ModelOverride
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()
	var response string
	err = telemetry.WithSpan(runCtx, "agent.invoke", func(spanCtx context.Context) error {
		var runErr error
		response, runErr = inv.runner.Run(spanCtx, RunSpec{Agent: def, Prompt: prompt, Model: model, Dir: dir})
		return runErr
	}, attribute.String("agent", req.Agent), attribute.String("mode", req.Mode))
	result.CompletedAt = inv.Now().UTC()

	switch {
	case err == nil:
		result.Status = StatusSuccess
		result.Response = response
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimeout
		result.Error = err.Error()
	default:
		result.Status = StatusError
		result.Error = err.Error()
	}

	if inv.execLog != nil {
		rec := ExecutionRecord{
			Invocation: Invocation{
				Agent:         req.Agent,
				Prompt:        req.Prompt,
				Mode:          req.Mode,
				SourceChatID:  req.SourceChatID,
				ModelOverride: req.ModelOverride,
				Project:       req.Project,
				RequestedAt:   started,
			},
			Result: result,
		}
		if err := inv.execLog.Append(rec); err != nil {
			log.WithError(err).Warn("failed to append execution log")
		}
	}
	log.WithField("status", result.Status).Info("agent invocation finished")
	return result
}

// projectMetadataBlock is the fixed prompt suffix instructing the agent to
// stamp files it produces. Adherence is the agent's responsibility; the
// core does not verify after the fact.
func projectMetadataBlock(agent, project, taskID string, now time.Time) string {
	return fmt.Sprintf(`

PROJECT METADATA
Any file you produce must begin with YAML frontmatter:
---
agent: %s
project: %s
date: %s
task_id: %s
---
Name produced files %s-%s-<topic>.md.`,
		agent, project, now.Format("2006-01-02"), taskID,
		now.Format("2006-01-02"), project)
}

func identityStub(name string, def *agents.Definition) string {
	return fmt.Sprintf("# Agent: %s\n\n%s\n", name, def.Prompt)
}

func truncateTask(prompt string) string {
	const max = 120
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "…"
}
