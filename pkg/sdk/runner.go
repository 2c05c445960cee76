package sdk

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/agents"
	"github.com/aide-sh/aide/pkg/invoker"
)

// Runner is the production invoker.Runner: background agents run as a
// non-streaming session (or the CLI fallback for cli-runtime agents) and
// return their final text.
type Runner struct {
	// Command is the streaming runtime binary plus fixed arguments.
	Command []string
	// CLIBinary serves agents with runtime cli.
	CLIBinary string
}

// Run executes one agent to completion.
func (r *Runner) Run(ctx context.Context, spec invoker.RunSpec) (string, error) {
	if spec.Agent != nil && spec.Agent.Config.Runtime == agents.RuntimeCLI {
		if r.CLIBinary == "" {
			return "", errors.New("no cli binary configured")
		}
		return RunCLI(ctx, r.CLIBinary, spec.Model, spec.Agent.Prompt, spec.Prompt, spec.Dir)
	}

	systemPrompt := ""
	if spec.Agent != nil {
		systemPrompt = spec.Agent.Prompt
	}
	session := NewSession(SessionConfig{
		Command:      r.Command,
		Model:        spec.Model,
		SystemPrompt: systemPrompt,
		Dir:          spec.Dir,
	}, nil, nil, nil, nil)
	result, err := session.Run(ctx, spec.Prompt)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
