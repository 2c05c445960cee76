package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/osutil"
)

// RunCLI executes a print-mode turn: one prompt in, one JSON event list
// out. The context deadline kills the whole process group on breach.
func RunCLI(ctx context.Context, binary, model, systemPrompt, prompt, dir string) (string, error) {
	args := []string{"--print", "--dangerously-skip-permissions", "--model", model, "--output-format", "json"}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	osutil.SetProcessGroup(cmd)
	osutil.SetProcessGroupKill(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Errorf("cli agent timed out")
		}
		return "", errors.Wrapf(err, "cli agent failed: %s", stderr.String())
	}
	return parseCLIOutput(stdout.Bytes())
}

// parseCLIOutput extracts the result entry from the CLI's JSON output,
// which is either an event array or a single result object.
func parseCLIOutput(out []byte) (string, error) {
	type entry struct {
		Type    string `json:"type"`
		IsError bool   `json:"is_error,omitempty"`
		Result  string `json:"result,omitempty"`
	}

	var entries []entry
	if err := json.Unmarshal(out, &entries); err != nil {
		var single entry
		if err := json.Unmarshal(out, &single); err != nil {
			return "", errors.Wrap(err, "failed to parse cli output")
		}
		entries = []entry{single}
	}
	for _, e := range entries {
		if e.Type != "result" {
			continue
		}
		if e.IsError {
			return "", errors.Errorf("cli agent reported an error: %s", e.Result)
		}
		return e.Result, nil
	}
	return "", errors.New("cli output contained no result entry")
}
