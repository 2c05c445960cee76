package invoker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/logger"
)

// DefaultIdentityFile is the top-level prompt file carrying the agent's
// identity inside a project config directory.
const DefaultIdentityFile = "AGENT.md"

// IsolateConfig builds a per-invocation working directory: symlinks to
// every entry of projectDir except the identity file, plus a unique stub
// written in its place. The primary agent and background agents can then
// run in parallel without racing on the shared identity file. The returned
// cleanup removes the directory (symlinks make this safe) and must run on
// every exit path.
func IsolateConfig(ctx context.Context, projectDir, identityFile, stub string) (string, func(), error) {
	if identityFile == "" {
		identityFile = DefaultIdentityFile
	}

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to read project config dir %s", projectDir)
	}

	dir, err := os.MkdirTemp("", "aide-invoke-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create isolation dir")
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.G(ctx).WithField("dir", dir).WithError(err).Warn("failed to remove isolation dir")
		}
	}

	for _, entry := range entries {
		if entry.Name() == identityFile {
			continue
		}
		target, err := filepath.Abs(filepath.Join(projectDir, entry.Name()))
		if err != nil {
			cleanup()
			return "", nil, errors.Wrap(err, "failed to resolve config entry")
		}
		if err := os.Symlink(target, filepath.Join(dir, entry.Name())); err != nil {
			cleanup()
			return "", nil, errors.Wrapf(err, "failed to link %s", entry.Name())
		}
	}

	if err := os.WriteFile(filepath.Join(dir, identityFile), []byte(stub), 0o644); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "failed to write identity stub")
	}
	return dir, cleanup, nil
}
