// Package invoker runs background agents: it resolves the agent
// definition, isolates its configuration, tracks it in the shared process
// registry, executes it in one of four modes, and records the outcome in
// the bounded execution log.
package invoker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/aide-sh/aide/pkg/fstore"
)

// RegistryEntry is one live invocation in the shared registry file.
type RegistryEntry struct {
	ID string `json:"id"`
	// PID is nil for managed (in-process) work; such entries are never
	// pruned by liveness checks.
	PID     *int      `json:"pid"`
	Agent   string    `json:"agent"`
	Task    string    `json:"task"`
	Started time.Time `json:"started"`
}

// ProcessRegistry is the shared registry of running invocations.
type ProcessRegistry struct {
	store *fstore.Store
	path  string

	// alive is stubbed in tests.
	alive func(pid int) bool
}

// NewProcessRegistry opens the registry at path.
func NewProcessRegistry(path string, store *fstore.Store) *ProcessRegistry {
	return &ProcessRegistry{
		store: store,
		path:  path,
		alive: func(pid int) bool {
			found, _ := process.PidExists(int32(pid))
			return found
		},
	}
}

// Register appends an entry under the file lock and returns its id. Agent
// name uniqueness is kept by suffixing _1, _2, … when the name is taken.
func (r *ProcessRegistry) Register(agentName, task string, pid *int) (string, error) {
	id := uuid.NewString()
	var entries []RegistryEntry
	err := r.store.Update(r.path, &entries, func() error {
		entries = r.pruneLocked(entries)

		taken := map[string]bool{}
		for _, entry := range entries {
			taken[entry.Agent] = true
		}
		name := agentName
		for i := 1; taken[name]; i++ {
			name = fmt.Sprintf("%s_%d", agentName, i)
		}

		entries = append(entries, RegistryEntry{
			ID:      id,
			PID:     pid,
			Agent:   name,
			Task:    task,
			Started: time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to register process")
	}
	return id, nil
}

// Deregister removes the entry. Unknown ids are a no-op; the entry may
// already have been pruned.
func (r *ProcessRegistry) Deregister(id string) error {
	var entries []RegistryEntry
	return r.store.Update(r.path, &entries, func() error {
		for i, entry := range entries {
			if entry.ID == id {
				entries = append(entries[:i], entries[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Live returns the current entries, pruning any whose OS process died.
func (r *ProcessRegistry) Live() ([]RegistryEntry, error) {
	var entries []RegistryEntry
	err := r.store.Update(r.path, &entries, func() error {
		entries = r.pruneLocked(entries)
		return nil
	})
	return entries, err
}

func (r *ProcessRegistry) pruneLocked(entries []RegistryEntry) []RegistryEntry {
	kept := entries[:0]
	for _, entry := range entries {
		if entry.PID != nil && !r.alive(*entry.PID) {
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}
