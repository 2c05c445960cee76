package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAgent(t *testing.T, root, name, config, prompt string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(prompt), 0o644))
}

func TestRegistryLoadsDirectoryAgent(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "researcher", `
model: sonnet
description: digs into topics
tools:
  - WebSearch
  - WebFetch
  - Read
`, "You research topics thoroughly.")

	r, err := NewRegistry(context.Background(), root)
	require.NoError(t, err)

	def, err := r.Get("researcher")
	require.NoError(t, err)
	assert.Equal(t, "sonnet", def.Config.Model)
	assert.Equal(t, "You research topics thoroughly.", def.Prompt)
	assert.Len(t, def.Config.Tools, 3)
	assert.False(t, def.HasSkills())
}

func TestRegistryLoadsLegacyFrontmatterAgent(t *testing.T) {
	root := t.TempDir()
	content := `---
model: haiku
tools: Read, Grep
---

You answer quick questions.
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "quick.md"), []byte(content), 0o644))

	r, err := NewRegistry(context.Background(), root)
	require.NoError(t, err)

	def, err := r.Get("quick")
	require.NoError(t, err)
	assert.Equal(t, "haiku", def.Config.Model)
	assert.Equal(t, []string{"Read", "Grep"}, def.Config.Tools)
	assert.Equal(t, "You answer quick questions.\n", def.Prompt)
	assert.Empty(t, def.Dir)
}

func TestRegistrySkipsInvalidModel(t *testing.T) {
	root := t.TempDir()
	writeAgent(t, root, "bad", "model: gpt-4\n", "prompt")
	writeAgent(t, root, "good", "model: opus\n", "prompt")

	r, err := NewRegistry(context.Background(), root)
	require.NoError(t, err)

	_, err = r.Get("bad")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get("good")
	assert.NoError(t, err)
	assert.Len(t, r.List(), 1)
}

func TestValidateRejectsForbiddenTool(t *testing.T) {
	def := &Definition{
		Config: Config{Name: "spawner", Model: "sonnet", Tools: []string{"Task"}},
		Prompt: "prompt",
	}
	err := Validate(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestValidateToolGrants(t *testing.T) {
	cases := []struct {
		name  string
		tools []string
		ok    bool
	}{
		{"native name", []string{"Bash"}, true},
		{"glob over natives", []string{"Web*"}, true},
		{"mcp namespaced", []string{"mcp__linear__create_issue"}, true},
		{"unknown tool", []string{"LaunchMissiles"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := &Definition{
				Config: Config{Name: "a", Model: "sonnet", Tools: tc.tools},
				Prompt: "prompt",
			}
			err := Validate(def)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestReloadPicksUpNewAgent(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	r, err := NewRegistry(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, r.List())

	writeAgent(t, root, "late", "model: haiku\n", "prompt")
	require.NoError(t, r.Reload(ctx))

	def, err := r.Get("late")
	require.NoError(t, err)
	assert.Equal(t, "late", def.Config.Name)
}

func TestRegistryMissingRootIsEmpty(t *testing.T) {
	r, err := NewRegistry(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, r.List())
}
