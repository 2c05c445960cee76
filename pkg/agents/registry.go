// Package agents loads background agent definitions from disk. An agent is a
// directory under the agents root holding config.yaml and prompt.md; older
// installs may instead have a single <name>.md with YAML frontmatter, which
// is still accepted.
package agents

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/logger"
)

// ErrNotFound reports an unknown agent name.
var ErrNotFound = errors.New("agent not found")

// NativeTools is the allow-list of tool names an agent may request. Entries
// in an agent's tools list may be globs matched against these, and any
// mcp__-prefixed name passes regardless.
var NativeTools = []string{
	"Bash",
	"Read",
	"Write",
	"Edit",
	"Glob",
	"Grep",
	"WebFetch",
	"WebSearch",
	"TodoWrite",
	"NotebookEdit",
}

// forbiddenTools cannot be granted to background agents. Subagent spawning
// from a background agent would recurse without bound.
var forbiddenTools = map[string]string{
	"Task":         "subagent spawning is reserved for the primary agent",
	"invoke_agent": "subagent spawning is reserved for the primary agent",
}

const mcpToolPrefix = "mcp__"

// Agent runtimes. SDK agents run as a streaming subprocess session; CLI
// agents run the print-mode binary and return a single response.
const (
	RuntimeSDK = "sdk"
	RuntimeCLI = "cli"
)

// Config is the on-disk agent configuration.
type Config struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description,omitempty"`
	Model          string   `yaml:"model"`
	Runtime        string   `yaml:"runtime,omitempty"`
	Tools          []string `yaml:"tools,omitempty"`
	Skills         []string `yaml:"skills,omitempty"`
	ThinkingBudget int      `yaml:"thinking_budget,omitempty"`
}

// Definition is a loaded, validated agent.
type Definition struct {
	Config Config
	Prompt string
	// Dir is the agent's directory; empty for legacy single-file agents.
	Dir  string
	Path string
}

// HasSkills reports whether the agent requested skill access, which gates
// project-config isolation in the invoker.
func (d *Definition) HasSkills() bool {
	return len(d.Config.Skills) > 0
}

// Registry holds the loaded agent set and reloads it on demand.
type Registry struct {
	root string

	mu     sync.RWMutex
	agents map[string]*Definition
}

// NewRegistry scans root and loads every valid agent. Invalid agents are
// logged and skipped; the registry itself only fails when the root cannot
// be read at all.
func NewRegistry(ctx context.Context, root string) (*Registry, error) {
	r := &Registry{root: root, agents: map[string]*Definition{}}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Root returns the agents directory.
func (r *Registry) Root() string {
	return r.root
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return def, nil
}

// List returns all agents sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Config.Name < out[b].Config.Name })
	return out
}

// Reload rescans the agents root and swaps in the new set atomically.
func (r *Registry) Reload(ctx context.Context) error {
	log := logger.G(ctx)

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.agents = map[string]*Definition{}
			r.mu.Unlock()
			return nil
		}
		return errors.Wrapf(err, "failed to read agents directory %s", r.root)
	}

	loaded := map[string]*Definition{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		var def *Definition
		if entry.IsDir() {
			def, err = loadDir(filepath.Join(r.root, name), name)
		} else if strings.HasSuffix(name, ".md") {
			def, err = loadLegacy(filepath.Join(r.root, name), strings.TrimSuffix(name, ".md"))
		} else {
			continue
		}
		if err != nil {
			log.WithField("agent", name).WithError(err).Warn("skipping invalid agent")
			continue
		}
		if err := Validate(def); err != nil {
			log.WithField("agent", def.Config.Name).WithError(err).Warn("skipping invalid agent")
			continue
		}
		loaded[def.Config.Name] = def
	}

	r.mu.Lock()
	r.agents = loaded
	r.mu.Unlock()
	log.WithField("count", len(loaded)).Debug("agent registry loaded")
	return nil
}

// loadDir reads a directory-style agent: config.yaml plus prompt.md.
func loadDir(dir, fallbackName string) (*Definition, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config.yaml")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config.yaml")
	}
	if cfg.Name == "" {
		cfg.Name = fallbackName
	}

	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.md"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read prompt.md")
	}

	return &Definition{
		Config: cfg,
		Prompt: string(prompt),
		Dir:    dir,
		Path:   filepath.Join(dir, "config.yaml"),
	}, nil
}

// loadLegacy reads a single-file agent with YAML frontmatter.
func loadLegacy(path, fallbackName string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read agent file %s", path)
	}
	cfg, prompt, err := parseFrontmatter(string(raw))
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = fallbackName
	}
	return &Definition{Config: cfg, Prompt: prompt, Path: path}, nil
}

func parseFrontmatter(content string) (Config, string, error) {
	var cfg Config

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert([]byte(content), &buf, parser.WithContext(pctx)); err != nil {
		return cfg, content, errors.Wrap(err, "failed to parse frontmatter")
	}

	fields := meta.Get(pctx)
	if fields != nil {
		if v, ok := fields["name"].(string); ok {
			cfg.Name = v
		}
		if v, ok := fields["description"].(string); ok {
			cfg.Description = v
		}
		if v, ok := fields["model"].(string); ok {
			cfg.Model = v
		}
		if v, ok := fields["runtime"].(string); ok {
			cfg.Runtime = v
		}
		if v, ok := fields["thinking_budget"].(int); ok {
			cfg.ThinkingBudget = v
		}
		cfg.Tools = stringList(fields["tools"])
		cfg.Skills = stringList(fields["skills"])
	}

	return cfg, stripFrontmatter(content), nil
}

// stringList accepts a YAML array or a comma-separated string.
func stringList(field any) []string {
	switch v := field.(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	default:
		return nil
	}
}

func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.TrimLeft(strings.Join(lines[i+1:], "\n"), "\n")
		}
	}
	return content
}

// Validate checks model and tool grants.
func Validate(def *Definition) error {
	if def.Config.Name == "" {
		return errors.New("agent name is required")
	}
	if !llm.ValidAlias(def.Config.Model) {
		return errors.Errorf("invalid model %q, must be one of sonnet, opus, haiku", def.Config.Model)
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return errors.New("agent prompt must not be empty")
	}
	switch def.Config.Runtime {
	case "", RuntimeSDK, RuntimeCLI:
	default:
		return errors.Errorf("invalid runtime %q, must be sdk or cli", def.Config.Runtime)
	}
	for _, tool := range def.Config.Tools {
		if reason, forbidden := forbiddenTools[tool]; forbidden {
			return errors.Errorf("tool %q is forbidden: %s", tool, reason)
		}
		if !toolAllowed(tool) {
			return errors.Errorf("tool %q is not in the native allow-list", tool)
		}
	}
	return nil
}

// toolAllowed matches the grant against native tool names (glob patterns
// accepted) or the MCP namespace.
func toolAllowed(pattern string) bool {
	if strings.HasPrefix(pattern, mcpToolPrefix) {
		return true
	}
	for _, native := range NativeTools {
		if ok, err := doublestar.Match(pattern, native); err == nil && ok {
			return true
		}
	}
	return false
}
