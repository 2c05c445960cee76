// Package toolcalls turns observed tool uses into compact hidden history
// entries. Each tool name can register a policy deciding which arguments
// survive and how hard the output is truncated; the renderer produces the
// one-liner injected into later turns so agents remember what they ran
// without paying for full outputs.
package toolcalls

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Default truncation bounds.
const (
	DefaultMaxArgs      = 5
	DefaultArgMaxLen    = 100
	DefaultOutputMaxLen = 300
)

// Record is one raw tool use as observed during a turn.
type Record struct {
	ToolID    string         `json:"tool_id"`
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	Output    string         `json:"output"`
	IsError   bool           `json:"is_error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Policy controls serialization for one tool name.
type Policy struct {
	// KeepArgs lists argument names to retain, in render order. Empty
	// means keep up to MaxArgs arguments alphabetically.
	KeepArgs     []string `mapstructure:"keep_args" json:"keep_args,omitempty"`
	MaxArgs      int      `mapstructure:"max_args" json:"max_args,omitempty"`
	ArgMaxLen    int      `mapstructure:"arg_max_len" json:"arg_max_len,omitempty"`
	OutputMaxLen int      `mapstructure:"output_max_len" json:"output_max_len,omitempty"`
}

func (p Policy) withDefaults() Policy {
	if p.MaxArgs == 0 {
		p.MaxArgs = DefaultMaxArgs
	}
	if p.ArgMaxLen == 0 {
		p.ArgMaxLen = DefaultArgMaxLen
	}
	if p.OutputMaxLen == 0 {
		p.OutputMaxLen = DefaultOutputMaxLen
	}
	return p
}

// Arg is one kept argument.
type Arg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Serialized is the stored form of a tool call, the content of a hidden
// tool_call message.
type Serialized struct {
	Name      string    `json:"name"`
	Args      []Arg     `json:"args,omitempty"`
	Output    string    `json:"output,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry maps tool names to policies.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a registry preloaded with policies for the native
// tools whose interesting argument is obvious.
func NewRegistry() *Registry {
	r := &Registry{policies: map[string]Policy{}}
	r.policies["Bash"] = Policy{KeepArgs: []string{"command"}}
	r.policies["Read"] = Policy{KeepArgs: []string{"file_path", "offset", "limit"}}
	r.policies["Write"] = Policy{KeepArgs: []string{"file_path"}}
	r.policies["Edit"] = Policy{KeepArgs: []string{"file_path"}}
	r.policies["Glob"] = Policy{KeepArgs: []string{"pattern", "path"}}
	r.policies["Grep"] = Policy{KeepArgs: []string{"pattern", "path"}}
	r.policies["WebFetch"] = Policy{KeepArgs: []string{"url"}}
	r.policies["WebSearch"] = Policy{KeepArgs: []string{"query"}}
	return r
}

// Register decodes a raw policy document (e.g. from config) for a tool.
func (r *Registry) Register(name string, raw map[string]any) error {
	var policy Policy
	if err := mapstructure.Decode(raw, &policy); err != nil {
		return errors.Wrapf(err, "invalid serializer policy for tool %q", name)
	}
	r.policies[name] = policy
	return nil
}

// Serialize applies the tool's policy (or the default) to the record.
func (r *Registry) Serialize(rec Record) Serialized {
	policy := r.policies[rec.Name].withDefaults()

	var keys []string
	if len(policy.KeepArgs) > 0 {
		for _, key := range policy.KeepArgs {
			if _, ok := rec.Args[key]; ok {
				keys = append(keys, key)
			}
		}
	} else {
		for key := range rec.Args {
			keys = append(keys, key)
		}
		sort.Strings(keys)
	}
	if len(keys) > policy.MaxArgs {
		keys = keys[:policy.MaxArgs]
	}

	args := make([]Arg, 0, len(keys))
	for _, key := range keys {
		args = append(args, Arg{Key: key, Value: truncate(formatValue(rec.Args[key]), policy.ArgMaxLen)})
	}

	return Serialized{
		Name:      rec.Name,
		Args:      args,
		Output:    truncate(rec.Output, policy.OutputMaxLen),
		IsError:   rec.IsError,
		Timestamp: rec.Timestamp,
	}
}

// Marshal encodes the serialized call for storage as message content.
func Marshal(s Serialized) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal tool call")
	}
	return string(data), nil
}

// Unmarshal decodes stored message content back into a Serialized.
func Unmarshal(content string) (Serialized, error) {
	var s Serialized
	if err := json.Unmarshal([]byte(content), &s); err != nil {
		return Serialized{}, errors.Wrap(err, "failed to unmarshal tool call")
	}
	return s, nil
}

// Render turns a stored tool call into the compact one-liner injected into
// the next turn's context.
func Render(s Serialized) string {
	var sb strings.Builder
	sb.WriteString("[Tool: ")
	sb.WriteString(s.Name)
	for _, arg := range s.Args {
		fmt.Fprintf(&sb, " | %s: %s", arg.Key, arg.Value)
	}
	if s.IsError {
		sb.WriteString(" | Error: ")
		sb.WriteString(s.Output)
	} else if s.Output != "" {
		sb.WriteString(" | Output: ")
		sb.WriteString(s.Output)
	}
	sb.WriteString("]")
	return sb.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
