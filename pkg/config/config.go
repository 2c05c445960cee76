// Package config loads the runtime configuration and assembles the
// dependency container the commands run on.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir    string
	Host       string
	Port       int
	ProjectDir string

	// RuntimeCommand launches the streaming agent runtime; CLIBinary is
	// the print-mode fallback for cli-runtime agents.
	RuntimeCommand []string
	CLIBinary      string

	Embedding EmbeddingConfig

	// RestartScript relaunches the server after an agent-initiated
	// restart; empty disables the respawn (the marker still works).
	RestartScript string

	LogLevel string
}

// EmbeddingConfig points at an OpenAI-compatible embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// SetDefaults registers defaults on the given viper instance.
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("data_dir", filepath.Join(home, ".aide"))
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7160)
	v.SetDefault("runtime_command", []string{"claude", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose", "--print"})
	v.SetDefault("cli_binary", "claude")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("log_level", "info")
}

// FromViper resolves the configuration from the given viper instance.
func FromViper(v *viper.Viper) *Config {
	SetDefaults(v)
	return &Config{
		DataDir:        v.GetString("data_dir"),
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		ProjectDir:     v.GetString("project_dir"),
		RuntimeCommand: v.GetStringSlice("runtime_command"),
		CLIBinary:      v.GetString("cli_binary"),
		Embedding: EmbeddingConfig{
			BaseURL: v.GetString("embedding.base_url"),
			APIKey:  v.GetString("embedding.api_key"),
			Model:   v.GetString("embedding.model"),
		},
		RestartScript: v.GetString("restart_script"),
		LogLevel:      v.GetString("log_level"),
	}
}

// Paths derived from DataDir.

func (c *Config) WALDir() string { return filepath.Join(c.DataDir, "wal") }
func (c *Config) ChatsDir() string { return filepath.Join(c.DataDir, "chats") }
func (c *Config) MemoryDir() string { return filepath.Join(c.DataDir, "memory") }
func (c *Config) AgentsDir() string { return filepath.Join(c.DataDir, "agents") }
func (c *Config) AtomsPath() string { return filepath.Join(c.MemoryDir(), "atoms.json") }
func (c *Config) IndexDir() string { return filepath.Join(c.MemoryDir(), "index") }
func (c *Config) TasksPath() string { return filepath.Join(c.DataDir, "tasks.json") }
func (c *Config) ThreadsPath() string { return filepath.Join(c.MemoryDir(), "threads.json") }
func (c *Config) BufferPath() string { return filepath.Join(c.MemoryDir(), "exchange_buffer.json") }
func (c *Config) ThrottlePath() string { return filepath.Join(c.MemoryDir(), "throttle.json") }

func (c *Config) WorkingMemPath() string { return filepath.Join(c.DataDir, "working_memory.json") }
func (c *Config) ProcessRegistryPath() string {
	return filepath.Join(c.DataDir, "process_registry.json")
}
func (c *Config) ExecutionLogPath() string { return filepath.Join(c.DataDir, "executions.json") }
func (c *Config) PendingPath() string {
	return filepath.Join(c.DataDir, "pending_notifications.json")
}
func (c *Config) VAPIDKeysPath() string { return filepath.Join(c.DataDir, "push", "vapid.json") }
func (c *Config) SubscriptionsPath() string {
	return filepath.Join(c.DataDir, "push", "subscriptions.json")
}
func (c *Config) RestartMarkerPath() string { return filepath.Join(c.DataDir, "restart_marker.json") }
func (c *Config) ActiveRoomPath() string { return filepath.Join(c.DataDir, "active_room.json") }
