// Package config loads the gateway's YAML configuration and applies the
// environment-variable overrides listed in the external interface contract.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the gateway binary.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Loop       LoopConfig       `yaml:"loop"`
	Shaper     ShaperConfig     `yaml:"shaper"`
	Memory     MemoryConfig     `yaml:"memory"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	FileRecall FileRecallConfig `yaml:"file_recall"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	DashboardPort int    `yaml:"dashboard_port"`
	PublicDomain  string `yaml:"public_domain"`

	// AllowedInstances is the IP allow-list for POST /api/v1/chat,
	// as literal addresses or glob patterns.
	AllowedInstances []string `yaml:"allowed_instances"`
}

// AuthConfig configures the core's own bearer/tenant-token auth, not any
// upstream OAuth (explicitly out of scope — see SPEC_FULL.md §1).
type AuthConfig struct {
	APISecretKey string `yaml:"api_secret_key"`
}

// LoopConfig bounds the Dispatch Loop.
type LoopConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// ToolCallTimeoutSeconds bounds one dispatched tool call. Zero falls
	// back to the dispatcher's own default.
	ToolCallTimeoutSeconds int `yaml:"tool_call_timeout_seconds"`

	// RequestTimeoutSeconds is the top-level watchdog covering every
	// iteration of one /api/v1/chat call. Zero falls back to 10 minutes.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// ShaperConfig bounds the Conversation Shaper.
type ShaperConfig struct {
	MaxInputTokens             int `yaml:"max_input_tokens"`
	MaxUserMessageTokens       int `yaml:"max_user_message_tokens"`
	CompactionTokenThreshold   int `yaml:"compaction_token_threshold"`
	CompactionMaxSummaryTokens int `yaml:"compaction_max_summary_tokens"`

	// CompactionEnabled gates auto-compaction entirely; when false the
	// shaper still runs memory injection and per-message trimming.
	CompactionEnabled bool `yaml:"compaction_enabled"`

	// KeepTailTurns is the number of most recent user/assistant turns
	// preserved verbatim by auto-compaction.
	KeepTailTurns int `yaml:"keep_tail_turns"`

	// SummaryModel is the small model invoked for compaction summaries.
	SummaryModel string `yaml:"summary_model"`
}

// MemoryConfig bounds the Memory Store.
type MemoryConfig struct {
	DatabasePath   string `yaml:"database_path"`
	MaxMemoryChars int    `yaml:"max_memory_chars"`
}

// FileRecallConfig configures the File Recall Manager.
type FileRecallConfig struct {
	DatabasePath string `yaml:"database_path"`
	Root         string `yaml:"root"`
}

// SandboxConfig configures the Sandbox Manager.
type SandboxConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NetworkName   string `yaml:"network_name"`
	BaseImage     string `yaml:"base_image"`
	WorkspaceRoot string `yaml:"workspace_root"`
	IdleTTLSeconds int   `yaml:"idle_ttl_seconds"`
}

// MetricsConfig configures the append-only request/tool-call store.
// AnthropicMaxTokens is loaded from ANTHROPIC_MAX_TOKENS but is not read
// by the Anthropic adapter the HTTP chat handler builds, which sets its
// own 8192-token output ceiling.
type MetricsConfig struct {
	DatabasePath        string `yaml:"database_path"`
	AnthropicMaxTokens   int   `yaml:"anthropic_max_tokens"`
}

// LoggingConfig configures the slog root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Default returns the configuration's baked-in defaults, applied before a
// config file or environment overrides are layered on.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Loop: LoopConfig{
			MaxToolIterations:      5,
			ToolCallTimeoutSeconds: 120,
			RequestTimeoutSeconds:  600,
		},
		Shaper: ShaperConfig{
			MaxInputTokens:             100000,
			MaxUserMessageTokens:       16000,
			CompactionTokenThreshold:   65536,
			CompactionMaxSummaryTokens: 1024,
			CompactionEnabled:          true,
			KeepTailTurns:              3,
			SummaryModel:               "gpt-4o-mini",
		},
		Memory: MemoryConfig{
			DatabasePath:   "data/memory.db",
			MaxMemoryChars: 2000,
		},
		Sandbox: SandboxConfig{
			Enabled:        false,
			NetworkName:    "sandbox_network",
			BaseImage:      "owui-sandbox-base:latest",
			WorkspaceRoot:  "data",
			IdleTTLSeconds: 1800,
		},
		FileRecall: FileRecallConfig{
			DatabasePath: "data/file-recall.db",
			Root:         "data/file-recall",
		},
		Metrics: MetricsConfig{
			DatabasePath:       "data/metrics.db",
			AnthropicMaxTokens: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// environment variable overrides, matching the teacher's
// "file, then env" precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides layers the environment variables named in the
// external interface contract on top of the file-sourced configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := envInt("PORT"); v != 0 {
		cfg.Server.Port = v
	}
	if v := envInt("DASHBOARD_PORT"); v != 0 {
		cfg.Server.DashboardPort = v
	}
	if v := os.Getenv("PUBLIC_DOMAIN"); v != "" {
		cfg.Server.PublicDomain = v
	}
	if v := os.Getenv("ALLOWED_OWUI_INSTANCES"); v != "" {
		cfg.Server.AllowedInstances = strings.Split(v, ",")
	}
	if v := os.Getenv("API_SECRET_KEY"); v != "" {
		cfg.Auth.APISecretKey = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Metrics.DatabasePath = v
	}
	if v := envInt("MAX_TOOL_ITERATIONS"); v != 0 {
		cfg.Loop.MaxToolIterations = v
	}
	if v := envInt("MAX_INPUT_TOKENS"); v != 0 {
		cfg.Shaper.MaxInputTokens = v
	}
	if v := envInt("MAX_USER_MESSAGE_TOKENS"); v != 0 {
		cfg.Shaper.MaxUserMessageTokens = v
	}
	if v := envInt("COMPACTION_TOKEN_THRESHOLD"); v != 0 {
		cfg.Shaper.CompactionTokenThreshold = v
	}
	if v := envInt("COMPACTION_MAX_SUMMARY_TOKENS"); v != 0 {
		cfg.Shaper.CompactionMaxSummaryTokens = v
	}
	if v := envInt("MAX_MEMORY_CHARS"); v != 0 {
		cfg.Memory.MaxMemoryChars = v
	}
	if v := envInt("REQUEST_TIMEOUT_SECONDS"); v != 0 {
		cfg.Loop.RequestTimeoutSeconds = v
	}
	if v := envInt("TOOL_CALL_TIMEOUT_SECONDS"); v != 0 {
		cfg.Loop.ToolCallTimeoutSeconds = v
	}
	if v := os.Getenv("FILE_RECALL_DATABASE_PATH"); v != "" {
		cfg.FileRecall.DatabasePath = v
	}
	if v := envInt("ANTHROPIC_MAX_TOKENS"); v != 0 {
		cfg.Metrics.AnthropicMaxTokens = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
