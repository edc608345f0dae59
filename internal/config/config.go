// Package config builds the frozen boot-time configuration from defaults,
// an optional config file (YAML or JSON5), and environment expansion.
// Components receive their slice of the struct; nothing reads the
// environment after boot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/contextd/contextd/internal/completeness"
	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/orchestrate"
	"github.com/contextd/contextd/internal/ratelimit"
	"github.com/contextd/contextd/internal/redact"
	"github.com/contextd/contextd/internal/tools"
	"github.com/contextd/contextd/internal/upstream"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Log       LogConfig           `yaml:"log"`
	Workspace string              `yaml:"workspace"`
	Upstream  upstream.Config     `yaml:"upstream"`
	CtxLog    ctxlog.Config       `yaml:"ctxlog"`
	Redact    redact.Config       `yaml:"redact"`
	RateLimit ratelimit.Config    `yaml:"rate_limit"`
	Tools     ToolsConfig         `yaml:"tools"`
	Detect    completeness.Config `yaml:"completeness"`
	Orch      OrchestrateConfig   `yaml:"orchestrate"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the bind address. Default: 127.0.0.1:8787.
	Listen string `yaml:"listen"`

	// SSEHeartbeat is the comment-line heartbeat interval on event
	// streams. Default: 15s.
	SSEHeartbeat time.Duration `yaml:"sse_heartbeat"`

	// ShutdownTimeout bounds the graceful drain. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures process logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// ToolsConfig configures the tool plane.
type ToolsConfig struct {
	Exec tools.ExecConfig `yaml:",inline"`

	// Allow restricts the allowlist; empty means the full registry minus
	// gated tools whose gate is off.
	Allow []string `yaml:"allow"`

	Gates tools.Gates `yaml:",inline"`
}

// OrchestrateConfig configures the orchestrator family.
type OrchestrateConfig struct {
	Loop orchestrate.LoopConfig `yaml:"loop"`

	Review struct {
		Enabled                 bool `yaml:"enabled"`
		orchestrate.ReviewConfig `yaml:",inline"`
	} `yaml:"review"`

	Chunked struct {
		Enabled                  bool `yaml:"enabled"`
		orchestrate.ChunkedConfig `yaml:",inline"`
	} `yaml:"chunked"`

	// CombinedStrategy is per_chunk, final_only or both. Default:
	// final_only.
	CombinedStrategy orchestrate.Strategy `yaml:"combined_strategy"`

	Heuristic orchestrate.HeuristicConfig `yaml:"heuristic"`
	Hints     orchestrate.HintConfig      `yaml:"hints"`
}

// Default returns the configuration used when no file overrides anything.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			SSEHeartbeat:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		Workspace: ".",
		Upstream:  upstream.DefaultConfig(),
		CtxLog:    ctxlog.DefaultConfig(),
		Redact:    redact.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Tools:     ToolsConfig{Exec: tools.DefaultExecConfig()},
		Detect:    completeness.DefaultConfig(),
	}
	cfg.CtxLog.Dir = defaultDataDir()
	cfg.Orch.Loop = orchestrate.DefaultLoopConfig()
	cfg.Orch.Review.Enabled = true
	cfg.Orch.Review.ReviewConfig = orchestrate.DefaultReviewConfig()
	cfg.Orch.Chunked.Enabled = true
	cfg.Orch.Chunked.ChunkedConfig = orchestrate.DefaultChunkedConfig()
	cfg.Orch.CombinedStrategy = orchestrate.StrategyFinalOnly
	cfg.Orch.Heuristic = orchestrate.DefaultHeuristicConfig()
	cfg.Orch.Hints = orchestrate.DefaultHintConfig()
	return cfg
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "contextd-data", "events")
	}
	return filepath.Join(home, ".contextd", "events")
}

// Validate rejects configurations that cannot boot.
func (c *Config) Validate() error {
	if c.CtxLog.Dir == "" {
		return fmt.Errorf("ctxlog.dir is required")
	}
	if !c.Orch.CombinedStrategy.Valid() {
		return fmt.Errorf("orchestrate.combined_strategy must be per_chunk, final_only or both, got %q", c.Orch.CombinedStrategy)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BuildLogger constructs the process logger per the log section.
func (c *Config) BuildLogger() *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(c.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}
