// Package config provides configuration management for toolmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/toolmux/toolmux/internal/common/logger"
)

// Config holds all configuration sections for toolmux.
type Config struct {
	Logging logger.LoggingConfig `mapstructure:"logging"`
	History HistoryConfig        `mapstructure:"history"`
	Tools   []ToolConfig         `mapstructure:"tools"`
}

// HistoryConfig holds conversation log persistence configuration.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// ToolConfig is the launch spec for one supervised tool.
type ToolConfig struct {
	Name        string            `mapstructure:"name"`
	DisplayName string            `mapstructure:"displayName"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	WorkingDir  string            `mapstructure:"cwd"`
	Env         map[string]string `mapstructure:"env"`

	// PromptPattern is a regex tested against accumulated startup output to
	// detect readiness. Empty means readiness is declared after a grace period.
	PromptPattern string `mapstructure:"promptPattern"`

	// ResponseTimeout is the idle window after which an in-flight response is
	// considered complete.
	ResponseTimeout time.Duration `mapstructure:"responseTimeout"`

	// StartupTimeout bounds the Starting state.
	StartupTimeout time.Duration `mapstructure:"startupTimeout"`

	// ResumeArgs are appended to Args when relaunching a tool that has prior
	// conversational context (e.g. "--continue" for Claude).
	ResumeArgs []string `mapstructure:"resumeArgs"`

	// Sanitizer selects the output cleanup strategy: "ansi" (default) or "screen".
	Sanitizer string `mapstructure:"sanitizer"`

	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

const (
	defaultResponseTimeout = 5 * time.Second
	defaultStartupTimeout  = 30 * time.Second
	defaultCols            = 120
	defaultRows            = 40
)

// Load loads configuration using default search paths.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration, optionally from a specific directory.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TOOLMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("toolmux")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/toolmux")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	applyPresets(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output_path", "stderr")
	v.SetDefault("history.path", "./toolmux.db")
}

// applyPresets fills empty ToolConfig fields from the embedded presets when a
// tool's name matches a known preset, then applies hard defaults.
func applyPresets(cfg *Config) {
	presets := Presets()
	for i := range cfg.Tools {
		tc := &cfg.Tools[i]
		if preset, ok := presets[tc.Name]; ok {
			mergeTool(tc, preset)
		}
		if tc.DisplayName == "" {
			tc.DisplayName = tc.Name
		}
		if tc.ResponseTimeout <= 0 {
			tc.ResponseTimeout = defaultResponseTimeout
		}
		if tc.StartupTimeout <= 0 {
			tc.StartupTimeout = defaultStartupTimeout
		}
		if tc.Cols <= 0 {
			tc.Cols = defaultCols
		}
		if tc.Rows <= 0 {
			tc.Rows = defaultRows
		}
	}
}

// mergeTool copies preset values into empty fields of tc.
func mergeTool(tc *ToolConfig, preset ToolConfig) {
	if tc.DisplayName == "" {
		tc.DisplayName = preset.DisplayName
	}
	if tc.Command == "" {
		tc.Command = preset.Command
	}
	if len(tc.Args) == 0 {
		tc.Args = preset.Args
	}
	if tc.PromptPattern == "" {
		tc.PromptPattern = preset.PromptPattern
	}
	if tc.ResponseTimeout <= 0 {
		tc.ResponseTimeout = preset.ResponseTimeout
	}
	if tc.StartupTimeout <= 0 {
		tc.StartupTimeout = preset.StartupTimeout
	}
	if len(tc.ResumeArgs) == 0 {
		tc.ResumeArgs = preset.ResumeArgs
	}
	if tc.Sanitizer == "" {
		tc.Sanitizer = preset.Sanitizer
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Tools))
	for _, tc := range cfg.Tools {
		if tc.Name == "" {
			return fmt.Errorf("tool entry missing name")
		}
		if _, dup := seen[tc.Name]; dup {
			return fmt.Errorf("duplicate tool name: %s", tc.Name)
		}
		seen[tc.Name] = struct{}{}
		if tc.Command == "" {
			return fmt.Errorf("tool %s: command is required", tc.Name)
		}
		switch tc.Sanitizer {
		case "", "ansi", "screen":
		default:
			return fmt.Errorf("tool %s: unknown sanitizer %q", tc.Name, tc.Sanitizer)
		}
	}
	return nil
}
