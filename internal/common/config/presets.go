package config

import (
	"embed"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var presetsFS embed.FS

// presetDefinition mirrors ToolConfig for the embedded YAML, with durations
// expressed as strings ("5s") so the file stays hand-editable.
type presetDefinition struct {
	Name            string   `yaml:"name"`
	DisplayName     string   `yaml:"displayName"`
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	PromptPattern   string   `yaml:"promptPattern"`
	ResponseTimeout string   `yaml:"responseTimeout"`
	StartupTimeout  string   `yaml:"startupTimeout"`
	ResumeArgs      []string `yaml:"resumeArgs"`
	Sanitizer       string   `yaml:"sanitizer"`
}

type presetFile struct {
	Tools []presetDefinition `yaml:"tools"`
}

var (
	presetsOnce sync.Once
	presets     map[string]ToolConfig
)

// Presets returns built-in launch specs for common tools, keyed by name.
// A tool entry in the user config with a matching name inherits any field it
// leaves empty.
func Presets() map[string]ToolConfig {
	presetsOnce.Do(func() {
		presets = make(map[string]ToolConfig)
		data, err := presetsFS.ReadFile("tools.yaml")
		if err != nil {
			return
		}
		var pf presetFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return
		}
		for _, def := range pf.Tools {
			presets[def.Name] = ToolConfig{
				Name:            def.Name,
				DisplayName:     def.DisplayName,
				Command:         def.Command,
				Args:            def.Args,
				PromptPattern:   def.PromptPattern,
				ResponseTimeout: parseDuration(def.ResponseTimeout),
				StartupTimeout:  parseDuration(def.StartupTimeout),
				ResumeArgs:      def.ResumeArgs,
				Sanitizer:       def.Sanitizer,
			}
		}
	})
	return presets
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
