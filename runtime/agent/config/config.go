// Package config loads agent definitions and runtime wiring from YAML files.
// It mirrors the struct-literal composition the runtime accepts directly
// (runtime.AgentRegistration, policy.CapsState, ...) so a deployment can
// describe its agent fleet declaratively instead of in Go.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// File is the top-level shape of an agent fleet configuration file.
	File struct {
		Agents []AgentSpec `yaml:"agents"`
	}

	// AgentSpec describes one agent's identity, workflow wiring, and caps.
	AgentSpec struct {
		ID                  string   `yaml:"id"`
		Workflow            string   `yaml:"workflow"`
		TaskQueue           string   `yaml:"taskQueue"`
		PlanActivity        string   `yaml:"planActivity"`
		ResumeActivity      string   `yaml:"resumeActivity"`
		ExecuteToolActivity string   `yaml:"executeToolActivity"`
		Toolsets            []string `yaml:"toolsets,omitempty"`
		Caps                Caps     `yaml:"caps,omitempty"`
	}

	// Caps mirrors policy.CapsState's configurable budgets.
	Caps struct {
		MaxToolCalls                 int `yaml:"maxToolCalls,omitempty"`
		MaxConsecutiveFailedToolCalls int `yaml:"maxConsecutiveFailedToolCalls,omitempty"`
	}
)

// Load reads and parses an agent fleet configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("config: agents[%d]: id is required", i)
		}
	}
	return &f, nil
}
