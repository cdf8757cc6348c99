package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ValidFile(t *testing.T) {
	path := writeTempConfig(t, `
agents:
  - id: research-agent
    workflow: ResearchWorkflow
    taskQueue: agents
    planActivity: PlanResearch
    resumeActivity: ResumeResearch
    executeToolActivity: ExecuteTool
    toolsets:
      - search
      - browse
    caps:
      maxToolCalls: 20
      maxConsecutiveFailedToolCalls: 3
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Agents, 1)

	a := f.Agents[0]
	require.Equal(t, "research-agent", a.ID)
	require.Equal(t, "ResearchWorkflow", a.Workflow)
	require.Equal(t, []string{"search", "browse"}, a.Toolsets)
	require.Equal(t, 20, a.Caps.MaxToolCalls)
	require.Equal(t, 3, a.Caps.MaxConsecutiveFailedToolCalls)
}

func TestLoad_MissingID(t *testing.T) {
	path := writeTempConfig(t, `
agents:
  - workflow: ResearchWorkflow
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "id is required")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "agents: [this is not: valid")
	_, err := Load(path)
	require.Error(t, err)
}
