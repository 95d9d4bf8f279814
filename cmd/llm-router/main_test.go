package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-router/internal/regression"
)

const testCatalogYAML = `
providers:
  - id: cheap
    scores: {cost: 9, quality: 5, speed: 7, reliability: 7}
    models: [cheap-1]
    active: true
    credentialed: true
    average_latency: 800ms
    pricing:
      cheap-1: {input_per_million: 0.1, output_per_million: 0.4}
  - id: premium
    scores: {cost: 3, quality: 9.5, speed: 5, reliability: 9}
    models: [premium-1]
    active: true
    credentialed: true
    average_latency: 2s
    pricing:
      premium-1: {input_per_million: 3, output_per_million: 15}
`

// writeTestFiles creates a config with a sqlite store and a catalog in a temp dir
func writeTestFiles(t *testing.T) (configPath, catalogPath string) {
	t.Helper()
	dir := t.TempDir()

	catalogPath = filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalogYAML), 0o644))

	configPath = filepath.Join(dir, "config.yaml")
	cfg := "store:\n  path: " + filepath.Join(dir, "router.db") + "\nlogging:\n  level: error\n  output: stderr\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	return configPath, catalogPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "llm-router version dev"))
}

func TestRegressCommand(t *testing.T) {
	configPath, catalogPath := writeTestFiles(t)

	out, err := run(t, "regress", "--config", configPath, "--catalog", catalogPath)
	require.NoError(t, err)

	var report regression.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.BaselineCreated)
	assert.False(t, report.RegressionDetected)

	// The baseline survives in the store, so the second run compares against it
	out, err = run(t, "regress", "--config", configPath, "--catalog", catalogPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.BaselineCreated)
	require.NotNil(t, report.Baseline)
}

func TestRegressCommandNeedsCatalog(t *testing.T) {
	configPath, _ := writeTestFiles(t)

	_, err := run(t, "regress", "--config", configPath)
	assert.ErrorContains(t, err, "no provider catalog")
}

func TestParamsExportImport(t *testing.T) {
	configPath, _ := writeTestFiles(t)
	snapshotPath := filepath.Join(t.TempDir(), "params.json")

	_, err := run(t, "params", "export", "--config", configPath, "--out", snapshotPath)
	require.NoError(t, err)

	data, err := os.ReadFile(snapshotPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"parameters"`)

	out, err := run(t, "params", "import", "--config", configPath, "--in", snapshotPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported snapshot")
}

func TestParamsImportRejectsGarbage(t *testing.T) {
	configPath, _ := writeTestFiles(t)
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":1,"parameters":[]}`), 0o644))

	_, err := run(t, "params", "import", "--config", configPath, "--in", bad)
	assert.ErrorContains(t, err, "invalid parameter snapshot")
}
