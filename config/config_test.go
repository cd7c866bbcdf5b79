package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "corrflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
main:
  rule_file: rules/*.yaml
input:
  - name: in1
    file:
      filename: /tmp/in.xml
output:
  - name: out1
    tcp:
      host: collector
      port: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100000, cfg.Main.CacheLimit)
	require.Equal(t, "realtime", cfg.Main.Mode)
	require.Equal(t, 100, cfg.Outputs[0].TCP.ConnectRetries)
	require.Equal(t, 5*time.Second, cfg.Outputs[0].TCP.RetryDelay)
}

func TestLoad_RequiresRuleFile(t *testing.T) {
	path := writeConfig(t, "main:\n  mode: realtime\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, "main:\n  rule_file: r.yaml\n  mode: bogus\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsStdinInDaemonMode(t *testing.T) {
	path := writeConfig(t, `
main:
  rule_file: r.yaml
  daemon: true
input:
  - name: in1
    file:
      filename: ""
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsStdoutInSimulationMode(t *testing.T) {
	path := writeConfig(t, `
main:
  rule_file: r.yaml
  mode: simulation
output:
  - name: out1
    file:
      filename: ""
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InputWithNoAdapterIsAnError(t *testing.T) {
	path := writeConfig(t, `
main:
  rule_file: r.yaml
input:
  - name: in1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_NullOutputIsValid(t *testing.T) {
	path := writeConfig(t, `
main:
  rule_file: r.yaml
output:
  - name: out1
    null: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Outputs[0].Null)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
