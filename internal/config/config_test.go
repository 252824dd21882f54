package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJSONResolvesRelativeDirs(t *testing.T) {
	t.Setenv(envAIServiceURL, "")
	t.Setenv(envPort, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{
		"basic_config": {"upload_dir": "scratch/in", "max_upload_size": "2MiB", "process_lock": "LOCAL"},
		"ai_service": {"base_url": "http://ai.local:5001/"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "scratch/in"), cfg.BasicConfig.UploadDir)
	assert.Equal(t, filepath.Join(dir, DefaultOutputDir), cfg.BasicConfig.OutputDir)
	assert.Equal(t, int64(2<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "http://ai.local:5001", cfg.AIService.BaseURL)
	assert.Equal(t, LockLocal, cfg.BasicConfig.ProcessLock)
	assert.Equal(t, DefaultTimeoutSeconds, cfg.AIService.TimeoutSeconds)
	assert.Equal(t, DefaultHealthRetries, *cfg.AIService.HealthRetries)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(envAIServiceURL, "")
	t.Setenv(envPort, "")
	path := filepath.Join(t.TempDir(), "cutout.yaml")
	writeFile(t, path, `
basic_config:
  server_address: ":8080"
  sweep_interval_minutes: 30
ai_service:
  base_url: http://127.0.0.1:5001
  timeout_seconds: 10
  health_retries: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, 30, cfg.BasicConfig.SweepIntervalMinutes)
	assert.Equal(t, 10, cfg.AIService.TimeoutSeconds)
	assert.Equal(t, 0, *cfg.AIService.HealthRetries)
	assert.Equal(t, int64(5<<20), cfg.MaxUploadBytes())
}

func TestLoadEnvOverridesWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	t.Setenv(envAIServiceURL, "http://ai:5001")
	t.Setenv(envPort, "7000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.BasicConfig.ServerAddress)
	assert.Equal(t, "http://ai:5001", cfg.AIService.BaseURL)
	assert.Equal(t, DefaultUploadDir, cfg.BasicConfig.UploadDir)
	assert.Equal(t, DefaultRoutePrefix, cfg.BasicConfig.RoutePrefix)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv(envAIServiceURL, "")
	t.Setenv(envPort, "")
	dir := t.TempDir()

	cases := map[string]string{
		"missing base url": `{}`,
		"bad size":         `{"basic_config": {"max_upload_size": "lots"}, "ai_service": {"base_url": "http://x"}}`,
		"bad lock":         `{"basic_config": {"process_lock": "zookeeper"}, "ai_service": {"base_url": "http://x"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			writeFile(t, path, body)
			_, err := Load(path)
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "absent.json"))
	require.Error(t, err)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
