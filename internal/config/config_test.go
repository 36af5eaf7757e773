package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Concurrency.Default)
	assert.Equal(t, 1, cfg.Concurrency.Min)
	assert.Equal(t, 10, cfg.Concurrency.Max)
	assert.Equal(t, 30000, cfg.Retry.MaxDelayMs)
	assert.Equal(t, 30000, cfg.Cancellation.GracefulTimeoutMs)
	assert.Equal(t, 24, cfg.PartialResults.ExpireAfterHours)
	assert.Equal(t, 60000, cfg.Progress.WindowMs)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Concurrency, cfg.Concurrency)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
concurrency:
  default: 4
merging:
  duplicate_detection:
    similarity_threshold: 0.9
progress:
  stage_weights:
    initializing: 10
    segmenting: 10
    batch_processing: 60
    merging: 15
    finalizing: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Concurrency.Default)
	assert.Equal(t, 0.9, cfg.Merging.DuplicateDetection.SimilarityThreshold)
	assert.Equal(t, 60, cfg.Progress.StageWeights.BatchProcessing)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.Concurrency.Max)
	assert.Equal(t, 24, cfg.PartialResults.ExpireAfterHours)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  default: 50\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency.default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "concurrency min below one",
			mutate:  func(c *Config) { c.Concurrency.Min = 0 },
			wantErr: "concurrency.min",
		},
		{
			name:    "max below min",
			mutate:  func(c *Config) { c.Concurrency.Max = 0 },
			wantErr: "concurrency.max",
		},
		{
			name:    "negative retry attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = -1 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "retry cap below base",
			mutate:  func(c *Config) { c.Retry.MaxDelayMs = 10 },
			wantErr: "retry.max_delay_ms",
		},
		{
			name:    "zero graceful timeout",
			mutate:  func(c *Config) { c.Cancellation.GracefulTimeoutMs = 0 },
			wantErr: "graceful_timeout_ms",
		},
		{
			name:    "stage weights must sum to 100",
			mutate:  func(c *Config) { c.Progress.StageWeights.Merging = 50 },
			wantErr: "stage_weights",
		},
		{
			name:    "similarity threshold out of range",
			mutate:  func(c *Config) { c.Merging.DuplicateDetection.SimilarityThreshold = 1.5 },
			wantErr: "similarity_threshold",
		},
		{
			name:    "target outside length bounds",
			mutate:  func(c *Config) { c.Merging.LengthControl.DefaultTarget = 99999 },
			wantErr: "default_target",
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embedding.Provider = "acme" },
			wantErr: "embedding.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key-123")
	t.Setenv("DOCSUM_DB", "/tmp/override.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "test-key-123", cfg.Embedding.GenAIAPIKey)
	assert.Equal(t, "/tmp/override.db", cfg.Store.DatabasePath)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	orig := DefaultConfig()
	orig.Concurrency.Default = 3
	orig.Merging.DuplicateDetection.UseSemanticSimilarity = true
	require.NoError(t, orig.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Concurrency.Default)
	assert.True(t, loaded.Merging.DuplicateDetection.UseSemanticSimilarity)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.GracefulTimeout())
	assert.Equal(t, 30*time.Second, cfg.MaxRetryDelay())
	assert.Equal(t, 2*time.Minute, cfg.SummarizerTimeout())
	assert.Equal(t, time.Minute, cfg.SpeedWindow())
	assert.Equal(t, 24*time.Hour, cfg.PartialResultTTL())
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 24*time.Hour, cfg.BatchRetention())
}
