// Package config holds the enumerated configuration record for the
// summarization pipeline. All tunables live here; components never hardcode
// thresholds. Loading is defaults-first: a missing file yields defaults, a
// present file overrides them, environment variables override secrets last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline configuration.
type Config struct {
	// Concurrency bounds for batch processing
	Concurrency ConcurrencyConfig `yaml:"concurrency"`

	// Retry policy caps (per-severity budgets are policy, these are limits)
	Retry RetryConfig `yaml:"retry"`

	// Cancellation behavior
	Cancellation CancellationConfig `yaml:"cancellation"`

	// Partial result lifecycle
	PartialResults PartialResultsConfig `yaml:"partial_results"`

	// Merge subsystem tunables
	Merging MergingConfig `yaml:"merging"`

	// Progress calculation
	Progress ProgressConfig `yaml:"progress"`

	// External summarizer call discipline
	Summarizer SummarizerConfig `yaml:"summarizer"`

	// Embedding engine for deep similarity (optional)
	Embedding EmbeddingConfig `yaml:"embedding"`

	// SQLite persistence
	Store StoreConfig `yaml:"store"`

	// Background cleanup sweeps
	Cleanup CleanupConfig `yaml:"cleanup"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ConcurrencyConfig bounds per-batch parallelism.
type ConcurrencyConfig struct {
	Default int `yaml:"default"` // Used when the caller does not specify
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

// RetryConfig caps the retry machinery. Severity-specific budgets
// (attempts, base delay) are selected by the fault classifier; delays are
// always clamped to MaxDelayMs.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

// CancellationConfig controls the graceful-cancellation window.
type CancellationConfig struct {
	GracefulTimeoutMs int `yaml:"graceful_timeout_ms"`
}

// PartialResultsConfig controls partial-result retention.
type PartialResultsConfig struct {
	ExpireAfterHours int `yaml:"expire_after_hours"`
}

// MergingConfig tunes the merge subsystem. The similarity thresholds were
// hand-tuned constants in earlier revisions; they are configuration now.
type MergingConfig struct {
	LengthControl      LengthControlConfig      `yaml:"length_control"`
	DuplicateDetection DuplicateDetectionConfig `yaml:"duplicate_detection"`
	LLMAssistance      LLMAssistanceConfig      `yaml:"llm_assistance"`

	MaxReferencesPerParagraph  int     `yaml:"max_references_per_paragraph"`
	MinimumConfidenceThreshold float64 `yaml:"minimum_confidence_threshold"`
	MinimumQualityThreshold    float64 `yaml:"minimum_quality_threshold"`
	MinimumValidationScore     float64 `yaml:"minimum_validation_score"`
	SourceTrackingThreshold    float64 `yaml:"source_tracking_threshold"`
}

// LengthControlConfig bounds final summary length (characters).
type LengthControlConfig struct {
	Min           int     `yaml:"min"`
	Max           int     `yaml:"max"`
	DefaultTarget int     `yaml:"default_target"`
	Tolerance     float64 `yaml:"tolerance"` // Fraction of target, e.g. 0.2
}

// DuplicateDetectionConfig tunes the dedup pass.
type DuplicateDetectionConfig struct {
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`
	UseSemanticSimilarity  bool    `yaml:"use_semantic_similarity"`
	SemanticThreshold      float64 `yaml:"semantic_threshold"`
	ContextWindow          int     `yaml:"context_window"`
	MinLengthForComparison int     `yaml:"min_length_for_comparison"`
	PreserveLongerVersion  bool    `yaml:"preserve_longer_version"`
}

// LLMAssistanceConfig gates LLM-assisted merging.
type LLMAssistanceConfig struct {
	EnableForComplexMerges bool `yaml:"enable_for_complex_merges"`
	MinSegmentsForLLM      int  `yaml:"min_segments_for_llm"`
}

// ProgressConfig tunes progress calculation.
type ProgressConfig struct {
	StageWeights StageWeightsConfig `yaml:"stage_weights"`
	WindowMs     int                `yaml:"window_ms"` // Speed sliding window
}

// StageWeightsConfig assigns each stage its share of overall progress.
// Weights must sum to 100.
type StageWeightsConfig struct {
	Initializing    int `yaml:"initializing"`
	Segmenting      int `yaml:"segmenting"`
	BatchProcessing int `yaml:"batch_processing"`
	Merging         int `yaml:"merging"`
	Finalizing      int `yaml:"finalizing"`
}

// SummarizerConfig disciplines calls to the external summarizer.
type SummarizerConfig struct {
	TimeoutMs       int `yaml:"timeout_ms"`
	RateLimitPerMin int `yaml:"rate_limit_per_min"` // 0 disables rate limiting
	Burst           int `yaml:"burst"`
}

// EmbeddingConfig selects the deep-similarity backend.
// Provider "" disables embeddings; dedup then uses the weighted text blend.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"` // "", "ollama", "genai"

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
	TaskType    string `yaml:"task_type"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// CleanupConfig schedules background sweeps.
type CleanupConfig struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	BatchRetentionHours  int `yaml:"batch_retention_hours"`
}

// LoggingConfig configures the logging facade.
type LoggingConfig struct {
	Level       string          `yaml:"level"` // debug, info, warn, error
	Development bool            `yaml:"development"`
	Categories  map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{
			Default: 2,
			Min:     1,
			Max:     10,
		},

		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
		},

		Cancellation: CancellationConfig{
			GracefulTimeoutMs: 30000,
		},

		PartialResults: PartialResultsConfig{
			ExpireAfterHours: 24,
		},

		Merging: MergingConfig{
			LengthControl: LengthControlConfig{
				Min:           200,
				Max:           10000,
				DefaultTarget: 2000,
				Tolerance:     0.2,
			},
			DuplicateDetection: DuplicateDetectionConfig{
				SimilarityThreshold:    0.8,
				UseSemanticSimilarity:  false,
				SemanticThreshold:      0.75,
				ContextWindow:          2,
				MinLengthForComparison: 20,
				PreserveLongerVersion:  true,
			},
			LLMAssistance: LLMAssistanceConfig{
				EnableForComplexMerges: true,
				MinSegmentsForLLM:      5,
			},
			MaxReferencesPerParagraph:  5,
			MinimumConfidenceThreshold: 0.6,
			MinimumQualityThreshold:    0.7,
			MinimumValidationScore:     0.6,
			SourceTrackingThreshold:    0.5,
		},

		Progress: ProgressConfig{
			StageWeights: StageWeightsConfig{
				Initializing:    5,
				Segmenting:      10,
				BatchProcessing: 70,
				Merging:         10,
				Finalizing:      5,
			},
			WindowMs: 60000,
		},

		Summarizer: SummarizerConfig{
			TimeoutMs:       120000,
			RateLimitPerMin: 0,
			Burst:           1,
		},

		Embedding: EmbeddingConfig{
			Provider:       "",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Store: StoreConfig{
			DatabasePath: "data/docsum.db",
		},

		Cleanup: CleanupConfig{
			SweepIntervalMinutes: 15,
			BatchRetentionHours:  24,
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides for secrets.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if path := os.Getenv("DOCSUM_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// Validate checks the configuration record and fails fast on the first
// violation. Called by Load; hosts constructing Config directly should call
// it before wiring the pipeline.
func (c *Config) Validate() error {
	if c.Concurrency.Min < 1 {
		return fmt.Errorf("concurrency.min must be >= 1, got %d", c.Concurrency.Min)
	}
	if c.Concurrency.Max < c.Concurrency.Min {
		return fmt.Errorf("concurrency.max (%d) must be >= concurrency.min (%d)",
			c.Concurrency.Max, c.Concurrency.Min)
	}
	if c.Concurrency.Default < c.Concurrency.Min || c.Concurrency.Default > c.Concurrency.Max {
		return fmt.Errorf("concurrency.default (%d) must be within [%d, %d]",
			c.Concurrency.Default, c.Concurrency.Min, c.Concurrency.Max)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMs < 0 {
		return fmt.Errorf("retry.base_delay_ms must be >= 0, got %d", c.Retry.BaseDelayMs)
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)",
			c.Retry.MaxDelayMs, c.Retry.BaseDelayMs)
	}

	if c.Cancellation.GracefulTimeoutMs <= 0 {
		return fmt.Errorf("cancellation.graceful_timeout_ms must be > 0, got %d",
			c.Cancellation.GracefulTimeoutMs)
	}

	if c.PartialResults.ExpireAfterHours <= 0 {
		return fmt.Errorf("partial_results.expire_after_hours must be > 0, got %d",
			c.PartialResults.ExpireAfterHours)
	}

	if err := c.Merging.validate(); err != nil {
		return err
	}

	if err := c.Progress.StageWeights.validate(); err != nil {
		return err
	}
	if c.Progress.WindowMs <= 0 {
		return fmt.Errorf("progress.window_ms must be > 0, got %d", c.Progress.WindowMs)
	}

	if c.Summarizer.TimeoutMs <= 0 {
		return fmt.Errorf("summarizer.timeout_ms must be > 0, got %d", c.Summarizer.TimeoutMs)
	}
	if c.Summarizer.RateLimitPerMin < 0 {
		return fmt.Errorf("summarizer.rate_limit_per_min must be >= 0, got %d",
			c.Summarizer.RateLimitPerMin)
	}

	switch c.Embedding.Provider {
	case "", "ollama", "genai":
	default:
		return fmt.Errorf("embedding.provider must be empty, 'ollama' or 'genai', got %q",
			c.Embedding.Provider)
	}

	return nil
}

func (m *MergingConfig) validate() error {
	lc := m.LengthControl
	if lc.Min < 0 || lc.Max < lc.Min {
		return fmt.Errorf("merging.length_control bounds invalid: min=%d max=%d", lc.Min, lc.Max)
	}
	if lc.DefaultTarget < lc.Min || lc.DefaultTarget > lc.Max {
		return fmt.Errorf("merging.length_control.default_target (%d) outside [%d, %d]",
			lc.DefaultTarget, lc.Min, lc.Max)
	}
	if lc.Tolerance < 0 || lc.Tolerance > 1 {
		return fmt.Errorf("merging.length_control.tolerance must be in [0,1], got %v", lc.Tolerance)
	}

	for name, v := range map[string]float64{
		"duplicate_detection.similarity_threshold": m.DuplicateDetection.SimilarityThreshold,
		"duplicate_detection.semantic_threshold":   m.DuplicateDetection.SemanticThreshold,
		"minimum_confidence_threshold":              m.MinimumConfidenceThreshold,
		"minimum_quality_threshold":                 m.MinimumQualityThreshold,
		"minimum_validation_score":                  m.MinimumValidationScore,
		"source_tracking_threshold":                 m.SourceTrackingThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("merging.%s must be in [0,1], got %v", name, v)
		}
	}

	if m.MaxReferencesPerParagraph < 1 {
		return fmt.Errorf("merging.max_references_per_paragraph must be >= 1, got %d",
			m.MaxReferencesPerParagraph)
	}

	return nil
}

func (w *StageWeightsConfig) validate() error {
	sum := w.Initializing + w.Segmenting + w.BatchProcessing + w.Merging + w.Finalizing
	if sum != 100 {
		return fmt.Errorf("progress.stage_weights must sum to 100, got %d", sum)
	}
	for name, v := range map[string]int{
		"initializing":     w.Initializing,
		"segmenting":       w.Segmenting,
		"batch_processing": w.BatchProcessing,
		"merging":          w.Merging,
		"finalizing":       w.Finalizing,
	} {
		if v < 0 {
			return fmt.Errorf("progress.stage_weights.%s must be >= 0, got %d", name, v)
		}
	}
	return nil
}

// GracefulTimeout returns the graceful-cancellation budget as a duration.
func (c *Config) GracefulTimeout() time.Duration {
	return time.Duration(c.Cancellation.GracefulTimeoutMs) * time.Millisecond
}

// MaxRetryDelay returns the backoff cap as a duration.
func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// SummarizerTimeout returns the per-call summarizer timeout.
func (c *Config) SummarizerTimeout() time.Duration {
	return time.Duration(c.Summarizer.TimeoutMs) * time.Millisecond
}

// SpeedWindow returns the speed-measurement sliding window.
func (c *Config) SpeedWindow() time.Duration {
	return time.Duration(c.Progress.WindowMs) * time.Millisecond
}

// PartialResultTTL returns the partial-result expiration window.
func (c *Config) PartialResultTTL() time.Duration {
	return time.Duration(c.PartialResults.ExpireAfterHours) * time.Hour
}

// SweepInterval returns the background cleanup interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cleanup.SweepIntervalMinutes) * time.Minute
}

// BatchRetention returns how long terminal batches are kept in memory.
func (c *Config) BatchRetention() time.Duration {
	return time.Duration(c.Cleanup.BatchRetentionHours) * time.Hour
}
