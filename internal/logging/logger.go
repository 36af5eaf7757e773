// Package logging provides categorized structured logging for the pipeline.
// Each subsystem logs under its own category; categories can be disabled
// individually through configuration. The package is a thin facade over zap
// and is a silent no-op until Initialize is called, so the library never
// writes logs unless its host asks for them.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryPipeline   Category = "pipeline"   // Surface API, wiring, sweeps
	CategoryScheduler  Category = "scheduler"  // Batch admission, worker pool, dispatch
	CategoryBatch      Category = "batch"      // Batch/task state transitions
	CategoryCancel     Category = "cancel"     // Cancellation tokens and protocol
	CategoryPartial    Category = "partial"    // Partial-result grading and lifecycle
	CategoryProgress   Category = "progress"   // Progress calculation, ETA, speed
	CategoryNotify     Category = "notify"     // Event fan-out to subscribers
	CategoryMerge      Category = "merge"      // Strategy selection and merge pipelines
	CategoryFault      Category = "fault"      // Error classification and strategies
	CategorySimilarity Category = "similarity" // Text similarity scoring
	CategoryEmbedding  Category = "embedding"  // Embedding engines
	CategoryStore      Category = "store"      // SQLite persistence
	CategoryConfig     Category = "config"     // Config load, validation, hot reload
	CategorySummarize  Category = "summarize"  // External summarizer calls
)

// Config controls the logging backend. Zero value means disabled.
type Config struct {
	// Level: "debug", "info", "warn", "error". Empty defaults to "info".
	Level string
	// Development switches to zap's development encoder (console, caller).
	Development bool
	// Categories enables/disables individual categories. Nil enables all.
	Categories map[string]bool
}

var (
	mu          sync.RWMutex
	base        *zap.Logger
	categories  map[string]bool
	loggers     = make(map[Category]*Logger)
	nopLogger   = &Logger{s: zap.NewNop().Sugar()}
	initialized bool
)

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	s        *zap.SugaredLogger
}

// Initialize builds the zap backend. Safe to call more than once; the last
// call wins. Disabled categories resolve to no-op loggers.
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "", "info":
		level = zapcore.InfoLevel
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level: %q", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	base = logger
	categories = cfg.Categories
	loggers = make(map[Category]*Logger)
	initialized = true
	return nil
}

// UseLogger installs an externally constructed zap logger as the backend.
// Hosts that already carry a zap instance can share it with the pipeline.
func UseLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	categories = nil
	loggers = make(map[Category]*Logger)
	initialized = logger != nil
}

// Disable returns logging to the silent no-op state.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	base = nil
	loggers = make(map[Category]*Logger)
	initialized = false
}

// IsCategoryEnabled reports whether a category will emit log lines.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized || base == nil {
		return false
	}
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when logging is uninitialized or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return nopLogger
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if base == nil {
		return nopLogger
	}
	l := &Logger{
		category: category,
		s:        base.Named(string(category)).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

// With returns a logger carrying structured key-value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, s: l.s.With(keysAndValues...)}
}

// =============================================================================
// OPERATION TIMING
// =============================================================================

// Timer measures an operation's duration and logs on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns if the operation exceeded the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
