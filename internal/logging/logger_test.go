package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBeforeInitialize(t *testing.T) {
	Disable()

	l := Get(CategoryScheduler)
	require.NotNil(t, l)

	// Must not panic on an uninitialized backend.
	l.Debug("debug %d", 1)
	l.Info("info %s", "x")
	l.Warn("warn")
	l.Error("error: %v", assert.AnError)
}

func TestInitializeLevels(t *testing.T) {
	t.Cleanup(Disable)

	tests := []struct {
		level   string
		wantErr bool
	}{
		{"", false},
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	}

	for _, tt := range tests {
		t.Run("level_"+tt.level, func(t *testing.T) {
			err := Initialize(Config{Level: tt.level, Development: true})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCategoryFiltering(t *testing.T) {
	t.Cleanup(Disable)

	err := Initialize(Config{
		Level:       "debug",
		Development: true,
		Categories: map[string]bool{
			"merge": false,
		},
	})
	require.NoError(t, err)

	assert.False(t, IsCategoryEnabled(CategoryMerge))
	assert.True(t, IsCategoryEnabled(CategoryScheduler))

	// Disabled categories still return a usable no-op logger.
	Get(CategoryMerge).Info("dropped")
	Get(CategoryScheduler).Info("kept")
}

func TestGetCachesLoggers(t *testing.T) {
	t.Cleanup(Disable)

	require.NoError(t, Initialize(Config{Level: "info", Development: true}))

	a := Get(CategoryStore)
	b := Get(CategoryStore)
	assert.Same(t, a, b)
}

func TestTimerStops(t *testing.T) {
	t.Cleanup(Disable)
	require.NoError(t, Initialize(Config{Level: "debug", Development: true}))

	timer := StartTimer(CategoryProgress, "test-op")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}
