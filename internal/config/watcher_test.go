package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  default: 2\n"), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)

	var got atomic.Int32
	w.OnReload(func(cfg *Config) {
		got.Store(int32(cfg.Concurrency.Default))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  default: 5\n"), 0644))

	deadline := time.After(5 * time.Second)
	for got.Load() != 5 {
		select {
		case <-deadline:
			t.Fatalf("reload callback not invoked, got default=%d", got.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}

	reloads, errors := w.Stats()
	assert.GreaterOrEqual(t, reloads, 1)
	assert.Zero(t, errors)
}

func TestWatcherKeepsPreviousConfigOnBadWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  default: 2\n"), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)

	var calls atomic.Int32
	w.OnReload(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Out-of-range value fails validation; callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  default: 99\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		_, errors := w.Stats()
		if errors >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never recorded the failed reload")
		case <-time.After(50 * time.Millisecond):
		}
	}

	assert.Zero(t, calls.Load())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	w, err := NewWatcher(path)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
