package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatautomation/internal/clock"
	"chatautomation/pkg/feature"
)

func TestWatcher_AppliesManifestChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("features:\n  a:\n    enabled: true\n"), 0o644))

	h := newHarness(t, nil)
	_, aInfo := h.fake("a")
	h.mgr.Discover([]feature.Info{aInfo})
	require.NoError(t, h.mgr.StartAll())

	w := NewWatcher(h.mgr, path, clock.NewRealClock(), zap.NewNop())
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	// Disable the feature on disk and wait for the watcher to react.
	require.NoError(t, os.WriteFile(path, []byte("features:\n  a:\n    enabled: false\n"), 0o644))
	require.Eventually(t, func() bool {
		return h.mgr.States()["a"] == StateStopped
	}, 3*time.Second, 20*time.Millisecond)

	// Enable it again.
	require.NoError(t, os.WriteFile(path, []byte("features:\n  a:\n    enabled: true\n"), 0o644))
	require.Eventually(t, func() bool {
		return h.mgr.States()["a"] == StateStarted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcher_StartStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	require.NoError(t, os.WriteFile(path, []byte("features: {}\n"), 0o644))

	h := newHarness(t, nil)
	w := NewWatcher(h.mgr, path, clock.NewRealClock(), zap.NewNop())

	require.NoError(t, w.Start())
	require.NoError(t, w.Start(), "second start is a no-op")

	w.Stop()
	w.Stop()

	require.NoError(t, w.Start(), "watcher can be restarted")
	w.Stop()
}
