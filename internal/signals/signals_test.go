package signals

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	stops, pauses, resumes atomic.Int32
}

func (r *recorder) Stop()   { r.stops.Add(1) }
func (r *recorder) Pause()  { r.pauses.Add(1) }
func (r *recorder) Resume() { r.resumes.Add(1) }

func watch(t *testing.T, root string, rec *recorder) *Watcher {
	t.Helper()
	w, err := Watch(root, rec, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWatcher_Stop(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w := watch(t, root, rec)

	require.NoError(t, SendStop(root))

	require.Eventually(t, func() bool { return rec.stops.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, w.Stopped())

	// repeated writes stop only once
	require.NoError(t, SendStop(root))
	w.Poll()
	assert.Equal(t, int32(1), rec.stops.Load())
}

func TestWatcher_PauseResume(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	w := watch(t, root, rec)

	require.NoError(t, SendPause(root))
	require.Eventually(t, w.Paused, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), rec.pauses.Load())

	require.NoError(t, SendResume(root))
	require.Eventually(t, func() bool { return !w.Paused() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), rec.resumes.Load())
	assert.Zero(t, rec.stops.Load())
}

func TestWatch_AppliesExistingSignals(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, SendStop(root))
	rec := &recorder{}

	w := watch(t, root, rec)

	assert.True(t, w.Stopped())
	assert.Equal(t, int32(1), rec.stops.Load())
}

func TestClear(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, SendStop(root))
	require.NoError(t, SendPause(root))

	require.NoError(t, Clear(root))
	require.NoError(t, Clear(root))
	assert.False(t, exists(Dir(root)+"/"+StopFile))
	assert.NoError(t, SendResume(root))
}

func TestClose_Idempotent(t *testing.T) {
	w, err := Watch(t.TempDir(), &recorder{}, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
