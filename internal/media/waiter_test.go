package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWaitReturnsImmediatelyForExistingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	waiter := NewWaiter(time.Second, nil)
	require.NoError(t, waiter.Wait(context.Background(), path, ""))
}

func TestWaitSeesFileCreatedLater(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("x"), 0o644)
	}()

	waiter := NewWaiter(5*time.Second, nil)
	require.NoError(t, waiter.Wait(context.Background(), path))
	<-done
}

func TestWaitTimesOutWithMissingPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never.png")

	waiter := NewWaiter(100*time.Millisecond, nil)
	err := waiter.Wait(context.Background(), path)
	require.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "never.png")
}

func TestWaitPollsUnwatchableDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	path := filepath.Join(dir, "frame.png")

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_ = os.MkdirAll(dir, 0o755)
		_ = os.WriteFile(path, []byte("x"), 0o644)
	}()

	waiter := NewWaiter(5*time.Second, nil)
	require.NoError(t, waiter.Wait(context.Background(), path))
	<-done
}

func TestWaitHonoursCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	waiter := NewWaiter(time.Minute, nil)
	err := waiter.Wait(ctx, filepath.Join(t.TempDir(), "missing.png"))
	require.ErrorIs(t, err, ErrMissing)
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audio.wav")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	assert.True(t, Exists(path))
	assert.False(t, Exists(dir))
	assert.False(t, Exists(" "))
	assert.False(t, Exists(filepath.Join(dir, "nope.wav")))
}
