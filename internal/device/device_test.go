package device

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
)

func TestFileAcquirer_Acquire_readsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.webm")
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o600))

	a := NewFileAcquirer(path)
	src, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "media", string(got))
	require.NoError(t, src.Close())
}

func TestFileAcquirer_Acquire_missing(t *testing.T) {
	a := NewFileAcquirer(filepath.Join(t.TempDir(), "nope"))
	_, err := a.Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrDeviceUnavailable)
	assert.NotErrorIs(t, err, live.ErrPermissionDenied)
}

func TestFileAcquirer_Acquire_permissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	path := filepath.Join(t.TempDir(), "locked")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o000))

	_, err := NewFileAcquirer(path).Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrPermissionDenied)
}

func TestFileAcquirer_Acquire_exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.webm")
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o600))
	a := NewFileAcquirer(path)

	first, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestFileAcquirer_Acquire_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewFileAcquirer("/dev/null").Acquire(ctx, DefaultConstraints())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCommandAcquirer_Acquire_streamsStdout(t *testing.T) {
	if _, err := exec.LookPath("printf"); err != nil {
		t.Skip("printf not available")
	}
	a := NewCommandAcquirer("printf {width}x{height}", logger.Discard())
	src, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	got, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "1280x720", string(got))
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestCommandAcquirer_Acquire_missingBinary(t *testing.T) {
	a := NewCommandAcquirer("livecast-no-such-encoder -i x", logger.Discard())
	_, err := a.Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrDeviceUnavailable)

	// the guard is released after a failed start
	_, err = a.Acquire(context.Background(), DefaultConstraints())
	assert.NotErrorIs(t, err, ErrBusy)
}

func TestCommandAcquirer_Acquire_exclusive(t *testing.T) {
	if _, err := exec.LookPath("yes"); err != nil {
		t.Skip("yes not available")
	}
	a := NewCommandAcquirer("yes livecast", logger.Discard())
	first, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrDeviceUnavailable)
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, first.Close())
}

func TestCommandAcquirer_closeWhileReading(t *testing.T) {
	if _, err := exec.LookPath("yes"); err != nil {
		t.Skip("yes not available")
	}
	a := NewCommandAcquirer("yes livecast", logger.Discard())
	src, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)

	reading := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := src.Read(buf); err != nil {
				readErr <- err
				return
			}
			select {
			case <-reading:
			default:
				close(reading)
			}
		}
	}()
	<-reading

	closed := make(chan struct{})
	go func() {
		_ = src.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return while the source was being read")
	}
	assert.Error(t, <-readErr)

	again, err := a.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err, "the device is free once closed")
	require.NoError(t, again.Close())
}

func TestCommandAcquirer_Acquire_empty(t *testing.T) {
	_, err := NewCommandAcquirer("   ", logger.Discard()).Acquire(context.Background(), DefaultConstraints())
	assert.ErrorIs(t, err, live.ErrDeviceUnavailable)
}

func TestExpandArgs(t *testing.T) {
	c := DefaultConstraints()
	got := expandArgs([]string{"enc", "-r", "{fps}", "-ar", "{samplerate}", "-b:v", "{vbitrate}", "-b:a", "{abitrate}"}, c)
	assert.Equal(t, []string{"enc", "-r", "30", "-ar", "44100", "-b:v", "2500000", "-b:a", "128000"}, got)
}
