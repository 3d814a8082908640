package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"livecast/internal/live"
	"livecast/internal/platform/logger"
	"livecast/internal/segmenter"
)

// CommandAcquirer starts an external capture/encode program and reads the
// encoded stream from its stdout. Placeholders {width}, {height}, {fps},
// {samplerate}, {vbitrate} and {abitrate} in the command are replaced with
// the requested constraints.
type CommandAcquirer struct {
	Command string

	log   *slog.Logger
	guard exclusive
}

// NewCommandAcquirer returns an acquirer running command.
func NewCommandAcquirer(command string, log *slog.Logger) *CommandAcquirer {
	return &CommandAcquirer{Command: command, log: logger.WithComponent(log, "device")}
}

// Acquire starts the command. The process lives until the returned source is
// closed.
func (a *CommandAcquirer) Acquire(ctx context.Context, c Constraints) (segmenter.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := expandArgs(strings.Fields(a.Command), c)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no capture command configured", live.ErrDeviceUnavailable)
	}
	if err := a.guard.claim(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %w", live.ErrDeviceUnavailable, err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.guard.free()
		return nil, fmt.Errorf("%w: %v", live.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		a.guard.free()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s: %v", live.ErrDeviceUnavailable, args[0], err)
		}
		return nil, classifyOpenError(args[0], err)
	}
	a.log.Info("capture command started", slog.String("command", args[0]), slog.Int("pid", cmd.Process.Pid))
	return &commandSource{cmd: cmd, stdout: stdout, free: a.guard.free, log: a.log}, nil
}

type commandSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	free   func()
	log    *slog.Logger
	once   sync.Once
}

func (s *commandSource) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *commandSource) Close() error {
	s.once.Do(func() {
		_ = s.cmd.Process.Kill()
		// Close blocks until a pending Read has returned; Wait must not run
		// while the pipe is still being read.
		_ = s.stdout.Close()
		if err := s.cmd.Wait(); err != nil {
			s.log.Debug("capture command exited", slog.String("error", err.Error()))
		}
		s.free()
	})
	return nil
}

func expandArgs(args []string, c Constraints) []string {
	r := strings.NewReplacer(
		"{width}", strconv.Itoa(c.Width),
		"{height}", strconv.Itoa(c.Height),
		"{fps}", strconv.Itoa(c.FrameRate),
		"{samplerate}", strconv.Itoa(c.SampleRate),
		"{vbitrate}", strconv.Itoa(c.VideoBitrate),
		"{abitrate}", strconv.Itoa(c.AudioBitrate),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
