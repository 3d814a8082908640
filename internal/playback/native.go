package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"livecast/internal/platform/logger"
)

// NativeEngine hands the manifest URL to a surface that plays it itself.
type NativeEngine struct {
	url     string
	surface NativeSurface
}

// NewNativeEngine returns the fallback engine for surface.
func NewNativeEngine(manifestURL string, surface NativeSurface) *NativeEngine {
	return &NativeEngine{url: manifestURL, surface: surface}
}

func (e *NativeEngine) Name() string { return "native" }

func (e *NativeEngine) Run(ctx context.Context, emit func(EngineEvent)) {
	err := e.surface.Load(ctx, e.url, emit)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		emit(EngineEvent{Kind: EngineError, Class: ClassOther, Err: fmt.Errorf("%w: %v", ErrNativeLoad, err)})
		return
	}
	emit(EngineEvent{Kind: Ended})
}

// RecoverMediaError is a no-op: native players recover internally.
func (e *NativeEngine) RecoverMediaError() error { return nil }

// CommandSurface plays streams with an external player program. The literal
// {url} in Command is replaced with the manifest URL; without it the URL is
// appended as the last argument.
type CommandSurface struct {
	Command string

	log    *slog.Logger
	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

// NewCommandSurface returns a native surface running command.
func NewCommandSurface(command string, log *slog.Logger) *CommandSurface {
	return &CommandSurface{Command: command, log: logger.WithComponent(log, "native-player")}
}

func (s *CommandSurface) CanPlayType(mime string) bool {
	return mime == HLSMimeType && strings.TrimSpace(s.Command) != ""
}

func (s *CommandSurface) Load(ctx context.Context, url string, notify func(EngineEvent)) error {
	args := playerArgs(s.Command, url)
	if len(args) == 0 {
		return errors.New("no player command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("surface closed")
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cmd = cmd
	s.mu.Unlock()

	s.log.Info("player started", slog.String("command", args[0]), slog.Int("pid", cmd.Process.Pid))
	notify(EngineEvent{Kind: ManifestParsed})
	notify(EngineEvent{Kind: BufferAppended})
	return cmd.Wait()
}

// Play is a no-op: external players start on their own.
func (s *CommandSurface) Play(bool) error { return nil }

func (s *CommandSurface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return nil
}

func playerArgs(command, url string) []string {
	fields := strings.Fields(command)
	found := false
	for i, f := range fields {
		if strings.Contains(f, "{url}") {
			fields[i] = strings.ReplaceAll(f, "{url}", url)
			found = true
		}
	}
	if !found && len(fields) > 0 {
		fields = append(fields, url)
	}
	return fields
}
