package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"livecast/internal/live"
	"livecast/internal/segmenter"
)

// FileAcquirer opens a file, FIFO or character device that yields encoded
// media (for example the output pipe of a hardware encoder).
type FileAcquirer struct {
	Path string

	guard exclusive
}

// NewFileAcquirer returns an acquirer for path.
func NewFileAcquirer(path string) *FileAcquirer {
	return &FileAcquirer{Path: path}
}

// Acquire opens the path. Constraints are fixed by whatever produces the file.
func (a *FileAcquirer) Acquire(ctx context.Context, _ Constraints) (segmenter.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.guard.claim(a.Path); err != nil {
		return nil, fmt.Errorf("%w: %w", live.ErrDeviceUnavailable, err)
	}
	f, err := os.Open(a.Path)
	if err != nil {
		a.guard.free()
		return nil, classifyOpenError(a.Path, err)
	}
	return &fileSource{File: f, free: a.guard.free}, nil
}

type fileSource struct {
	*os.File
	once sync.Once
	free func()
}

func (s *fileSource) Close() error {
	var err error
	s.once.Do(func() {
		err = s.File.Close()
		s.free()
	})
	return err
}

func classifyOpenError(name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", live.ErrPermissionDenied, name, err)
	default:
		return fmt.Errorf("%w: %s: %v", live.ErrDeviceUnavailable, name, err)
	}
}
