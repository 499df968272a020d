// Package sink provides the destinations the exporter writes lines to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// FifoMode is the permission set the pipe is created with and must have
	FifoMode fs.FileMode = 0644
	// DirMode is used for missing parent directories
	DirMode fs.FileMode = 0755
	// DefaultPollInterval between attempts to open a pipe without a reader
	DefaultPollInterval = 200 * time.Millisecond
)

var (
	ErrNotFifo  = errors.New("path exists and is not a named pipe")
	ErrFifoMode = errors.New("named pipe has unexpected permissions")
	ErrNotOpen  = errors.New("sink is not open")
)

// FifoSink writes lines into a named pipe read by a single external process
type FifoSink struct {
	path         string
	pollInterval time.Duration
	file         *os.File
}

// NewFifoSink creates a sink for the pipe at path. A pollInterval <= 0
// selects DefaultPollInterval.
func NewFifoSink(path string, pollInterval time.Duration) *FifoSink {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &FifoSink{path: path, pollInterval: pollInterval}
}

// Path returns the pipe location
func (s *FifoSink) Path() string {
	return s.path
}

// Prepare creates the parent directory and the pipe. An existing path must
// be a named pipe with exactly FifoMode permissions.
func (s *FifoSink) Prepare() error {
	if err := os.MkdirAll(filepath.Dir(s.path), DirMode); err != nil {
		return fmt.Errorf("failed to create pipe directory: %w", err)
	}

	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := unix.Mkfifo(s.path, uint32(FifoMode)); err != nil {
			return &os.PathError{Op: "mkfifo", Path: s.path, Err: err}
		}
		// Mkfifo is subject to the umask
		if err := os.Chmod(s.path, FifoMode); err != nil {
			return fmt.Errorf("failed to set pipe permissions: %w", err)
		}
		log.Info().Str("path", s.path).Msg("Created named pipe")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat pipe: %w", err)
	}

	if fi.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%s: %w", s.path, ErrNotFifo)
	}
	if fi.Mode().Perm() != FifoMode {
		return fmt.Errorf("%s: %w: %04o, want %04o", s.path, ErrFifoMode, fi.Mode().Perm(), FifoMode)
	}

	log.Info().Str("path", s.path).Msg("Reusing named pipe")
	return nil
}

// Open blocks until a reader has the pipe open or ctx is cancelled
func (s *FifoSink) Open(ctx context.Context) error {
	if s.file != nil {
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Without a reader a non-blocking open for writing fails with ENXIO
		fd, err := unix.Open(s.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				unix.Close(fd)
				return &os.PathError{Op: "open", Path: s.path, Err: err}
			}
			s.file = os.NewFile(uintptr(fd), s.path)
			return nil
		}
		if err != unix.ENXIO && err != unix.EINTR {
			return &os.PathError{Op: "open", Path: s.path, Err: err}
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Write writes one line. Any error leaves the handle unusable until the
// sink is closed and opened again.
func (s *FifoSink) Write(line []byte) error {
	if s.file == nil {
		return ErrNotOpen
	}
	_, err := s.file.Write(line)
	return err
}

// Close discards the handle
func (s *FifoSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Remove unlinks the pipe. A missing pipe is not an error.
func (s *FifoSink) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	log.Info().Str("path", s.path).Msg("Removed named pipe")
	return nil
}
