//go:build !windows

package hwinfo

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type segment struct {
	fd   int
	data []byte
}

// openSegment maps the shared memory object at path read-only. At most size
// bytes are mapped, and never more than the object holds.
func openSegment(path, _ string, size int) (*segment, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat shared memory %s: %w", path, err)
	}

	length := size
	if stat.Size < int64(length) {
		length = int(stat.Size)
	}
	if length <= 0 {
		unix.Close(fd)
		return &segment{fd: -1}, nil
	}

	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}

	return &segment{fd: fd, data: data}, nil
}

func (s *segment) Bytes() []byte {
	return s.data
}

// Close unmaps the region and closes the descriptor.
func (s *segment) Close() error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			firstErr = fmt.Errorf("unmapping shared memory: %w", err)
		}
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing shared memory fd: %w", err)
		}
	}
	s.data = nil
	s.fd = -1
	return firstErr
}
