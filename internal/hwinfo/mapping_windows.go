//go:build windows

package hwinfo

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type segment struct {
	handle windows.Handle
	addr   uintptr
	data   []byte
}

// openSegment opens the named file mapping read-only and maps size bytes.
func openSegment(_, name string, size int) (*segment, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("mapping name %q: %w", name, err)
	}

	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READONLY, 0, uint32(size), namePtr)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("mapping view of %s: %w", name, err)
	}

	return &segment{
		handle: handle,
		addr:   addr,
		data:   unsafe.Slice((*byte)(unsafe.Pointer(addr)), size),
	}, nil
}

func (s *segment) Bytes() []byte {
	return s.data
}

// Close unmaps the view and closes the mapping handle.
func (s *segment) Close() error {
	var firstErr error
	if s.addr != 0 {
		if err := windows.UnmapViewOfFile(s.addr); err != nil {
			firstErr = fmt.Errorf("unmapping view: %w", err)
		}
	}
	if s.handle != 0 {
		if err := windows.CloseHandle(s.handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing mapping handle: %w", err)
		}
	}
	s.addr = 0
	s.handle = 0
	s.data = nil
	return firstErr
}
