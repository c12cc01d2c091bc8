//go:build unix

package dma

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewMmapSpace returns a Space backed by anonymous shared mappings. Each
// region is its own mapping and is unmapped when freed.
func NewMmapSpace(base uint32) *Space {
	return newSpace(base, mmapPages)
}

func mmapPages(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

// MapWindow maps size bytes of the device file at path, starting at offset,
// as a register window. Typical sources are a UIO device node or /dev/mem.
func MapWindow(path string, offset int64, size int) (*Window, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), offset, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s@%#x: %w", path, offset, err)
	}

	w := NewWindow(unsafe.Pointer(&mem[0]), size)
	w.release = func() error { return unix.Munmap(mem) }
	return w, nil
}
