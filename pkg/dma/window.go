package dma

import (
	"sync/atomic"
	"unsafe"
)

// Window is a memory-mapped register block accessed as 32-bit words. Every
// access is a single atomic load or store so the compiler neither caches nor
// splits it. Register contents are little-endian; Window assumes a
// little-endian host.
type Window struct {
	base    unsafe.Pointer
	size    int
	release func() error
}

// NewWindow wraps an existing mapping of size bytes at base.
func NewWindow(base unsafe.Pointer, size int) *Window {
	return &Window{base: base, size: size}
}

// Size returns the window length in bytes.
func (w *Window) Size() int { return w.size }

func (w *Window) word(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > w.size {
		panic("dma: register offset out of window")
	}
	return (*uint32)(unsafe.Add(w.base, off))
}

// Read32 loads the register at byte offset off.
func (w *Window) Read32(off uint32) uint32 {
	return atomic.LoadUint32(w.word(off))
}

// Write32 stores v to the register at byte offset off.
func (w *Window) Write32(off, v uint32) {
	atomic.StoreUint32(w.word(off), v)
}

// Close unmaps the window if MapWindow created it.
func (w *Window) Close() error {
	if w.release == nil {
		return nil
	}
	release := w.release
	w.release = nil
	return release()
}
