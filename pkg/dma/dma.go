package dma

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// PageSize is the granule of every DMA allocation.
const PageSize = 4096

// Errors.
var (
	ErrInvalidSize   = errors.New("invalid allocation size")
	ErrAddressSpace  = errors.New("bus address space exhausted")
	ErrUnknownRegion = errors.New("region not owned by this space")
)

// Region is a physically contiguous, page-aligned block of memory visible to
// both software (through Bytes/Pointer) and a bus master (through Phys).
//
// The offset between the two views is fixed for the lifetime of the region, so
// translating in either direction is O(1).
type Region struct {
	mem     []byte
	phys    uint32
	release func() error
}

// Bytes returns the software view of the region.
func (r *Region) Bytes() []byte { return r.mem }

// Pointer returns the virtual address of the first byte of the region.
func (r *Region) Pointer() unsafe.Pointer { return unsafe.Pointer(&r.mem[0]) }

// Phys returns the bus address of the first byte of the region.
func (r *Region) Phys() uint32 { return r.phys }

// Size returns the region length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Contains reports whether phys falls inside the region.
func (r *Region) Contains(phys uint32) bool {
	return phys >= r.phys && phys-r.phys < uint32(len(r.mem))
}

// Offset converts a bus address into a byte offset within the region.
func (r *Region) Offset(phys uint32) (int, bool) {
	if !r.Contains(phys) {
		return 0, false
	}
	return int(phys - r.phys), true
}

// PhysOf converts a byte offset within the region into a bus address.
func (r *Region) PhysOf(off int) uint32 {
	return r.phys + uint32(off)
}

// Allocator is the memory-mapping collaborator of a host controller driver.
type Allocator interface {
	// Alloc returns pages physically contiguous, zeroed pages.
	Alloc(pages int) (*Region, error)

	// Free returns a region obtained from Alloc.
	Free(r *Region) error

	// Virt translates a bus address reported by hardware back into a
	// virtual address.
	Virt(phys uint32) (unsafe.Pointer, bool)
}

// pageSource supplies page-aligned backing memory and its release function.
type pageSource func(size int) ([]byte, func() error, error)

// busRange is a free interval of bus address space.
type busRange struct {
	start uint32
	pages int
}

// Space implements [Allocator] by pairing backing memory from a page source
// with bus addresses handed out from a private 32-bit window. Bus addresses
// are never shared by two live regions; freed ranges are reused first-fit.
type Space struct {
	mu      sync.Mutex
	source  pageSource
	next    uint32
	limit   uint32
	free    []busRange
	regions []*Region // sorted by phys
}

func newSpace(base uint32, source pageSource) *Space {
	base = (base + PageSize - 1) &^ (PageSize - 1)
	if base == 0 {
		// Bus address 0 is reserved so a zero link pointer is never valid.
		base = PageSize
	}
	return &Space{
		source: source,
		next:   base,
		limit:  0xFFFFF000,
	}
}

// NewHeapSpace returns a Space backed by page-aligned Go memory. The garbage
// collector never moves heap objects, so the memory stays put while the
// region is live.
func NewHeapSpace(base uint32) *Space {
	return newSpace(base, heapPages)
}

func heapPages(size int) ([]byte, func() error, error) {
	buf := make([]byte, size+PageSize)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) % PageSize); rem != 0 {
		off = PageSize - rem
	}
	return buf[off : off+size : off+size], func() error { return nil }, nil
}

// Alloc implements [Allocator].
func (s *Space) Alloc(pages int) (*Region, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}

	mem, release, err := s.source(pages * PageSize)
	if err != nil {
		return nil, err
	}
	clear(mem)

	s.mu.Lock()
	defer s.mu.Unlock()

	phys, ok := s.reserve(pages)
	if !ok {
		_ = release()
		return nil, ErrAddressSpace
	}

	r := &Region{mem: mem, phys: phys, release: release}
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].phys > phys })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return r, nil
}

// reserve finds bus space for pages. Caller holds s.mu.
func (s *Space) reserve(pages int) (uint32, bool) {
	for i, fr := range s.free {
		if fr.pages < pages {
			continue
		}
		phys := fr.start
		if fr.pages == pages {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.free[i] = busRange{start: fr.start + uint32(pages*PageSize), pages: fr.pages - pages}
		}
		return phys, true
	}

	size := uint32(pages * PageSize)
	if s.limit-s.next < size {
		return 0, false
	}
	phys := s.next
	s.next += size
	return phys, true
}

// Free implements [Allocator].
func (s *Space) Free(r *Region) error {
	if r == nil {
		return nil
	}

	s.mu.Lock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].phys >= r.phys })
	if i == len(s.regions) || s.regions[i] != r {
		s.mu.Unlock()
		return ErrUnknownRegion
	}
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	s.free = append(s.free, busRange{start: r.phys, pages: len(r.mem) / PageSize})
	s.mu.Unlock()

	release := r.release
	r.mem, r.release = nil, nil
	return release()
}

// Virt implements [Allocator].
func (s *Space) Virt(phys uint32) (unsafe.Pointer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].phys > phys })
	if i == 0 {
		return nil, false
	}
	r := s.regions[i-1]
	off, ok := r.Offset(phys)
	if !ok {
		return nil, false
	}
	return unsafe.Add(r.Pointer(), off), true
}

// Live returns the number of regions currently allocated.
func (s *Space) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}
