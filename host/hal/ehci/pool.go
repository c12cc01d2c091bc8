package ehci

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

type descriptor interface {
	qh | qtd | itd
}

// ref is a live pool slot: its index, its virtual address and the bus
// address the controller uses for it.
type ref[T descriptor] struct {
	index int
	virt  *T
	phys  uint32
}

func (r ref[T]) valid() bool { return r.virt != nil }

// pool is a fixed-capacity array of descriptors in one DMA region with an
// occupancy bitmap. A slot's bit is set exactly while it is allocated.
// Slots are spaced at a power-of-two stride so none crosses a page.
type pool[T descriptor] struct {
	kind   kind
	mem    dma.Allocator
	region *dma.Region
	ptr    unsafe.Pointer
	n      int
	base   uint32
	stride uint32

	mu     sync.Mutex
	bitmap []uint64
	used   int

	m   *metricSet
	log pkg.Log
}

func newPool[T descriptor](k kind, mem dma.Allocator, n int, m *metricSet, log pkg.Log) (*pool[T], error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %s pool size %d", pkg.ErrInvalidParameter, k, n)
	}

	stride := slotStride(int(unsafe.Sizeof(*new(T))))
	pages := (n*stride + dma.PageSize - 1) / dma.PageSize
	region, err := mem.Alloc(pages)
	if err != nil {
		return nil, fmt.Errorf("%s pool: %w", k, err)
	}

	p := &pool[T]{
		kind:   k,
		mem:    mem,
		region: region,
		ptr:    region.Pointer(),
		n:      n,
		base:   region.Phys(),
		stride: uint32(stride),
		bitmap: make([]uint64, (n+63)/64),
		m:      m,
		log:    log.With(pkg.ComponentPool),
	}
	p.log.Debug("pool created", "kind", k.String(), "slots", n, "stride", stride, "phys", region.Phys())
	return p, nil
}

// slotStride rounds size up to a power of two. Such a stride divides the
// page size, so a slot never straddles two pages.
func slotStride(size int) int {
	stride := 1
	for stride < size {
		stride <<= 1
	}
	return stride
}

// capacity returns the fixed number of slots.
func (p *pool[T]) capacity() int { return p.n }

// alloc claims the lowest free slot and zeroes it.
func (p *pool[T]) alloc() (ref[T], error) {
	p.mu.Lock()
	i := -1
	for w, word := range p.bitmap {
		if word == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^word)
		if idx := w*64 + b; idx < p.n {
			p.bitmap[w] |= 1 << b
			p.used++
			i = idx
		}
		break
	}
	used := p.used
	p.mu.Unlock()

	if i < 0 {
		p.m.exhausted[p.kind].Inc(1)
		return ref[T]{}, fmt.Errorf("%s: %w", p.kind, pkg.ErrPoolExhausted)
	}
	p.m.inUse[p.kind].Update(int64(used))

	r := p.at(i)
	*r.virt = *new(T)
	return r, nil
}

// free releases a slot. Freeing a slot that is not allocated is a driver
// bug and reported as ErrInvalidState.
func (p *pool[T]) free(r ref[T]) error {
	if r.index < 0 || r.index >= p.n {
		return fmt.Errorf("%w: %s index %d", pkg.ErrInvalidParameter, p.kind, r.index)
	}

	w, b := r.index/64, uint(r.index%64)
	p.mu.Lock()
	if p.bitmap[w]&(1<<b) == 0 {
		p.mu.Unlock()
		p.log.Error("double free", "kind", p.kind.String(), "index", r.index)
		return fmt.Errorf("%w: %s slot %d not allocated", pkg.ErrInvalidState, p.kind, r.index)
	}
	p.bitmap[w] &^= 1 << b
	p.used--
	used := p.used
	p.mu.Unlock()

	p.m.inUse[p.kind].Update(int64(used))
	return nil
}

// at returns the ref for slot i without checking occupancy.
func (p *pool[T]) at(i int) ref[T] {
	return ref[T]{index: i, virt: (*T)(unsafe.Add(p.ptr, uintptr(i)*uintptr(p.stride))), phys: p.physOf(i)}
}

func (p *pool[T]) physOf(i int) uint32 {
	return p.base + uint32(i)*p.stride
}

// lookup maps a bus address reported by the controller back to its slot.
func (p *pool[T]) lookup(phys uint32) (ref[T], bool) {
	off := phys - p.base
	if phys < p.base || off%p.stride != 0 || int(off/p.stride) >= p.n {
		return ref[T]{}, false
	}
	return p.at(int(off / p.stride)), true
}

// allocated reports whether slot i is occupied.
func (p *pool[T]) allocated(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitmap[i/64]&(1<<uint(i%64)) != 0
}

// inUse returns the number of occupied slots.
func (p *pool[T]) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// close returns the backing region. Outstanding refs become invalid.
func (p *pool[T]) close() error {
	if p.region == nil {
		return nil
	}
	err := p.mem.Free(p.region)
	p.region, p.ptr, p.n = nil, nil, 0
	return err
}
