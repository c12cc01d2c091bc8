package dma

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Space Tests
// ============================================================================

func TestSpace_Alloc(t *testing.T) {
	s := NewHeapSpace(0x1000_0000)

	r, err := s.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, 2*PageSize, r.Size())
	assert.Equal(t, uint32(0x1000_0000), r.Phys())
	assert.Zero(t, uintptr(r.Pointer())%PageSize, "region not page aligned")

	r2, err := s.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, r.Phys()+2*PageSize, r2.Phys())
	assert.Equal(t, 2, s.Live())
}

func TestSpace_AllocInvalid(t *testing.T) {
	s := NewHeapSpace(0)
	for _, n := range []int{0, -1} {
		_, err := s.Alloc(n)
		assert.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestSpace_ZeroBaseReserved(t *testing.T) {
	s := NewHeapSpace(0)
	r, err := s.Alloc(1)
	require.NoError(t, err)
	assert.NotZero(t, r.Phys())
}

func TestSpace_Zeroed(t *testing.T) {
	s := NewHeapSpace(0x2000)
	r, err := s.Alloc(1)
	require.NoError(t, err)
	for i := range r.Bytes() {
		r.Bytes()[i] = 0xAA
	}
	require.NoError(t, s.Free(r))

	r, err = s.Alloc(1)
	require.NoError(t, err)
	for i, b := range r.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x after realloc", i, b)
		}
	}
}

func TestSpace_Virt(t *testing.T) {
	s := NewHeapSpace(0x4000)
	a, err := s.Alloc(1)
	require.NoError(t, err)
	b, err := s.Alloc(3)
	require.NoError(t, err)

	tests := []struct {
		name string
		phys uint32
		want unsafe.Pointer
		ok   bool
	}{
		{"first byte", a.Phys(), a.Pointer(), true},
		{"inside second", b.Phys() + 5000, unsafe.Add(b.Pointer(), 5000), true},
		{"last byte", b.Phys() + uint32(b.Size()) - 1, unsafe.Add(b.Pointer(), b.Size()-1), true},
		{"below", a.Phys() - 1, nil, false},
		{"past end", b.Phys() + uint32(b.Size()), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.Virt(tt.phys)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpace_FreeReusesBusRange(t *testing.T) {
	s := NewHeapSpace(0x8000)
	a, err := s.Alloc(4)
	require.NoError(t, err)
	phys := a.Phys()
	_, err = s.Alloc(1)
	require.NoError(t, err)

	require.NoError(t, s.Free(a))
	_, ok := s.Virt(phys)
	assert.False(t, ok, "freed range still resolves")

	c, err := s.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, phys, c.Phys())
	d, err := s.Alloc(2)
	require.NoError(t, err)
	assert.Equal(t, phys+2*PageSize, d.Phys())
}

func TestSpace_FreeUnknown(t *testing.T) {
	s1 := NewHeapSpace(0x1000)
	s2 := NewHeapSpace(0x1000)
	r, err := s1.Alloc(1)
	require.NoError(t, err)
	assert.ErrorIs(t, s2.Free(r), ErrUnknownRegion)
	assert.NoError(t, s1.Free(nil))
}

func TestSpace_Concurrent(t *testing.T) {
	s := NewHeapSpace(0x10000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint32]bool{}

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 32 {
				r, err := s.Alloc(1)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[r.Phys()] {
					t.Errorf("bus address %#x handed out twice", r.Phys())
				}
				seen[r.Phys()] = true
				mu.Unlock()

				mu.Lock()
				delete(seen, r.Phys())
				mu.Unlock()
				if err := s.Free(r); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, s.Live())
}

// ============================================================================
// Window Tests
// ============================================================================

func TestWindow(t *testing.T) {
	buf := make([]uint32, 16)
	w := NewWindow(unsafe.Pointer(&buf[0]), len(buf)*4)

	w.Write32(0x08, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), buf[2])
	buf[3] = 42
	assert.Equal(t, uint32(42), w.Read32(0x0C))
	assert.NoError(t, w.Close())
}

func TestWindow_OutOfRange(t *testing.T) {
	buf := make([]uint32, 4)
	w := NewWindow(unsafe.Pointer(&buf[0]), len(buf)*4)

	assert.Panics(t, func() { w.Read32(16) })
	assert.Panics(t, func() { w.Write32(2, 0) })
}
