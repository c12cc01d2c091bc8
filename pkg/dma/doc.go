// Package dma provides the memory collaborator of a bus-mastering host
// controller driver.
//
// A [Region] is a page-aligned block with two views: a virtual one for
// software and a bus (physical) one for the controller. A [Space] hands out
// regions and answers the reverse bus-to-virtual lookup needed when the
// controller reports a physical pointer:
//
//	mem := dma.NewHeapSpace(0x1000_0000)
//	r, err := mem.Alloc(4)
//	...
//	p, ok := mem.Virt(r.Phys() + 64)
//
// [NewHeapSpace] backs regions with Go memory and suits simulated
// controllers. [NewMmapSpace] uses anonymous shared mappings. Neither pins
// pages for a real device; a platform with an IOMMU or a reserved carve-out
// supplies its own [Allocator].
//
// [Window] gives volatile 32-bit access to a memory-mapped register block.
package dma
