package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/memory"
)

// hostMemory gives the CPU direct access to device memory, the way the
// driver reaches video memory through the BAR and system memory through the
// kernel mapping.
type hostMemory struct {
	device   *Device
	maps     atomic.Uint64
	barriers atomic.Uint64
}

func (h *hostMemory) Map(alloc vm.Allocation) pagetree.HostMapping {
	storage := h.device.Storage(alloc.Addr.Aperture)
	if storage == nil {
		panic(fmt.Sprintf("mapping %s, which has no memory", alloc.Addr))
	}

	h.maps.Add(1)

	return &hostMapping{
		storage: storage,
		alloc:   alloc,
	}
}

func (h *hostMemory) WriteBarrier() {
	h.barriers.Add(1)
}

type hostMapping struct {
	storage  *memory.Storage
	alloc    vm.Allocation
	unmapped bool
}

func (m *hostMapping) mustCover(offset, size uint64) {
	if m.unmapped {
		panic("access through an unmapped host mapping")
	}

	if offset+size > m.alloc.Size {
		panic(fmt.Sprintf("host access [0x%x, 0x%x) beyond the 0x%x bytes of %s",
			offset, offset+size, m.alloc.Size, m.alloc.Addr))
	}
}

func (m *hostMapping) Write(offset uint64, words []uint64) {
	m.mustCover(offset, uint64(len(words))*8)

	for i, w := range words {
		err := m.storage.WriteUint64(m.alloc.Addr.Address+offset+uint64(i)*8, w)
		if err != nil {
			panic(err)
		}
	}
}

func (m *hostMapping) Fill(offset uint64, word uint64, count int) {
	size := uint64(count) * 8
	m.mustCover(offset, size)

	if err := m.storage.Memset(m.alloc.Addr.Address+offset, word, 8, size); err != nil {
		panic(err)
	}
}

func (m *hostMapping) Unmap() {
	m.unmapped = true
}
