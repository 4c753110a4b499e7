package pmm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sirupsen/logrus"
)

// SysmemPageSize is the granule of system-memory allocations.
const SysmemPageSize = 4096

// A SysmemAllocator hands out zero-filled system memory mapped for the GPU.
type SysmemAllocator interface {
	// Alloc returns size bytes of zeroed system memory charged to owner. An
	// empty owner leaves the allocation uncharged.
	Alloc(size uint64, owner string) (vm.Allocation, error)

	// Free releases an allocation. The caller must have waited for every
	// operation that could still access it.
	Free(alloc vm.Allocation)
}

// Zeroer clears physical memory.
type Zeroer interface {
	Memset(address uint64, pattern uint64, elemSize int, size uint64) error
}

// SysmemStats counts what a Sysmem allocator did.
type SysmemStats struct {
	Allocs   uint64
	Frees    uint64
	Failures uint64
	Used     uint64
	Charged  map[string]uint64
}

// Sysmem is the system-memory allocator of a simulated host.
type Sysmem struct {
	lock sync.Mutex

	name    string
	size    uint64
	free    *extents
	backing Zeroer
	owners  map[uint64]string
	charged map[string]uint64
	stats   SysmemStats
	log     *logrus.Entry
}

// NewSysmem creates a system-memory allocator managing [0, size) of backing.
func NewSysmem(name string, size uint64, backing Zeroer) *Sysmem {
	return &Sysmem{
		name:    name,
		size:    size,
		free:    newExtents(0, vm.AlignDown(size, SysmemPageSize)),
		backing: backing,
		owners:  make(map[uint64]string),
		charged: make(map[string]uint64),
		log:     logrus.WithField("component", name),
	}
}

// Size returns the total amount of system memory.
func (a *Sysmem) Size() uint64 {
	return a.size
}

// Alloc allocates zero-filled system memory.
func (a *Sysmem) Alloc(size uint64, owner string) (vm.Allocation, error) {
	size = vm.AlignUp(size, SysmemPageSize)

	a.lock.Lock()

	addr, ok := a.free.alloc(size, SysmemPageSize)
	if !ok {
		a.stats.Failures++
		a.lock.Unlock()

		return vm.Allocation{}, errors.Wrapf(vm.ErrNoMemory,
			"%s: allocating 0x%x bytes of system memory", a.name, size)
	}

	a.stats.Allocs++
	a.owners[addr] = owner

	if owner != "" {
		a.charged[owner] += size
	}

	a.lock.Unlock()

	if err := a.backing.Memset(addr, 0, 8, size); err != nil {
		a.release(addr, size)
		return vm.Allocation{}, errors.Wrap(err, "zeroing system memory")
	}

	return vm.Allocation{
		Addr: vm.PhysAddr{Address: addr, Aperture: vm.ApertureSys},
		Size: size,
	}, nil
}

// Free releases system memory immediately.
func (a *Sysmem) Free(alloc vm.Allocation) {
	if alloc.Addr.Aperture != vm.ApertureSys {
		panic("freeing non-system memory to the system memory allocator")
	}

	a.release(alloc.Addr.Address, alloc.Size)
}

func (a *Sysmem) release(addr, size uint64) {
	a.lock.Lock()
	defer a.lock.Unlock()

	owner, ok := a.owners[addr]
	if !ok {
		a.log.WithField("addr", addr).Panic("freeing unknown system memory")
	}

	delete(a.owners, addr)

	if owner != "" {
		a.charged[owner] -= size
		if a.charged[owner] == 0 {
			delete(a.charged, owner)
		}
	}

	a.stats.Frees++
	a.free.release(addr, size)
}

// Charged returns the bytes currently charged to owner.
func (a *Sysmem) Charged(owner string) uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.charged[owner]
}

// Stats returns a snapshot of the allocator counters.
func (a *Sysmem) Stats() SysmemStats {
	a.lock.Lock()
	defer a.lock.Unlock()

	s := a.stats
	s.Used = vm.AlignDown(a.size, SysmemPageSize) - a.free.free
	s.Charged = make(map[string]uint64, len(a.charged))

	for k, v := range a.charged {
		s.Charged[k] = v
	}

	return s
}
