// Package pmm provides the physical memory managers of a simulated GPU: a
// video-memory page-frame allocator that can evict user chunks, and a
// system-memory allocator that charges allocations to their owners.
package pmm

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sirupsen/logrus"
)

// AllocFlags modify how an allocation is satisfied.
type AllocFlags uint32

// The allocation flags.
const (
	AllocFlagNone AllocFlags = 0

	// AllocFlagEvict allows the allocator to evict user chunks to satisfy the
	// request.
	AllocFlagEvict AllocFlags = 1
)

const (
	// VidmemGranule is the smallest unit of video memory handed out.
	VidmemGranule = 256

	// RootChunkSize is the size of the chunks video memory is managed in.
	RootChunkSize = 2 << 20
)

// A VidmemAllocator hands out video memory.
type VidmemAllocator interface {
	// Alloc returns size bytes of video memory aligned to the size rounded up
	// to a power of two.
	Alloc(size uint64, flags AllocFlags) (vm.Allocation, error)

	// Free releases an allocation. The memory is not reused before every
	// entry of tracker has completed. tracker may be nil.
	Free(alloc vm.Allocation, tracker *push.Tracker)

	// Size returns the total amount of video memory.
	Size() uint64
}

// VidmemStats counts what a Vidmem allocator did.
type VidmemStats struct {
	Allocs        uint64
	Frees         uint64
	DeferredFrees uint64
	Evictions     uint64
	Failures      uint64
	Used          uint64
	Free          uint64
	FreeExtents   int
}

type pendingFree struct {
	alloc   vm.Allocation
	tracker *push.Tracker
}

// Vidmem is the video-memory allocator of a simulated GPU.
type Vidmem struct {
	lock sync.Mutex

	name      string
	size      uint64
	free      *extents
	pending   []pendingFree
	evictable []vm.Allocation
	onEvict   func(vm.Allocation)
	stats     VidmemStats
	log       *logrus.Entry
}

// NewVidmem creates a video-memory allocator managing [0, size).
func NewVidmem(name string, size uint64) *Vidmem {
	if size == 0 || size%RootChunkSize != 0 {
		panic("video memory size must be a non-zero multiple of the root chunk size")
	}

	return &Vidmem{
		name: name,
		size: size,
		free: newExtents(0, size),
		log:  logrus.WithField("component", name),
	}
}

// OnEvict registers a callback invoked, outside the allocator lock, with every
// user chunk evicted to satisfy a kernel allocation.
func (a *Vidmem) OnEvict(f func(vm.Allocation)) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.onEvict = f
}

// Size returns the total amount of video memory.
func (a *Vidmem) Size() uint64 {
	return a.size
}

// MaxAddress returns the highest valid video-memory address.
func (a *Vidmem) MaxAddress() uint64 {
	return a.size - 1
}

// RootChunkIndex returns the index of the root chunk holding addr.
func RootChunkIndex(addr uint64) uint64 {
	return addr / RootChunkSize
}

// Alloc allocates kernel video memory, such as page-table memory.
func (a *Vidmem) Alloc(size uint64, flags AllocFlags) (vm.Allocation, error) {
	size = vm.AlignUp(size, VidmemGranule)
	align := allocAlignment(size, VidmemGranule)

	addr, err := a.alloc(size, align, flags)
	if err != nil {
		return vm.Allocation{}, err
	}

	return vm.Allocation{
		Addr: vm.PhysAddr{Address: addr, Aperture: vm.ApertureVid},
		Size: size,
	}, nil
}

// AllocUser allocates root chunks standing for user data. Evictable chunks
// can be reclaimed by kernel allocations that pass AllocFlagEvict.
func (a *Vidmem) AllocUser(numChunks int, evictable bool) ([]vm.Allocation, error) {
	allocs := make([]vm.Allocation, 0, numChunks)

	for i := 0; i < numChunks; i++ {
		addr, err := a.alloc(RootChunkSize, RootChunkSize, AllocFlagNone)
		if err != nil {
			for _, alloc := range allocs {
				a.Free(alloc, nil)
			}

			return nil, err
		}

		alloc := vm.Allocation{
			Addr: vm.PhysAddr{Address: addr, Aperture: vm.ApertureVid},
			Size: RootChunkSize,
		}
		allocs = append(allocs, alloc)
	}

	if evictable {
		a.lock.Lock()
		a.evictable = append(a.evictable, allocs...)
		a.lock.Unlock()
	}

	return allocs, nil
}

func (a *Vidmem) alloc(size, align uint64, flags AllocFlags) (uint64, error) {
	a.lock.Lock()

	a.reapCompletedLocked()

	addr, ok := a.free.alloc(size, align)
	if !ok && len(a.pending) > 0 {
		a.drainPendingLocked()
		addr, ok = a.free.alloc(size, align)
	}

	var evicted []vm.Allocation

	for !ok && flags&AllocFlagEvict != 0 && len(a.evictable) > 0 {
		last := len(a.evictable) - 1
		victim := a.evictable[last]
		a.evictable = a.evictable[:last]

		a.free.release(victim.Addr.Address, victim.Size)
		a.stats.Evictions++
		evicted = append(evicted, victim)

		addr, ok = a.free.alloc(size, align)
	}

	if ok {
		a.stats.Allocs++
	} else {
		a.stats.Failures++
	}

	onEvict := a.onEvict
	a.lock.Unlock()

	if onEvict != nil {
		for _, victim := range evicted {
			onEvict(victim)
		}
	}

	if !ok {
		return 0, errors.Wrapf(vm.ErrNoMemory,
			"%s: allocating 0x%x bytes of video memory", a.name, size)
	}

	return addr, nil
}

// drainPendingLocked waits for every deferred free. The lock is released
// while waiting.
func (a *Vidmem) drainPendingLocked() {
	pending := a.pending
	a.pending = nil

	a.lock.Unlock()

	ready := pending[:0]

	for _, p := range pending {
		if err := p.tracker.Wait(); err != nil {
			a.log.WithError(err).
				WithField("addr", p.alloc.Addr).
				Warn("leaking video memory, pending operations failed")

			continue
		}

		ready = append(ready, p)
	}

	a.lock.Lock()

	for _, p := range ready {
		a.free.release(p.alloc.Addr.Address, p.alloc.Size)
	}
}

func (a *Vidmem) reapCompletedLocked() {
	kept := a.pending[:0]

	for _, p := range a.pending {
		if p.tracker.Completed() {
			a.free.release(p.alloc.Addr.Address, p.alloc.Size)
			continue
		}

		kept = append(kept, p)
	}

	a.pending = kept
}

// Free releases video memory once the operations of tracker are complete.
func (a *Vidmem) Free(alloc vm.Allocation, tracker *push.Tracker) {
	if alloc.Addr.Aperture != vm.ApertureVid {
		panic("freeing non-video memory to the video memory allocator")
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	a.stats.Frees++

	for i, e := range a.evictable {
		if e.Addr == alloc.Addr {
			a.evictable = append(a.evictable[:i], a.evictable[i+1:]...)
			break
		}
	}

	if tracker != nil {
		pending := tracker.Clone()
		if !pending.Completed() {
			a.stats.DeferredFrees++
			a.pending = append(a.pending, pendingFree{alloc: alloc, tracker: pending})

			return
		}
	}

	a.free.release(alloc.Addr.Address, alloc.Size)
}

// Stats returns a snapshot of the allocator counters.
func (a *Vidmem) Stats() VidmemStats {
	a.lock.Lock()
	defer a.lock.Unlock()

	s := a.stats
	s.Free = a.free.free
	s.Used = a.size - a.free.free
	s.FreeExtents = a.free.count()

	return s
}
