package pagetree

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/ptebatch"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
)

const (
	// maxPushSize bounds the PTE data written by one push.
	maxPushSize = 128 << 10

	// maxClearsPerPush bounds the ranges cleared by one push.
	maxClearsPerPush = 256
)

// A RangeVec is a run of virtual addresses mapped with one page size that may
// span several page tables. Ranges hold one range per page table, in address
// order.
type RangeVec struct {
	Tree     *Tree
	Start    uint64
	Size     uint64
	PageSize uint64
	Ranges   []Range
}

// A PTEMaker returns the entry mapping the page offset bytes into vec.
type PTEMaker func(vec *RangeVec, offset uint64) uint64

func (v *RangeVec) pdeCoverage() uint64 {
	hal := v.Tree.HAL()
	return mmuhal.Coverage(hal, hal.PageTableDepth(v.PageSize)-1, v.PageSize)
}

func (v *RangeVec) calcRangeCount() int {
	cov := v.pdeCoverage()
	alignedStart := vm.AlignDown(v.Start, cov)
	alignedEnd := vm.AlignUp(v.Start+v.Size, cov)

	return int((alignedEnd - alignedStart) / cov)
}

func (v *RangeVec) calcRangeStart(i int) uint64 {
	cov := v.pdeCoverage()
	return max(v.Start, vm.AlignDown(v.Start, cov)+uint64(i)*cov)
}

func (v *RangeVec) calcRangeEnd(i int) uint64 {
	cov := v.pdeCoverage()
	start := v.calcRangeStart(i)

	return min(v.Start+v.Size, vm.AlignUp(start+1, cov))
}

func (v *RangeVec) calcRangeIndex(addr uint64) int {
	if addr < v.Start || addr >= v.Start+v.Size {
		panic("address outside of the range vector")
	}

	cov := v.pdeCoverage()

	return int((vm.AlignDown(addr, cov) - vm.AlignDown(v.Start, cov)) / cov)
}

// RangeVecInit reserves the entries of pageSize covering [start,
// start+size) into vec, one range per page table. On failure everything
// reserved is released.
func RangeVecInit(
	tree *Tree,
	start, size, pageSize uint64,
	flags pmm.AllocFlags,
	vec *RangeVec,
) error {
	if size == 0 || !vm.IsAligned(start, pageSize) || !vm.IsAligned(size, pageSize) {
		panic("range vector not aligned to its page size")
	}

	*vec = RangeVec{
		Tree:     tree,
		Start:    start,
		Size:     size,
		PageSize: pageSize,
	}
	vec.Ranges = make([]Range, vec.calcRangeCount())

	var err error

	for i := range vec.Ranges {
		rangeStart := vec.calcRangeStart(i)
		rangeSize := vec.calcRangeEnd(i) - rangeStart

		err = tree.GetPTEsAsync(pageSize, rangeStart, rangeSize, flags, &vec.Ranges[i])
		if err != nil {
			err = errors.Wrapf(err, "getting entries of [0x%x, 0x%x), part of [0x%x, 0x%x)",
				rangeStart, rangeStart+rangeSize, start, start+size)

			break
		}
	}

	if err == nil {
		err = tree.Wait()
	}

	if err != nil {
		vec.Deinit()
		return err
	}

	return nil
}

// RangeVecCreate allocates and initializes a range vector.
func RangeVecCreate(
	tree *Tree,
	start, size, pageSize uint64,
	flags pmm.AllocFlags,
) (*RangeVec, error) {
	vec := new(RangeVec)
	if err := RangeVecInit(tree, start, size, pageSize, flags, vec); err != nil {
		return nil, err
	}

	return vec, nil
}

// SplitUpper moves the addresses past newEnd into a new vector. A range
// straddling the split is shared by both vectors, each keeping its own
// entries.
func (v *RangeVec) SplitUpper(newEnd uint64) *RangeVec {
	newStart := newEnd + 1

	if newEnd == 0 || newEnd <= v.Start || newEnd >= v.Start+v.Size ||
		!vm.IsAligned(newStart, v.PageSize) {
		panic("splitting a range vector outside of it")
	}

	cov := v.pdeCoverage()
	splitIndex := v.calcRangeIndex(newStart)
	r := &v.Ranges[splitIndex]
	rangeBase := vm.AlignDown(newStart, cov)
	remaining := uint32((newStart - max(v.Start, rangeBase)) / v.PageSize)

	upper := &RangeVec{
		Tree:     v.Tree,
		PageSize: v.PageSize,
		Start:    newStart,
		Size:     v.Size - (newStart - v.Start),
		Ranges:   make([]Range, len(v.Ranges)-splitIndex),
	}

	copied := 0
	if remaining != 0 {
		v.Tree.RangeGetUpper(r, &upper.Ranges[0], r.EntryCount-remaining)
		v.Tree.RangeShrink(r, remaining)

		copied = 1
	}

	copy(upper.Ranges[copied:], v.Ranges[splitIndex+copied:])

	kept := splitIndex + copied
	v.Size -= upper.Size
	v.Ranges = v.Ranges[:kept:kept]

	return upper
}

// Deinit releases every range of the vector and waits for the tree.
func (v *RangeVec) Deinit() {
	if v.Tree == nil {
		return
	}

	for i := range v.Ranges {
		if v.Ranges[i].EntryCount == 0 {
			break
		}

		v.Tree.PutPTEsAsync(&v.Ranges[i])
	}

	if err := v.Tree.Wait(); err != nil {
		v.Tree.log.WithError(err).Warn("releasing a range vector failed")
	}

	*v = RangeVec{}
}

// Destroy releases a vector made by RangeVecCreate.
func (v *RangeVec) Destroy() {
	if v == nil {
		return
	}

	v.Deinit()
}

func (v *RangeVec) entrySize() int {
	hal := v.Tree.HAL()
	return hal.EntrySize(hal.PageTableDepth(v.PageSize))
}

// ClearPTEs writes every entry of the vector invalid and invalidates the
// TLB for the whole vector with tlbMembar.
func (v *RangeVec) ClearPTEs(tlbMembar vm.Membar) error {
	if v.Tree.useCPU() {
		return v.clearPTEsCPU(tlbMembar)
	}

	return v.clearPTEsGPU(tlbMembar)
}

func (v *RangeVec) clearPTEsCPU(tlbMembar vm.Membar) error {
	t := v.Tree
	wordsPerEntry := v.entrySize() / 8

	for i := range v.Ranges {
		r := &v.Ranges[i]

		m := t.device.Host().Map(r.Table.Alloc)
		m.Fill(uint64(r.StartIndex)*uint64(v.entrySize()), 0,
			int(r.EntryCount)*wordsPerEntry)
		m.Unmap()

		t.counters.cpuWrites.Add(uint64(r.EntryCount))
	}

	return v.invalidateAndWait(tlbMembar)
}

func (v *RangeVec) invalidateAndWait(tlbMembar vm.Membar) error {
	t := v.Tree

	p, err := t.begin(nil, "invalidating a range vector")
	if err != nil {
		return err
	}

	tlbbatch.SingleInvalidate(t, p, v.Start, v.Size, vm.PageSizes(v.PageSize), tlbMembar)
	t.counters.invalidates.Add(1)

	return t.device.Pushes().EndAndWait(p)
}

func (v *RangeVec) clearPTEsGPU(tlbMembar vm.Membar) error {
	t := v.Tree
	entrySize := v.entrySize()
	tracker := push.NewTracker()

	var err error

	for i := 0; i < len(v.Ranges); {
		var p *push.Push

		p, err = t.begin(tracker, "clearing the entries of a range vector")
		if err != nil {
			break
		}

		var batch ptebatch.Batch
		batch.Begin(p, t.device)

		for n := 0; i < len(v.Ranges) && n < maxClearsPerPush; i, n = i+1, n+1 {
			r := &v.Ranges[i]
			batch.ClearPTEs(r.EntryAddress(t, 0), 0, entrySize, int(r.EntryCount))
		}

		batch.End(vm.MembarNone)

		if i == len(v.Ranges) {
			tlbbatch.SingleInvalidate(t, p, v.Start, v.Size, vm.PageSizes(v.PageSize), tlbMembar)
			t.counters.invalidates.Add(1)
		}

		tracker.Overwrite(t.device.Pushes().End(p))
	}

	if waitErr := tracker.Wait(); err == nil {
		err = waitErr
	}

	return err
}

// WritePTEs writes the entries made by maker into every page of the vector
// and invalidates the TLB for the whole vector with tlbMembar.
func (v *RangeVec) WritePTEs(tlbMembar vm.Membar, maker PTEMaker) error {
	if v.Tree.useCPU() {
		return v.writePTEsCPU(tlbMembar, maker)
	}

	return v.writePTEsGPU(tlbMembar, maker)
}

func (v *RangeVec) writePTEsCPU(tlbMembar vm.Membar, maker PTEMaker) error {
	t := v.Tree
	host := t.device.Host()
	entrySize := uint64(v.entrySize())
	words := make([]uint64, entrySize/8)
	offset := uint64(0)

	host.WriteBarrier()

	for i := range v.Ranges {
		r := &v.Ranges[i]
		m := host.Map(r.Table.Alloc)

		for e := uint32(0); e < r.EntryCount; e++ {
			words[0] = maker(v, offset)
			m.Write(uint64(r.StartIndex+e)*entrySize, words)

			offset += v.PageSize
		}

		m.Unmap()
		t.counters.cpuWrites.Add(uint64(r.EntryCount))
	}

	return v.invalidateAndWait(tlbMembar)
}

func (v *RangeVec) writePTEsGPU(tlbMembar vm.Membar, maker PTEMaker) error {
	t := v.Tree
	entrySize := v.entrySize()
	maxEntriesPerPush := uint32((maxPushSize - 1024) / entrySize)
	tracker := push.NewTracker()
	offset := uint64(0)

	var err error

loop:
	for i := range v.Ranges {
		r := &v.Ranges[i]
		entryAddr := r.EntryAddress(t, 0)

		for entry := uint32(0); entry < r.EntryCount; {
			limit := min(r.EntryCount, entry+maxEntriesPerPush)

			var p *push.Push

			p, err = t.begin(tracker, "writing the entries of a range vector")
			if err != nil {
				break loop
			}

			var batch ptebatch.Batch
			batch.Begin(p, t.device)

			for ; entry < limit; entry++ {
				batch.WritePTE(entryAddr, maker(v, offset), entrySize)

				offset += v.PageSize
				entryAddr.Address += uint64(entrySize)
			}

			batch.End(vm.MembarNone)

			if i == len(v.Ranges)-1 && entry == r.EntryCount {
				tlbbatch.SingleInvalidate(t, p, v.Start, v.Size, vm.PageSizes(v.PageSize), tlbMembar)
				t.counters.invalidates.Add(1)
			} else {
				p.SetFlag(push.FlagNextMembarNone)
			}

			tracker.Overwrite(t.device.Pushes().End(p))
		}
	}

	if waitErr := tracker.Wait(); err == nil {
		err = waitErr
	}

	return err
}
