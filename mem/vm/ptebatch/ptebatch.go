// Package ptebatch coalesces page-table entry writes into few copy-engine
// commands.
package ptebatch

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

// maxQueuedPTEs is the number of single writes held before a contiguous run
// switches to inline mode.
const maxQueuedPTEs = 4

// A Translator turns physical addresses into the addresses the copy engine
// uses to reach them.
type Translator interface {
	GPUAddress(pa vm.PhysAddr) vm.GPUAddress
}

// A Batch records PTE writes into a push. Writes are pipelined and carry no
// membar of their own. A single wait-for-idle and membar are issued by End;
// the membar is GPU-wide unless system memory was written.
type Batch struct {
	push       *push.Push
	translator Translator
	membar     vm.Membar

	first     vm.PhysAddr
	entrySize int
	count     int
	queue     [maxQueuedPTEs]uint64

	inlining bool
	inline   []uint64
}

// Begin starts a batch on p. A nil translator addresses memory physically.
func (b *Batch) Begin(p *push.Push, translator Translator) {
	*b = Batch{
		push:       p,
		translator: translator,
		membar:     vm.MembarGPU,
	}
}

func (b *Batch) gpuAddress(pa vm.PhysAddr) vm.GPUAddress {
	if b.translator == nil {
		return vm.PhysicalGPUAddress(pa)
	}

	return b.translator.GPUAddress(pa)
}

func (b *Batch) trackAperture(a vm.Aperture) {
	if a != vm.ApertureVid {
		b.membar = vm.MembarSys
	}
}

func (b *Batch) prepareCommand() {
	b.push.SetFlag(push.FlagCENextPipelined)
	b.push.SetFlag(push.FlagNextMembarNone)
}

func (b *Batch) flushInline() {
	b.prepareCommand()
	b.push.MemcopyInline(b.gpuAddress(b.first), b.inline)

	b.inline = nil
	b.inlining = false
	b.count = 0
}

func (b *Batch) flushQueue() {
	if b.inlining {
		b.flushInline()
		return
	}

	addr := b.first
	for i := 0; i < b.count; i++ {
		b.prepareCommand()
		b.push.Memset8(b.gpuAddress(addr), b.queue[i], 8)

		addr.Address += uint64(b.entrySize)
	}

	b.count = 0
}

func (b *Batch) beginInline() {
	b.inlining = true
	b.inline = b.inline[:0]

	for _, bits := range b.queue[:b.count] {
		b.appendInline(bits)
	}
}

// appendInline adds one entry to the inline data. Entries wider than a word
// carry bits in their low word and zeroes above.
func (b *Batch) appendInline(bits uint64) {
	b.inline = append(b.inline, bits)

	for i := 1; i < b.entrySize/8; i++ {
		b.inline = append(b.inline, 0)
	}
}

// inlineFull tells if one more entry would not fit in the inline data.
func (b *Batch) inlineFull() bool {
	return (b.count+1)*b.entrySize > push.InlineDataMaxSize
}

// WritePTEs writes count entries of entrySize bytes starting at addr.
// entries holds count*entrySize/8 words.
func (b *Batch) WritePTEs(addr vm.PhysAddr, entries []uint64, entrySize int, count int) {
	wordsPerEntry := entrySize / 8
	if entrySize%8 != 0 || len(entries) < count*wordsPerEntry {
		panic(fmt.Sprintf("%d entries of %d bytes need %d words, got %d",
			count, entrySize, count*wordsPerEntry, len(entries)))
	}

	b.flushQueue()
	b.trackAperture(addr.Aperture)

	maxPerChunk := push.InlineDataMaxSize / entrySize

	for done := 0; done < count; {
		n := min(count-done, maxPerChunk)

		b.prepareCommand()
		b.push.MemcopyInline(
			b.gpuAddress(vm.PhysAddr{
				Address:  addr.Address + uint64(done*entrySize),
				Aperture: addr.Aperture,
			}),
			entries[done*wordsPerEntry:(done+n)*wordsPerEntry],
		)

		done += n
	}
}

// WritePTE queues a single write of an entry of entrySize bytes whose low
// word is bits.
func (b *Batch) WritePTE(addr vm.PhysAddr, bits uint64, entrySize int) {
	b.trackAperture(addr.Aperture)

	if b.count > 0 {
		expected := vm.PhysAddr{
			Address:  b.first.Address + uint64(b.count*b.entrySize),
			Aperture: b.first.Aperture,
		}

		if addr != expected || entrySize != b.entrySize {
			b.flushQueue()
		}
	}

	if b.count == 0 {
		b.first = addr
		b.entrySize = entrySize
	}

	if b.inlining {
		b.appendInline(bits)
		b.count++

		if b.inlineFull() {
			b.flushInline()
		}

		return
	}

	if b.count == maxQueuedPTEs {
		b.beginInline()
		b.appendInline(bits)
		b.count++

		return
	}

	b.queue[b.count] = bits
	b.count++
}

// ClearPTEs fills count entries of entrySize bytes starting at addr with
// emptyBits.
func (b *Batch) ClearPTEs(addr vm.PhysAddr, emptyBits uint64, entrySize int, count int) {
	b.flushQueue()
	b.trackAperture(addr.Aperture)

	b.prepareCommand()
	b.push.Memset8(b.gpuAddress(addr), emptyBits, uint64(entrySize*count))
}

// End flushes the queued writes, then waits for idle and issues the widest of
// membar and the barrier required by the memory written.
func (b *Batch) End(membar vm.Membar) {
	b.flushQueue()

	b.push.WaitForIdle()
	b.push.Membar(vm.MaxMembar(b.membar, membar))
}
