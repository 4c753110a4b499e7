// Package tlb caches the translations of page trees. Entries are dropped by
// the invalidate commands the page trees push.
package tlb

import (
	"sync"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmu"
	"github.com/sarchlab/gpuvm/mem/vm/tlb/internal"
	"github.com/sarchlab/gpuvm/sim"
)

// Stats counts what a TLB did.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Fills       uint64
	Invalidates uint64
	Dropped     uint64
}

// A TLB is a set-associative translation cache shared by the page trees of
// one GPU.
type TLB struct {
	sim.NamedBase

	lock sync.Mutex

	numSets   int
	numWays   int
	pageSizes []uint64

	Sets  []internal.Set
	stats Stats
}

// Reset drops every entry.
func (t *TLB) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.reset()
}

func (t *TLB) reset() {
	t.Sets = make([]internal.Set, t.numSets)
	for i := 0; i < t.numSets; i++ {
		t.Sets[i] = internal.NewSet(t.numWays)
	}
}

func (t *TLB) setID(page, pageSize uint64) int {
	return int(page / pageSize % uint64(t.numSets))
}

func keyOf(pdb vm.PhysAddr, va, pageSize uint64) internal.Key {
	return internal.Key{
		PDB:      pdb,
		Page:     vm.AlignDown(va, pageSize),
		PageSize: pageSize,
	}
}

// Lookup returns the cached translation of va in the tree rooted at pdb.
func (t *TLB) Lookup(pdb vm.PhysAddr, va uint64) (mmu.Translation, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, ps := range t.pageSizes {
		key := keyOf(pdb, va, ps)
		setID := t.setID(key.Page, ps)
		set := t.Sets[setID]

		wayID, entry, found := set.Lookup(key)
		if !found {
			continue
		}

		set.Visit(wayID)
		t.stats.Hits++

		tr := entry.Translation
		tr.PA.Address += va - tr.VA
		tr.VA = va

		return tr, true
	}

	t.stats.Misses++

	return mmu.Translation{}, false
}

// Insert caches a translation made by walking the tree rooted at pdb.
func (t *TLB) Insert(pdb vm.PhysAddr, tr mmu.Translation) {
	t.lock.Lock()
	defer t.lock.Unlock()

	base := tr.PageBase()
	tr.PA.Address -= tr.VA - base
	tr.VA = base

	key := keyOf(pdb, base, tr.PageSize)
	set := t.Sets[t.setID(base, tr.PageSize)]
	entry := internal.Entry{Key: key, Translation: tr, Valid: true}

	wayID, _, found := set.Lookup(key)
	if !found {
		var ok bool

		wayID, ok = set.Evict()
		if !ok {
			panic("failed to evict")
		}
	}

	set.Update(wayID, entry)
	set.Visit(wayID)
	t.stats.Fills++
}

// InvalidateAll drops every translation of the tree rooted at pdb.
func (t *TLB) InvalidateAll(pdb vm.PhysAddr) int {
	return t.invalidate(func(e internal.Entry) bool {
		return e.Key.PDB == pdb
	})
}

// InvalidateRange drops the translations of the tree rooted at pdb for the
// pages overlapping [start, start+size).
func (t *TLB) InvalidateRange(pdb vm.PhysAddr, start, size uint64) int {
	end := start + size

	return t.invalidate(func(e internal.Entry) bool {
		k := e.Key
		return k.PDB == pdb && k.Page < end && start < k.Page+k.PageSize
	})
}

// Flush drops every translation.
func (t *TLB) Flush() int {
	return t.invalidate(func(internal.Entry) bool { return true })
}

func (t *TLB) invalidate(match func(internal.Entry) bool) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for _, set := range t.Sets {
		n += set.Invalidate(match)
	}

	t.stats.Invalidates++
	t.stats.Dropped += uint64(n)

	return n
}

// Stats returns the counters of the TLB.
func (t *TLB) Stats() Stats {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.stats
}
