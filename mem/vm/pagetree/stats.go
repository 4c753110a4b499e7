package pagetree

import "sync/atomic"

// Stats is a snapshot of the activity of a tree.
type Stats struct {
	Name     string
	Arch     string
	Kind     string
	Location string

	// Directories is the number of live directories, the root included.
	Directories          int
	DirectoriesAllocated uint64
	DirectoriesFreed     uint64

	Gets        uint64
	Puts        uint64
	Retries     uint64
	Invalidates uint64
	Fallbacks   uint64
	Leaks       uint64
	CPUWrites   uint64
	Pushes      uint64
}

type counters struct {
	dirsAllocated atomic.Uint64
	dirsFreed     atomic.Uint64
	gets          atomic.Uint64
	puts          atomic.Uint64
	retries       atomic.Uint64
	invalidates   atomic.Uint64
	fallbacks     atomic.Uint64
	leaks         atomic.Uint64
	cpuWrites     atomic.Uint64
	pushes        atomic.Uint64
}

// Stats returns the counters of the tree.
func (t *Tree) Stats() Stats {
	allocated := t.counters.dirsAllocated.Load()
	freed := t.counters.dirsFreed.Load()

	return Stats{
		Name:                 t.Name(),
		Arch:                 t.hal.Arch().String(),
		Kind:                 t.kind.String(),
		Location:             t.location.String(),
		Directories:          int(allocated - freed),
		DirectoriesAllocated: allocated,
		DirectoriesFreed:     freed,
		Gets:                 t.counters.gets.Load(),
		Puts:                 t.counters.puts.Load(),
		Retries:              t.counters.retries.Load(),
		Invalidates:          t.counters.invalidates.Load(),
		Fallbacks:            t.counters.fallbacks.Load(),
		Leaks:                t.counters.leaks.Load(),
		CPUWrites:            t.counters.cpuWrites.Load(),
		Pushes:               t.counters.pushes.Load(),
	}
}
