// Package internal provides the sets translation caches are made of.
package internal

import (
	"sort"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmu"
)

// A Key identifies a cached page: the page directory base of the tree that
// translated it, the first virtual address of the page, and the page size.
type Key struct {
	PDB      vm.PhysAddr
	Page     uint64
	PageSize uint64
}

// An Entry is a cached translation.
type Entry struct {
	Key         Key
	Translation mmu.Translation
	Valid       bool
}

// A Set holds a fixed number of entries and replaces the least recently used
// one.
type Set interface {
	Lookup(key Key) (wayID int, entry Entry, found bool)
	Update(wayID int, entry Entry)
	Evict() (wayID int, ok bool)
	Visit(wayID int)

	// Invalidate drops every valid entry match returns true for and returns
	// how many were dropped.
	Invalidate(match func(Entry) bool) int
}

// NewSet creates a new set.
func NewSet(numWays int) Set {
	s := &SetImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.keyWayIDMap = make(map[Key]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	entry     Entry
	wayID     int
	lastVisit uint64
}

// SetImpl is the default Set.
type SetImpl struct {
	blocks      []*block
	keyWayIDMap map[Key]int
	visitList   []*block
	visitCount  uint64
}

// Lookup finds the valid entry of key.
func (s *SetImpl) Lookup(key Key) (wayID int, entry Entry, found bool) {
	wayID, ok := s.keyWayIDMap[key]
	if !ok {
		return 0, Entry{}, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.entry, true
}

// Update replaces the entry held by a way.
func (s *SetImpl) Update(wayID int, entry Entry) {
	block := s.blocks[wayID]
	if block.entry.Valid {
		delete(s.keyWayIDMap, block.entry.Key)
	}

	block.entry = entry
	if entry.Valid {
		s.keyWayIDMap[entry.Key] = wayID
	}
}

// Evict returns the least recently used way. The way must be visited again
// once refilled.
func (s *SetImpl) Evict() (wayID int, ok bool) {
	if s.hasNothingToEvict() {
		return 0, false
	}

	leastVisited := s.visitList[0]
	wayID = leastVisited.wayID
	s.visitList = s.visitList[1:]

	return wayID, true
}

// Visit marks a way as the most recently used.
func (s *SetImpl) Visit(wayID int) {
	block := s.blocks[wayID]
	s.removeFromVisitList(wayID)

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

// Invalidate drops matching entries. Their ways become the first to be
// evicted.
func (s *SetImpl) Invalidate(match func(Entry) bool) int {
	n := 0

	for _, b := range s.blocks {
		if !b.entry.Valid || !match(b.entry) {
			continue
		}

		delete(s.keyWayIDMap, b.entry.Key)
		b.entry = Entry{}
		n++

		s.removeFromVisitList(b.wayID)
		b.lastVisit = 0
		s.visitList = append([]*block{b}, s.visitList...)
	}

	return n
}

func (s *SetImpl) removeFromVisitList(wayID int) {
	for i, b := range s.visitList {
		if b.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			return
		}
	}
}

func (s *SetImpl) hasNothingToEvict() bool {
	return len(s.visitList) == 0
}
