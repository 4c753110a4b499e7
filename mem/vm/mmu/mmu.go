// Package mmu walks page trees the way the GPU MMU does, decoding the
// entries in memory through the HAL.
package mmu

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
)

// A Reader reads the memory page tables live in.
type Reader interface {
	ReadUint64(pa vm.PhysAddr) (uint64, error)
}

// A Step is one entry read during a walk.
type Step struct {
	Depth int
	Index uint32
	Entry vm.PhysAddr
	Raw   []uint64

	// Leaf tells if the entry was decoded as a PTE.
	Leaf bool
}

// A Translation is the result of a successful walk.
type Translation struct {
	VA       uint64
	PageSize uint64
	Depth    int
	PTE      mmuhal.PTEFields

	// PA is the physical address va translates to.
	PA vm.PhysAddr
}

// PageBase returns the first virtual address of the translated page.
func (t Translation) PageBase() uint64 {
	return vm.AlignDown(t.VA, t.PageSize)
}

// Walker translates virtual addresses by reading page trees.
type Walker struct {
	hal    mmuhal.Mode
	reader Reader

	leafSizes []vm.PageSizes
}

// HAL returns the MMU mode the walker decodes entries with.
func (w *Walker) HAL() mmuhal.Mode {
	return w.hal
}

type walkState struct {
	va    uint64
	hint  uint64
	steps []Step
}

// Walk translates va through the tree rooted at pdb. The steps hold every
// entry read, including those of a big-page table the walk fell back from.
func (w *Walker) Walk(pdb vm.PhysAddr, va uint64) (Translation, []Step, error) {
	return w.WalkPageSize(pdb, va, 0)
}

// WalkPageSize is Walk restricted to the tables of pageSize. A pageSize of
// 0 accepts any page size.
func (w *Walker) WalkPageSize(
	pdb vm.PhysAddr,
	va, pageSize uint64,
) (Translation, []Step, error) {
	if va>>w.hal.NumVABits() != 0 {
		return Translation{}, nil, errors.Wrapf(vm.ErrInvalidAddress,
			"va 0x%x beyond %d bits", va, w.hal.NumVABits())
	}

	if pageSize != 0 && !w.hal.PageSizes().Has(pageSize) {
		return Translation{}, nil, errors.Wrapf(vm.ErrInvalidArgument,
			"page size %s", vm.PageSizeString(pageSize))
	}

	s := &walkState{va: va, hint: pageSize}

	t, _, err := w.walkLevel(s, pdb, 0, 0)
	if err != nil {
		return Translation{}, s.steps, err
	}

	return t, s.steps, nil
}

func (w *Walker) readEntry(
	s *walkState,
	dir vm.PhysAddr,
	depth int,
	indexPageSize uint64,
) (Step, error) {
	entrySize := w.hal.EntrySize(depth)
	index := mmuhal.EntryIndexFromVA(w.hal, s.va, depth, indexPageSize)

	step := Step{
		Depth: depth,
		Index: index,
		Entry: vm.PhysAddr{
			Address:  dir.Address + uint64(index)*uint64(entrySize),
			Aperture: dir.Aperture,
		},
		Raw: make([]uint64, entrySize/8),
	}

	for i := range step.Raw {
		addr := step.Entry
		addr.Address += uint64(i) * 8

		v, err := w.reader.ReadUint64(addr)
		if err != nil {
			return step, errors.Wrapf(err, "reading the depth %d entry at %s", depth, addr)
		}

		step.Raw[i] = v
	}

	return step, nil
}

// walkLevel reads the entry covering the va in the directory at dir.
// tablePageSize is the page size of the table dir is, or 0 above the
// tables. The returned bool tells a failed walk must not fall back to the
// other half of a dual entry.
func (w *Walker) walkLevel(
	s *walkState,
	dir vm.PhysAddr,
	depth int,
	tablePageSize uint64,
) (Translation, bool, error) {
	indexPageSize := tablePageSize
	if indexPageSize == 0 {
		indexPageSize = w.hal.PageSizes().Smallest()
	}

	step, err := w.readEntry(s, dir, depth, indexPageSize)
	if err != nil {
		s.steps = append(s.steps, step)
		return Translation{}, true, err
	}

	if tablePageSize != 0 && w.hal.PageTableDepth(tablePageSize) == depth {
		step.Leaf = true
		s.steps = append(s.steps, step)

		return w.leaf(s, step, tablePageSize)
	}

	if large := w.largePageSize(depth, s.hint); large != 0 {
		pte := w.hal.DecodePTE(step.Raw[0])
		if pte.Valid {
			step.Leaf = true
			s.steps = append(s.steps, step)

			return w.translation(s, step, large, pte), false, nil
		}
	}

	s.steps = append(s.steps, step)
	halves := w.hal.DecodePDE(step.Raw, depth)

	if w.hal.EntriesPerIndex(depth) == 1 {
		if !halves[0].Present {
			return w.miss(s, depth)
		}

		return w.walkLevel(s, w.childAddr(halves[0]), depth+1, tablePageSize)
	}

	return w.walkDual(s, halves, depth)
}

// walkDual follows the big-page half of a dual entry first. The small-page
// half is only used when the big-page entry is empty.
func (w *Walker) walkDual(
	s *walkState,
	halves [2]mmuhal.PDEFields,
	depth int,
) (Translation, bool, error) {
	big := w.hal.BigPageSize()
	small := w.hal.PageSizes().Smallest()
	tryBig := s.hint == 0 || s.hint == big
	trySmall := s.hint == 0 || s.hint == small

	var (
		t      Translation
		noMore bool
		err    error
	)

	if tryBig && halves[mmuhal.ChildBig].Present {
		t, noMore, err = w.walkLevel(s, w.childAddr(halves[mmuhal.ChildBig]), depth+1, big)
		if err == nil || noMore || !errors.Is(err, vm.ErrInvalidAddress) {
			return t, noMore, err
		}
	}

	if trySmall && halves[mmuhal.ChildSmall].Present {
		return w.walkLevel(s, w.childAddr(halves[mmuhal.ChildSmall]), depth+1, small)
	}

	return w.miss(s, depth)
}

func (w *Walker) leaf(s *walkState, step Step, pageSize uint64) (Translation, bool, error) {
	pte := w.hal.DecodePTE(step.Raw[0])
	if pte.Valid {
		return w.translation(s, step, pageSize, pte), false, nil
	}

	// An invalid big-page entry that differs from an empty one hides the
	// small-page table.
	unmapped := w.hal.UnmappedPTE(pageSize)
	noFallback := unmapped != 0 && step.Raw[0] == unmapped

	_, _, err := w.miss(s, step.Depth)

	return Translation{}, noFallback, err
}

func (w *Walker) miss(s *walkState, depth int) (Translation, bool, error) {
	return Translation{}, false, errors.Wrapf(vm.ErrInvalidAddress,
		"va 0x%x not mapped at depth %d", s.va, depth)
}

func (w *Walker) translation(
	s *walkState,
	step Step,
	pageSize uint64,
	pte mmuhal.PTEFields,
) Translation {
	return Translation{
		VA:       s.va,
		PageSize: pageSize,
		Depth:    step.Depth,
		PTE:      pte,
		PA: vm.PhysAddr{
			Address:  pte.Address + s.va&(pageSize-1),
			Aperture: pte.Aperture,
		},
	}
}

func (w *Walker) childAddr(f mmuhal.PDEFields) vm.PhysAddr {
	return vm.PhysAddr{Address: f.Address, Aperture: f.Aperture}
}

// largePageSize returns the page size a directory at depth can map
// directly, or 0.
func (w *Walker) largePageSize(depth int, hint uint64) uint64 {
	if depth >= len(w.leafSizes) {
		return 0
	}

	sizes := w.leafSizes[depth]
	if hint != 0 {
		if !sizes.Has(hint) {
			return 0
		}

		return hint
	}

	return sizes.Biggest()
}
