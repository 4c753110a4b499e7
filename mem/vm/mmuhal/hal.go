// Package mmuhal translates abstract page-table operations into the bit
// patterns of each GPU architecture's MMU.
//
// A Mode is pure: it encodes entries and answers shape queries about the tree
// (how many VA bits each level consumes, how large each level's backing
// allocation is) and never holds state. Modes are built once per
// (architecture, big page size) pair and cached for the process lifetime.
package mmuhal

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
)

// Arch is a GPU architecture family.
type Arch int

// Architectures, oldest first.
const (
	ArchMaxwell Arch = iota
	ArchPascal
	ArchVolta
	ArchTuring
	ArchAmpere
	ArchHopper
	ArchBlackwell
	numArchs
)

var archNames = [numArchs]string{
	"maxwell", "pascal", "volta", "turing", "ampere", "hopper", "blackwell",
}

func (a Arch) String() string {
	if a < 0 || a >= numArchs {
		return fmt.Sprintf("arch(%d)", int(a))
	}

	return archNames[a]
}

// ParseArch parses an architecture name.
func ParseArch(s string) (Arch, error) {
	for i, n := range archNames {
		if strings.EqualFold(n, s) {
			return Arch(i), nil
		}
	}

	return 0, errors.Wrapf(vm.ErrInvalidArgument, "unknown architecture %q", s)
}

// Archs returns all the supported architectures.
func Archs() []Arch {
	archs := make([]Arch, 0, numArchs)
	for a := ArchMaxwell; a < numArchs; a++ {
		archs = append(archs, a)
	}

	return archs
}

// Dual directory entries address a big-page table and a small-page table.
// These are the child indices for the two halves.
const (
	ChildBig   = 0
	ChildSmall = 1
)

// PTEFields is the decoded content of a leaf entry.
type PTEFields struct {
	Valid      bool
	Sparse     bool
	Privileged bool
	Aperture   vm.Aperture
	Address    uint64
	Prot       vm.Prot
	Flags      vm.PTEFlags
	Kind       uint8
}

// PDEFields is the decoded content of one half of a directory entry.
type PDEFields struct {
	Present  bool
	Aperture vm.Aperture
	Address  uint64
}

// A Mode is the MMU HAL of one architecture and big page size.
type Mode interface {
	Arch() Arch
	BigPageSize() uint64

	// MakePTE builds a leaf entry. It panics on ProtNone or an aperture the
	// architecture cannot map.
	MakePTE(aperture vm.Aperture, addr uint64, prot vm.Prot, flags vm.PTEFlags) uint64
	MakeSkedReflectedPTE() uint64
	MakeSparsePTE() uint64
	UnmappedPTE(pageSize uint64) uint64
	PoisonedPTE() uint64

	// MakePDE fills entry with the directory entry pointing at the children.
	// A nil child leaves that half invalid. entry must hold
	// EntrySize(depth)/8 words.
	MakePDE(entry []uint64, children [2]*vm.Allocation, depth int, childIndex uint32)

	EntrySize(depth int) int
	EntriesPerIndex(depth int) int
	EntryOffset(depth int, pageSize uint64) int
	IndexBits(depth int, pageSize uint64) int
	NumVABits() int
	AllocationSize(depth int, pageSize uint64) uint64
	PageTableDepth(pageSize uint64) int
	PageSizes() vm.PageSizes

	DecodePTE(raw uint64) PTEFields
	DecodePDE(entry []uint64, depth int) [2]PDEFields
}

type modeKey struct {
	arch        Arch
	bigPageSize uint64
}

var (
	modesLock sync.Mutex
	modes     = map[modeKey]func() Mode{}
)

// ForArch returns the HAL of the architecture for the big page size. The
// first caller for a pair builds it, later callers get the cached value.
func ForArch(arch Arch, bigPageSize uint64) (Mode, error) {
	if arch < 0 || arch >= numArchs {
		return nil, errors.Wrapf(vm.ErrInvalidArgument, "arch %d", int(arch))
	}

	if bigPageSize != vm.PageSize64K && bigPageSize != vm.PageSize128K {
		return nil, errors.Wrapf(vm.ErrInvalidArgument,
			"big page size %s", vm.PageSizeString(bigPageSize))
	}

	if arch >= ArchPascal && bigPageSize == vm.PageSize128K {
		return nil, errors.Wrapf(vm.ErrUnavailable,
			"%s does not support 128K big pages", arch)
	}

	key := modeKey{arch: arch, bigPageSize: bigPageSize}

	modesLock.Lock()
	get, ok := modes[key]
	if !ok {
		get = sync.OnceValue(func() Mode { return newMode(arch, bigPageSize) })
		modes[key] = get
	}
	modesLock.Unlock()

	return get(), nil
}

// MustForArch is ForArch that panics on error.
func MustForArch(arch Arch, bigPageSize uint64) Mode {
	m, err := ForArch(arch, bigPageSize)
	if err != nil {
		panic(err)
	}

	return m
}

func newMode(arch Arch, bigPageSize uint64) Mode {
	switch arch {
	case ArchMaxwell:
		return newMaxwell(bigPageSize)
	case ArchPascal:
		return newPascal()
	case ArchVolta:
		return newVolta()
	case ArchTuring:
		return newTuring()
	case ArchAmpere:
		return newAmpere()
	case ArchHopper:
		return newHopper()
	case ArchBlackwell:
		return newBlackwell()
	}

	panic(fmt.Sprintf("unknown arch %d", int(arch)))
}

// Entries returns the number of child slots of a directory at the depth.
func Entries(m Mode, depth int, pageSize uint64) uint32 {
	return uint32(m.EntriesPerIndex(depth)) << m.IndexBits(depth, pageSize)
}

// EntryIndexFromVA returns the index, within its level, of the entry that
// covers va.
func EntryIndexFromVA(m Mode, va uint64, depth int, pageSize uint64) uint32 {
	shift := AddrShift(m, depth, pageSize)
	bits := m.IndexBits(depth, pageSize)

	return uint32((va >> shift) & (1<<bits - 1))
}

// AddrShift returns the number of VA bits below the given level.
func AddrShift(m Mode, depth int, pageSize uint64) int {
	shift := m.NumVABits()
	for d := 0; d <= depth; d++ {
		shift -= m.IndexBits(d, pageSize)
	}

	return shift
}

// Coverage returns the VA span covered by one entry of the level.
func Coverage(m Mode, depth int, pageSize uint64) uint64 {
	return 1 << AddrShift(m, depth, pageSize)
}

// BiggestPageSize returns the largest page size the HAL supports.
func BiggestPageSize(m Mode) uint64 {
	return m.PageSizes().Biggest()
}

func mustMapPTE(arch Arch, aperture vm.Aperture, prot vm.Prot) {
	if prot == vm.ProtNone {
		panic(fmt.Sprintf("%s: cannot make a PTE with no access", arch))
	}

	if aperture != vm.ApertureVid && aperture != vm.ApertureSys &&
		!aperture.IsPeer() {
		panic(fmt.Sprintf("%s: unsupported PTE aperture %s", arch, aperture))
	}
}

func field(v uint64, lo, width int) uint64 {
	return (v & (1<<width - 1)) << lo
}

func getField(raw uint64, lo, width int) uint64 {
	return (raw >> lo) & (1<<width - 1)
}

func bit(raw uint64, n int) bool {
	return raw&(1<<n) != 0
}

func boolBit(b bool, n int) uint64 {
	if b {
		return 1 << n
	}

	return 0
}
