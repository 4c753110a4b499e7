package mmuhal

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/mem/vm"
)

func sysAlloc(addr uint64) *vm.Allocation {
	return &vm.Allocation{Addr: vm.PhysAddr{Address: addr, Aperture: vm.ApertureSys}}
}

func vidAlloc(addr uint64) *vm.Allocation {
	return &vm.Allocation{Addr: vm.PhysAddr{Address: addr, Aperture: vm.ApertureVid}}
}

var _ = Describe("ForArch", func() {
	It("should cache the mode of each pair", func() {
		a := MustForArch(ArchAmpere, vm.PageSize64K)
		b := MustForArch(ArchAmpere, vm.PageSize64K)

		Expect(a).To(BeIdenticalTo(b))
		Expect(a.Arch()).To(Equal(ArchAmpere))
	})

	It("should build different modes for different big page sizes", func() {
		a := MustForArch(ArchMaxwell, vm.PageSize64K)
		b := MustForArch(ArchMaxwell, vm.PageSize128K)

		Expect(a).NotTo(BeIdenticalTo(b))
		Expect(b.BigPageSize()).To(Equal(vm.PageSize128K))
	})

	It("should refuse 128K big pages after maxwell", func() {
		for _, arch := range Archs()[1:] {
			_, err := ForArch(arch, vm.PageSize128K)
			Expect(errors.Is(err, vm.ErrUnavailable)).To(BeTrue(), arch.String())
		}
	})

	It("should reject unknown big page sizes", func() {
		_, err := ForArch(ArchPascal, vm.PageSize2M)
		Expect(errors.Is(err, vm.ErrInvalidArgument)).To(BeTrue())
	})

	It("should parse names", func() {
		arch, err := ParseArch("Hopper")
		Expect(err).NotTo(HaveOccurred())
		Expect(arch).To(Equal(ArchHopper))

		_, err = ParseArch("kepler")
		Expect(errors.Is(err, vm.ErrInvalidArgument)).To(BeTrue())
	})
})

var _ = Describe("Maxwell", func() {
	var m Mode

	BeforeEach(func() {
		m = MustForArch(ArchMaxwell, vm.PageSize64K)
	})

	It("should report the tree shape", func() {
		Expect(m.NumVABits()).To(Equal(40))
		Expect(m.IndexBits(0, vm.PageSize4K)).To(Equal(14))
		Expect(m.IndexBits(1, vm.PageSize4K)).To(Equal(14))
		Expect(m.IndexBits(1, vm.PageSize64K)).To(Equal(10))
		Expect(m.AllocationSize(1, vm.PageSize64K)).To(Equal(uint64(8 << 10)))
		Expect(m.EntriesPerIndex(0)).To(Equal(2))
		Expect(m.EntrySize(0)).To(Equal(8))
		Expect(m.EntryOffset(0, vm.PageSize4K)).To(Equal(ChildSmall))
		Expect(m.EntryOffset(0, vm.PageSize64K)).To(Equal(ChildBig))
		Expect(m.PageTableDepth(vm.PageSize4K)).To(Equal(1))
		Expect(m.PageSizes()).To(Equal(vm.PageSizes(vm.PageSize4K | vm.PageSize64K)))
	})

	It("should use 13 bits of directory with 128K big pages", func() {
		m128 := MustForArch(ArchMaxwell, vm.PageSize128K)

		Expect(m128.IndexBits(0, vm.PageSize4K)).To(Equal(13))
		Expect(m128.IndexBits(1, vm.PageSize4K)).To(Equal(15))
		Expect(m128.IndexBits(1, vm.PageSize128K)).To(Equal(10))
	})

	It("should make PTEs", func() {
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagsNone)).
			To(Equal(uint64(0x599999991)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagCached)).
			To(Equal(uint64(0x499999991)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x8000000499999995)))
		Expect(m.MakePTE(vm.ApertureVid, 0x1BBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x800000001BBBBBB5)))
		Expect(m.MakePTE(vm.AperturePeer0, 0x1BBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x800000021BBBBBB5)))
		Expect(m.MakePTE(vm.AperturePeer7, 0x1BBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x80000002FBBBBBB5)))
	})

	It("should not distinguish atomics", func() {
		Expect(m.MakePTE(vm.ApertureVid, 0x1000, vm.ProtReadWrite, vm.PTEFlagCached)).
			To(Equal(m.MakePTE(vm.ApertureVid, 0x1000, vm.ProtReadWriteAtomic, vm.PTEFlagCached)))
	})

	It("should make dual PDEs", func() {
		entry := make([]uint64, 1)

		m.MakePDE(entry, [2]*vm.Allocation{sysAlloc(0x9999999000), vidAlloc(0x1BBBBBB000)}, 0, 0)
		Expect(entry[0]).To(Equal(uint64(0x1BBBBBBD99999992)))

		m.MakePDE(entry, [2]*vm.Allocation{vidAlloc(0x1BBBBBB000), sysAlloc(0x9999999000)}, 0, 0)
		Expect(entry[0]).To(Equal(uint64(0x9999999E1BBBBBB1)))

		m.MakePDE(entry, [2]*vm.Allocation{nil, nil}, 0, 0)
		Expect(entry[0]).To(BeZero())
	})

	It("should make special entries", func() {
		Expect(m.UnmappedPTE(vm.PageSize4K)).To(BeZero())
		Expect(m.UnmappedPTE(vm.PageSize64K)).To(Equal(uint64(0x2)))
		Expect(func() { m.MakeSparsePTE() }).To(Panic())
		Expect(func() { m.MakeSkedReflectedPTE() }).To(Panic())

		poison := m.DecodePTE(m.PoisonedPTE())
		Expect(poison.Privileged).To(BeTrue())
		Expect(poison.Address).To(Equal(uint64(0x1bad000000)))
		Expect(poison.Prot).To(Equal(vm.ProtReadOnly))
	})

	It("should panic on entries without access", func() {
		Expect(func() {
			m.MakePTE(vm.ApertureVid, 0, vm.ProtNone, vm.PTEFlagsNone)
		}).To(Panic())
		Expect(func() {
			m.MakePTE(vm.ApertureDefault, 0, vm.ProtReadOnly, vm.PTEFlagsNone)
		}).To(Panic())
	})
})

var _ = Describe("Pascal", func() {
	var m Mode

	BeforeEach(func() {
		m = MustForArch(ArchPascal, vm.PageSize64K)
	})

	It("should report the tree shape", func() {
		Expect(m.NumVABits()).To(Equal(49))
		Expect([]int{
			m.IndexBits(0, vm.PageSize4K),
			m.IndexBits(1, vm.PageSize4K),
			m.IndexBits(2, vm.PageSize4K),
			m.IndexBits(3, vm.PageSize4K),
			m.IndexBits(4, vm.PageSize4K),
			m.IndexBits(4, vm.PageSize64K),
		}).To(Equal([]int{2, 9, 9, 8, 9, 5}))
		Expect(m.EntrySize(3)).To(Equal(16))
		Expect(m.EntriesPerIndex(3)).To(Equal(2))
		Expect(m.EntryOffset(3, vm.PageSize4K)).To(Equal(ChildSmall))
		Expect(m.EntryOffset(3, vm.PageSize64K)).To(Equal(ChildBig))
		Expect(m.AllocationSize(4, vm.PageSize64K)).To(Equal(uint64(256)))
		Expect(m.AllocationSize(4, vm.PageSize4K)).To(Equal(uint64(4096)))
		Expect(m.PageTableDepth(vm.PageSize2M)).To(Equal(3))
		Expect(m.PageTableDepth(vm.PageSize4K)).To(Equal(4))
		Expect(m.PageTableDepth(vm.PageSizeAgnostic)).To(Equal(4))
		Expect(Coverage(m, 3, vm.PageSize2M)).To(Equal(vm.PageSize2M))
	})

	It("should make PTEs", func() {
		Expect(m.MakePTE(vm.ApertureSys, 0x399999999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagsNone)).
			To(Equal(uint64(0x3999999999990D)))
		Expect(m.MakePTE(vm.ApertureSys, 0x399999999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagCached)).
			To(Equal(uint64(0x39999999999905)))
		Expect(m.MakePTE(vm.ApertureSys, 0x399999999999000,
			vm.ProtReadWrite, vm.PTEFlagCached)).
			To(Equal(uint64(0x39999999999985)))
		Expect(m.MakePTE(vm.ApertureSys, 0x399999999999000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x399999999999C5)))
		Expect(m.MakePTE(vm.ApertureVid, 0x1BBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x1BBBBBBC1)))
		Expect(m.MakePTE(vm.AperturePeer0, 0x1BBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x1BBBBBBC3)))
	})

	It("should make PDEs", func() {
		entry := make([]uint64, 2)

		m.MakePDE(entry, [2]*vm.Allocation{sysAlloc(0x399999999999000)}, 2, 0)
		Expect(entry[0]).To(Equal(uint64(0x3999999999990C)))

		m.MakePDE(entry, [2]*vm.Allocation{vidAlloc(0x1BBBBBB000)}, 2, 0)
		Expect(entry[0]).To(Equal(uint64(0x1BBBBBB0A)))

		m.MakePDE(entry, [2]*vm.Allocation{nil}, 0, 0)
		Expect(entry[0]).To(BeZero())
	})

	It("should make dual PDEs", func() {
		entry := make([]uint64, 2)

		m.MakePDE(entry, [2]*vm.Allocation{
			sysAlloc(0x399999999999900), vidAlloc(0x1BBBBBB000)}, 3, 0)
		Expect(entry).To(Equal([]uint64{0x3999999999999C, 0x1BBBBBB0A}))

		m.MakePDE(entry, [2]*vm.Allocation{
			vidAlloc(0x1BBBBBBB00), sysAlloc(0x399999999999000)}, 3, 0)
		Expect(entry).To(Equal([]uint64{0x1BBBBBBBA, 0x3999999999990C}))
	})

	It("should make special entries", func() {
		Expect(m.UnmappedPTE(vm.PageSize64K)).To(Equal(uint64(0x20)))
		Expect(m.UnmappedPTE(vm.PageSize4K)).To(BeZero())
		Expect(m.UnmappedPTE(vm.PageSize2M)).To(BeZero())
		Expect(m.MakeSparsePTE()).To(Equal(uint64(0x8)))
		Expect(m.DecodePTE(m.MakeSparsePTE()).Sparse).To(BeTrue())
		Expect(func() { m.MakeSkedReflectedPTE() }).To(Panic())
		Expect(m.PoisonedPTE()).To(Equal(
			m.MakePTE(vm.ApertureVid, 0x1bad000000, vm.ProtReadOnly, vm.PTEFlagsNone) | 0x20))
	})
})

var _ = Describe("Volta", func() {
	It("should place the upper peer address bits", func() {
		m := MustForArch(ArchVolta, vm.PageSize64K)

		Expect(m.MakePTE(vm.AperturePeer0, 0x5BBBBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x2DD1BBBBBBC3)))
		Expect(m.MakeSkedReflectedPTE()).To(Equal(uint64(0xCA00000000000001)))
	})
})

var _ = Describe("Turing", func() {
	It("should tag PTEs with the generic memory kind", func() {
		m := MustForArch(ArchTuring, vm.PageSize64K)
		volta := MustForArch(ArchVolta, vm.PageSize64K)

		pte := m.MakePTE(vm.ApertureVid, 0x1BBBBBB000, vm.ProtReadOnly, vm.PTEFlagCached)
		Expect(pte).To(Equal(uint64(0x06000001BBBBBBC1)))
		Expect(m.DecodePTE(pte).Kind).To(Equal(uint8(0x06)))
		Expect(m.MakeSkedReflectedPTE()).To(Equal(uint64(0x0F00000000000001)))
		Expect(m.PoisonedPTE()).NotTo(Equal(volta.PoisonedPTE()))
		Expect(m.PoisonedPTE() >> 56).To(Equal(uint64(0x06)))
	})
})

var _ = Describe("Ampere", func() {
	It("should map 512M pages at depth 2", func() {
		m := MustForArch(ArchAmpere, vm.PageSize64K)

		Expect(m.PageSizes().Has(vm.PageSize512M)).To(BeTrue())
		Expect(m.PageTableDepth(vm.PageSize512M)).To(Equal(2))
		Expect(m.PageTableDepth(vm.PageSize2M)).To(Equal(3))
		Expect(Coverage(m, 2, vm.PageSize512M)).To(Equal(vm.PageSize512M))
	})
})

var _ = Describe("Hopper", func() {
	var m Mode

	BeforeEach(func() {
		m = MustForArch(ArchHopper, vm.PageSize64K)
	})

	It("should report the tree shape", func() {
		Expect(m.NumVABits()).To(Equal(57))
		Expect(m.EntrySize(4)).To(Equal(16))
		Expect(m.PageTableDepth(vm.PageSize512M)).To(Equal(3))
		Expect(m.PageTableDepth(vm.PageSize2M)).To(Equal(4))
		Expect(m.PageTableDepth(vm.PageSize4K)).To(Equal(5))
		Expect(Coverage(m, 4, vm.PageSize2M)).To(Equal(vm.PageSize2M))
		Expect(Coverage(m, 3, vm.PageSize512M)).To(Equal(vm.PageSize512M))
		Expect(Coverage(m, 5, vm.PageSize64K)).To(Equal(vm.PageSize64K))
	})

	It("should make PTEs", func() {
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagAccessCountersDisabled)).
			To(Equal(uint64(0x999999999968D)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999999000,
			vm.ProtReadWriteAtomic,
			vm.PTEFlagCached|vm.PTEFlagAccessCountersDisabled)).
			To(Equal(uint64(0x9999999999685)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999999000,
			vm.ProtReadWriteAtomic, vm.PTEFlagCached)).
			To(Equal(uint64(0x9999999999605)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999999000,
			vm.ProtReadWrite, vm.PTEFlagCached)).
			To(Equal(uint64(0x9999999999645)))
		Expect(m.MakePTE(vm.ApertureSys, 0x9999999999000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x9999999999665)))
		Expect(m.MakePTE(vm.ApertureVid, 0xBBBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0xBBBBBBB661)))
		Expect(m.MakePTE(vm.AperturePeer1, 0xBBBBBBB000,
			vm.ProtReadOnly, vm.PTEFlagCached)).
			To(Equal(uint64(0x200000BBBBBBB663)))
	})

	It("should make PDEs", func() {
		entry := make([]uint64, 2)

		m.MakePDE(entry, [2]*vm.Allocation{sysAlloc(0x9999999999000)}, 3, 0)
		Expect(entry[0]).To(Equal(uint64(0x999999999900C)))

		m.MakePDE(entry, [2]*vm.Allocation{vidAlloc(0xBBBBBBB000)}, 3, 0)
		Expect(entry[0]).To(Equal(uint64(0xBBBBBBB00A)))

		m.MakePDE(entry, [2]*vm.Allocation{
			sysAlloc(0x9999999999900), vidAlloc(0xBBBBBBB000)}, 4, 0)
		Expect(entry).To(Equal([]uint64{0x999999999990C, 0xBBBBBBB00A}))

		m.MakePDE(entry, [2]*vm.Allocation{
			vidAlloc(0xBBBBBBBB00), sysAlloc(0x9999999999000)}, 4, 0)
		Expect(entry).To(Equal([]uint64{0xBBBBBBBB0A, 0x999999999900C}))
	})

	It("should make special entries", func() {
		Expect(m.MakeSparsePTE()).To(Equal(uint64(0x8)))
		Expect(m.MakeSkedReflectedPTE()).To(Equal(uint64(0xF09)))
		Expect(m.UnmappedPTE(vm.PageSize64K)).To(Equal(uint64(0x18)))
		Expect(m.UnmappedPTE(vm.PageSize4K)).To(BeZero())

		poison := m.DecodePTE(m.PoisonedPTE())
		Expect(poison.Privileged).To(BeTrue())
		Expect(poison.Address).To(Equal(uint64(0x2bad000000)))
	})
})

var _ = Describe("Blackwell", func() {
	It("should map 256G pages at depth 2", func() {
		m := MustForArch(ArchBlackwell, vm.PageSize64K)

		Expect(m.PageSizes().Biggest()).To(Equal(vm.PageSize256G))
		Expect(m.PageTableDepth(vm.PageSize256G)).To(Equal(2))
		Expect(Coverage(m, 2, vm.PageSize256G)).To(Equal(vm.PageSize256G))
		Expect(m.PageTableDepth(vm.PageSize512M)).To(Equal(3))
	})
})
