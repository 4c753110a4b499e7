package mmu

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"go.uber.org/mock/gomock"
)

type words map[vm.PhysAddr]uint64

func (w words) ReadUint64(pa vm.PhysAddr) (uint64, error) {
	return w[pa], nil
}

func vid(addr uint64) vm.PhysAddr {
	return vm.PhysAddr{Address: addr, Aperture: vm.ApertureVid}
}

var _ = Describe("Walker", func() {
	var (
		hal    mmuhal.Mode
		mem    words
		walker *Walker
		pdb    vm.PhysAddr
		dirs   []vm.Allocation
		small  vm.Allocation
		big    vm.Allocation
	)

	alloc := func(addr, size uint64) vm.Allocation {
		return vm.Allocation{Addr: vid(addr), Size: size}
	}

	writePDE := func(dir vm.Allocation, depth int, index uint32, children [2]*vm.Allocation) {
		entry := make([]uint64, hal.EntrySize(depth)/8)
		hal.MakePDE(entry, children, depth, index)

		base := dir.Addr.Address + uint64(index)*uint64(hal.EntrySize(depth))
		for i, v := range entry {
			mem[vid(base+uint64(i)*8)] = v
		}
	}

	writePTE := func(table vm.Allocation, depth int, index uint32, pte uint64) {
		mem[vid(table.Addr.Address+uint64(index)*uint64(hal.EntrySize(depth)))] = pte
	}

	BeforeEach(func() {
		hal = mmuhal.MustForArch(mmuhal.ArchPascal, vm.PageSize64K)
		mem = words{}
		walker = MakeBuilder().WithHAL(hal).WithReader(mem).Build()

		dirs = []vm.Allocation{
			alloc(0x1000, 4096),
			alloc(0x2000, 4096),
			alloc(0x3000, 4096),
			alloc(0x4000, 4096),
		}
		small = alloc(0x5000, 4096)
		big = alloc(0x6000, 256)
		pdb = dirs[0].Addr

		for d := 0; d < 3; d++ {
			writePDE(dirs[d], d, 0, [2]*vm.Allocation{&dirs[d+1]})
		}
	})

	It("should translate a 4K page", func() {
		writePDE(dirs[3], 3, 0, [2]*vm.Allocation{nil, &small})
		writePTE(small, 4, 16,
			hal.MakePTE(vm.ApertureVid, 0x200000, vm.ProtReadWrite, vm.PTEFlagsNone))

		t, steps, err := walker.Walk(pdb, 0x10123)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize4K))
		Expect(t.Depth).To(Equal(4))
		Expect(t.PA).To(Equal(vid(0x200123)))
		Expect(t.PTE.Prot).To(Equal(vm.ProtReadWrite))
		Expect(t.PageBase()).To(Equal(uint64(0x10000)))
		Expect(steps).To(HaveLen(5))
		Expect(steps[4].Leaf).To(BeTrue())
		Expect(steps[4].Index).To(Equal(uint32(16)))
		Expect(steps[4].Entry).To(Equal(vid(0x5000 + 16*8)))
	})

	It("should translate a 64K page", func() {
		writePDE(dirs[3], 3, 0, [2]*vm.Allocation{&big, &small})
		writePTE(big, 4, 1,
			hal.MakePTE(vm.ApertureSys, 0x7770000, vm.ProtReadWriteAtomic, vm.PTEFlagCached))

		t, _, err := walker.Walk(pdb, 0x1abcd)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize64K))
		Expect(t.PA).To(Equal(vm.PhysAddr{Address: 0x777abcd, Aperture: vm.ApertureSys}))
	})

	It("should fall back to the 4K table behind an empty 64K entry", func() {
		writePDE(dirs[3], 3, 0, [2]*vm.Allocation{&big, &small})
		writePTE(small, 4, 16,
			hal.MakePTE(vm.ApertureVid, 0x300000, vm.ProtReadOnly, vm.PTEFlagsNone))

		t, steps, err := walker.Walk(pdb, 0x10000)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize4K))
		Expect(t.PA).To(Equal(vid(0x300000)))
		Expect(steps).To(HaveLen(6))
		Expect(steps[4].Entry).To(Equal(vid(0x6000 + 8)))
		Expect(steps[5].Entry).To(Equal(vid(0x5000 + 16*8)))
	})

	It("should not fall back behind an unmapped 64K entry", func() {
		writePDE(dirs[3], 3, 0, [2]*vm.Allocation{&big, &small})
		writePTE(big, 4, 1, hal.UnmappedPTE(vm.PageSize64K))
		writePTE(small, 4, 16,
			hal.MakePTE(vm.ApertureVid, 0x300000, vm.ProtReadOnly, vm.PTEFlagsNone))

		_, steps, err := walker.Walk(pdb, 0x10000)

		Expect(errors.Is(err, vm.ErrInvalidAddress)).To(BeTrue())
		Expect(steps).To(HaveLen(5))
	})

	It("should only read the tables of the requested page size", func() {
		writePDE(dirs[3], 3, 0, [2]*vm.Allocation{&big, &small})
		writePTE(big, 4, 1,
			hal.MakePTE(vm.ApertureVid, 0x7770000, vm.ProtReadWrite, vm.PTEFlagsNone))
		writePTE(small, 4, 16,
			hal.MakePTE(vm.ApertureVid, 0x300000, vm.ProtReadWrite, vm.PTEFlagsNone))

		t, _, err := walker.WalkPageSize(pdb, 0x10000, vm.PageSize4K)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize4K))
		Expect(t.PA).To(Equal(vid(0x300000)))
	})

	It("should translate a 2M page mapped by a directory entry", func() {
		writePTE(dirs[3], 3, 2,
			hal.MakePTE(vm.ApertureVid, 0x40000000, vm.ProtReadWrite, vm.PTEFlagsNone))

		t, steps, err := walker.Walk(pdb, 0x412345)

		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize2M))
		Expect(t.Depth).To(Equal(3))
		Expect(t.PA).To(Equal(vid(0x40012345)))
		Expect(steps).To(HaveLen(4))
		Expect(steps[3].Leaf).To(BeTrue())
	})

	It("should report an unmapped address", func() {
		_, steps, err := walker.Walk(pdb, 0x10000)

		Expect(errors.Is(err, vm.ErrInvalidAddress)).To(BeTrue())
		Expect(steps).To(HaveLen(4))
	})

	It("should reject an address beyond the VA bits", func() {
		_, _, err := walker.Walk(pdb, 1<<49)

		Expect(errors.Is(err, vm.ErrInvalidAddress)).To(BeTrue())
	})

	It("should reject an unsupported page size", func() {
		_, _, err := walker.WalkPageSize(pdb, 0, vm.PageSize512M)

		Expect(errors.Is(err, vm.ErrInvalidArgument)).To(BeTrue())
	})

	Context("when memory cannot be read", func() {
		var (
			mockCtrl *gomock.Controller
			reader   *MockReader
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			reader = NewMockReader(mockCtrl)
			walker = MakeBuilder().WithHAL(hal).WithReader(reader).Build()
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should return the read error", func() {
			failure := errors.New("bus error")
			reader.EXPECT().ReadUint64(pdb).Return(uint64(0), failure)

			_, steps, err := walker.Walk(pdb, 0x10000)

			Expect(errors.Is(err, failure)).To(BeTrue())
			Expect(steps).To(HaveLen(1))
		})
	})
})
