package pagetree_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
)

var _ = Describe("RangeVec", func() {
	var (
		d    *gpu.Device
		tree *pagetree.Tree
	)

	BeforeEach(func() {
		d = mustBuildGPU(pascalGPU())
		tree = mustBuildTree(pagetree.MakeBuilder().WithDevice(d))
	})

	AfterEach(func() {
		tree.Deinit()
		destroyGPU(d)
	})

	It("should hold one range per page table", func() {
		vec, err := pagetree.RangeVecCreate(tree, 0x1ff000, 0x2000, vm.PageSize4K,
			pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())

		Expect(vec.Ranges).To(HaveLen(2))
		Expect(vec.Ranges[0].StartIndex).To(Equal(uint32(511)))
		Expect(vec.Ranges[0].EntryCount).To(Equal(uint32(1)))
		Expect(vec.Ranges[1].StartIndex).To(Equal(uint32(0)))
		Expect(vec.Ranges[1].EntryCount).To(Equal(uint32(1)))
		Expect(vec.Ranges[0].Table).NotTo(BeIdenticalTo(vec.Ranges[1].Table))

		vec.Destroy()
		Expect(tree.Stats().Directories).To(Equal(1))
	})

	It("should split at a page-table boundary", func() {
		vec, err := pagetree.RangeVecCreate(tree, 0x1ff000, 0x2000, vm.PageSize4K,
			pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())

		upper := vec.SplitUpper(0x1fffff)

		Expect(vec.Size).To(Equal(uint64(0x1000)))
		Expect(vec.Ranges).To(HaveLen(1))
		Expect(upper.Start).To(Equal(uint64(0x200000)))
		Expect(upper.Size).To(Equal(uint64(0x1000)))
		Expect(upper.Ranges).To(HaveLen(1))
		Expect(upper.Ranges[0].StartIndex).To(Equal(uint32(0)))

		upper.Destroy()
		vec.Destroy()
		Expect(tree.Stats().Directories).To(Equal(1))
	})

	It("should split inside a page table", func() {
		vec, err := pagetree.RangeVecCreate(tree, 0, 0x4000, vm.PageSize4K, pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())

		table := vec.Ranges[0].Table
		upper := vec.SplitUpper(0x1fff)

		Expect(vec.Ranges[0].EntryCount).To(Equal(uint32(2)))
		Expect(upper.Ranges[0].StartIndex).To(Equal(uint32(2)))
		Expect(upper.Ranges[0].EntryCount).To(Equal(uint32(2)))
		Expect(upper.Ranges[0].Table).To(BeIdenticalTo(table))
		Expect(table.RefCount).To(Equal(uint32(4)))

		vec.Destroy()
		Expect(table.RefCount).To(Equal(uint32(2)))

		upper.Destroy()
		Expect(tree.Stats().Directories).To(Equal(1))
	})

	It("should panic when splitting outside of the vector", func() {
		vec, err := pagetree.RangeVecCreate(tree, 0, 0x4000, vm.PageSize4K, pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())
		defer vec.Destroy()

		Expect(func() { vec.SplitUpper(0x4fff) }).To(Panic())
	})

	It("should write and clear every entry across tables", func() {
		vec, err := pagetree.RangeVecCreate(tree, 0x1fe000, 0x4000, vm.PageSize4K,
			pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())

		hal := tree.HAL()
		err = vec.WritePTEs(vm.MembarNone, func(_ *pagetree.RangeVec, offset uint64) uint64 {
			return hal.MakePTE(vm.ApertureSys, 0x100000+offset, vm.ProtReadOnly, vm.PTEFlagsNone)
		})
		Expect(err).NotTo(HaveOccurred())

		for i := uint64(0); i < 4; i++ {
			t, err := d.Translate(tree.RootAddress(), 0x1fe000+i*vm.PageSize4K+8)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.PA).To(Equal(vm.PhysAddr{
				Address:  0x100000 + i*vm.PageSize4K + 8,
				Aperture: vm.ApertureSys,
			}))
			Expect(t.PTE.Prot).To(Equal(vm.ProtReadOnly))
		}

		Expect(vec.ClearPTEs(vm.MembarSys)).To(Succeed())

		for i := uint64(0); i < 4; i++ {
			_, err := d.Translate(tree.RootAddress(), 0x1fe000+i*vm.PageSize4K)
			Expect(err).To(HaveOccurred())
		}

		vec.Destroy()
	})

	It("should map big pages", func() {
		vec := mapVA(tree, 0x600000, vm.PageSize2M,
			vm.PhysAddr{Address: 0x400000, Aperture: vm.ApertureVid})
		defer vec.Destroy()

		t, err := d.Translate(tree.RootAddress(), 0x654321)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.PageSize).To(Equal(vm.PageSize2M))
		Expect(t.Depth).To(Equal(3))
		Expect(t.PA.Address).To(Equal(uint64(0x454321)))
	})

	It("should map a run of big pages each to its own frame", func() {
		const (
			start = uint64(0x40000000)
			pages = 8
			base  = uint64(0x10000000)
		)

		vec, err := pagetree.RangeVecCreate(tree, start, pages*vm.PageSize2M,
			vm.PageSize2M, pmm.AllocFlagNone)
		Expect(err).NotTo(HaveOccurred())
		defer vec.Destroy()

		hal := tree.HAL()
		Expect(vec.WritePTEs(vm.MembarNone, func(_ *pagetree.RangeVec, offset uint64) uint64 {
			return hal.MakePTE(vm.ApertureSys, base+offset, vm.ProtReadWrite, vm.PTEFlagsNone)
		})).To(Succeed())

		for i := uint64(0); i < pages; i++ {
			va := start + i*vm.PageSize2M + 0x1234

			t, err := d.Translate(tree.RootAddress(), va)
			Expect(err).NotTo(HaveOccurred(), "page %d", i)
			Expect(t.PageSize).To(Equal(vm.PageSize2M))
			Expect(t.PA).To(Equal(vm.PhysAddr{
				Address:  base + i*vm.PageSize2M + 0x1234,
				Aperture: vm.ApertureSys,
			}), "page %d", i)
		}

		Expect(vec.ClearPTEs(vm.MembarNone)).To(Succeed())
	})
})
