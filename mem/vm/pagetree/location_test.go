package pagetree_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/mmu"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
)

// cpuOnlyDevice is a device whose copy engine cannot reach video memory at
// all, so trees in video memory are written by the CPU.
type cpuOnlyDevice struct {
	*gpu.Device
}

func (cpuOnlyDevice) CEPhysVidmemWriteSupported() bool { return false }
func (cpuOnlyDevice) FlatMappingReady() bool           { return false }

var _ = Describe("Placement", func() {
	var d *gpu.Device

	AfterEach(func() {
		Expect(pagetree.SetPageTableLocation("")).To(Succeed())
		destroyGPU(d)
	})

	Context("when the copy engine cannot write the tables", func() {
		BeforeEach(func() {
			d = mustBuildGPU(pascalGPU())
		})

		It("should write directories and entries through the CPU", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(cpuOnlyDevice{d}))
			defer tree.Deinit()

			pushes := tree.Stats().Pushes

			vec := mapVA(tree, 0x10000, vm.PageSize4K,
				vm.PhysAddr{Address: 0x300000, Aperture: vm.ApertureVid})

			t, err := d.Translate(tree.RootAddress(), 0x10008)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.PA.Address).To(Equal(uint64(0x300008)))

			s := tree.Stats()
			Expect(s.CPUWrites).To(BeNumerically(">", 0))
			Expect(s.Pushes).To(BeNumerically(">", pushes))

			vec.Destroy()
			Expect(tree.Stats().Directories).To(Equal(1))
		})
	})

	Context("when the copy engine writes video memory through the flat mapping", func() {
		BeforeEach(func() {
			d = mustBuildGPU(pascalGPU().WithCEPhysVidmemWrite(false))
		})

		It("should initialize the kernel tree through the CPU", func() {
			Expect(d.KernelTree().Stats().CPUWrites).To(BeNumerically(">", 0))
		})

		It("should write user trees through the copy engine", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d))
			defer tree.Deinit()

			vec := mapVA(tree, 0x10000, vm.PageSize4K,
				vm.PhysAddr{Address: 0x300000, Aperture: vm.ApertureVid})
			defer vec.Destroy()

			Expect(tree.Stats().CPUWrites).To(Equal(uint64(0)))

			t, err := d.Translate(tree.RootAddress(), 0x10000)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.PA.Address).To(Equal(uint64(0x300000)))
		})
	})

	Context("when video memory is exhausted", func() {
		var hogs []vm.Allocation

		BeforeEach(func() {
			d = mustBuildGPU(pascalGPU().WithVidmemSize(pmm.RootChunkSize))

			hogs = nil
			for _, size := range []uint64{64 << 10, 4096, pmm.VidmemGranule} {
				for {
					alloc, err := d.Vidmem().Alloc(size, pmm.AllocFlagNone)
					if err != nil {
						Expect(errors.Is(err, vm.ErrNoMemory)).To(BeTrue())
						break
					}

					hogs = append(hogs, alloc)
				}
			}
		})

		AfterEach(func() {
			for _, alloc := range hogs {
				d.Vidmem().Free(alloc, nil)
			}
		})

		It("should fall back to system memory", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d))
			defer tree.Deinit()

			Expect(tree.Root().Alloc.Addr.Aperture).To(Equal(vm.ApertureSys))
			Expect(tree.Stats().Fallbacks).To(Equal(uint64(1)))

			vec := mapVA(tree, 0x10000, vm.PageSize4K,
				vm.PhysAddr{Address: 0x5000, Aperture: vm.ApertureSys})
			defer vec.Destroy()

			t, err := d.Translate(tree.RootAddress(), 0x10000)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.PA).To(Equal(vm.PhysAddr{Address: 0x5000, Aperture: vm.ApertureSys}))
		})

		It("should fail when video memory is forced", func() {
			_, err := pagetree.MakeBuilder().
				WithDevice(d).
				WithLocation(vm.ApertureVid).
				Build("Tree")

			Expect(errors.Is(err, vm.ErrNoMemory)).To(BeTrue())
		})
	})

	Context("when the location is set", func() {
		BeforeEach(func() {
			d = mustBuildGPU(pascalGPU())
		})

		It("should place default trees in system memory", func() {
			Expect(pagetree.SetPageTableLocation("sys")).To(Succeed())

			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d).WithVASpace("vas"))
			defer tree.Deinit()

			Expect(tree.Location()).To(Equal(vm.ApertureSys))
			Expect(tree.Root().Alloc.Addr.Aperture).To(Equal(vm.ApertureSys))
			Expect(d.SysmemAllocator().Charged("vas")).To(Equal(uint64(pmm.SysmemPageSize)))
		})

		It("should reject unknown locations", func() {
			err := pagetree.SetPageTableLocation("peer")

			Expect(errors.Is(err, vm.ErrInvalidArgument)).To(BeTrue())
			Expect(pagetree.PageTableLocation()).To(Equal(""))
		})

		It("should reject peer memory", func() {
			_, err := pagetree.MakeBuilder().
				WithDevice(d).
				WithLocation(vm.AperturePeer(0)).
				Build("Tree")

			Expect(errors.Is(err, vm.ErrInvalidArgument)).To(BeTrue())
		})
	})

	Context("when ATS is enabled", func() {
		BeforeEach(func() {
			d = mustBuildGPU(ampereGPU().WithATS(true))
		})

		It("should guard the CPU address hole", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().
				WithDevice(d).
				WithVASpace("vas"))

			Expect(tree.Stats().Gets).To(Equal(uint64(2)))
			Expect(tree.Root().RefCount).To(Equal(uint32(2)))

			tree.Deinit()
		})

		It("should not guard trees without an address space", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d))

			Expect(tree.Stats().Gets).To(Equal(uint64(0)))

			tree.Deinit()
		})

		It("should not guard kernel trees", func() {
			Expect(d.KernelTree().Stats().Gets).To(Equal(uint64(0)))
		})
	})

	Context("when 512M entries are remapped", func() {
		BeforeEach(func() {
			d = mustBuildGPU(ampereGPU())
		})

		walkSteps := func(tree *pagetree.Tree, va uint64) []mmu.Step {
			_, steps, err := d.Walker().Walk(tree.RootAddress(), va)
			Expect(errors.Is(err, vm.ErrInvalidAddress)).To(BeTrue())

			return steps
		}

		It("should point fresh entries at invalid 4K tables", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d).WithMapRemap())
			defer tree.Deinit()

			var r pagetree.Range
			Expect(tree.GetPTEs(vm.PageSize512M, 0, vm.PageSize512M, pmm.AllocFlagNone, &r)).
				To(Succeed())
			defer func() { Expect(tree.PutPTEs(&r)).To(Succeed()) }()

			steps := walkSteps(tree, 0x1000)

			last := steps[len(steps)-1]
			Expect(last.Leaf).To(BeTrue())
			Expect(last.Depth).To(Equal(tree.HAL().PageTableDepth(vm.PageSize4K)))
		})

		It("should leave entries empty without remapping", func() {
			tree := mustBuildTree(pagetree.MakeBuilder().WithDevice(d))
			defer tree.Deinit()

			var r pagetree.Range
			Expect(tree.GetPTEs(vm.PageSize512M, 0, vm.PageSize512M, pmm.AllocFlagNone, &r)).
				To(Succeed())
			defer func() { Expect(tree.PutPTEs(&r)).To(Succeed()) }()

			steps := walkSteps(tree, 0x1000)

			Expect(steps).To(HaveLen(tree.HAL().PageTableDepth(vm.PageSize512M) + 1))
		})
	})
})
