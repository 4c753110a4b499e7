package push_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

var _ = Describe("Push", func() {
	var (
		m *push.Manager
		p *push.Push
	)

	dst := vm.PhysicalGPUAddress(vm.PhysAddr{Address: 0x1000, Aperture: vm.ApertureVid})

	BeforeEach(func() {
		m = push.NewManager("GPU[0].Pushes", &recordingBackend{}, 4)

		var err error
		p, err = m.Begin(push.ChannelMemops, nil, "test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		m.End(p)
		m.Shutdown()
	})

	It("should default copy-engine commands to a sys membar", func() {
		p.Memset8(dst, 0, 64)

		cmd := p.Commands()[0]
		Expect(cmd.Kind).To(Equal(push.CmdMemset))
		Expect(cmd.Membar).To(Equal(vm.MembarSys))
		Expect(cmd.Pipelined).To(BeFalse())
	})

	It("should consume the flags with the next copy-engine command", func() {
		p.SetFlag(push.FlagNextMembarNone)
		p.SetFlag(push.FlagCENextPipelined)
		p.MemcopyInline(dst, []uint64{1, 2})
		p.Memset8(dst, 0, 8)

		cmds := p.Commands()
		Expect(cmds[0].Membar).To(Equal(vm.MembarNone))
		Expect(cmds[0].Pipelined).To(BeTrue())
		Expect(cmds[0].Size).To(Equal(uint64(16)))
		Expect(cmds[1].Membar).To(Equal(vm.MembarSys))
		Expect(cmds[1].Pipelined).To(BeFalse())
		Expect(p.IsFlagSet(push.FlagNextMembarNone)).To(BeFalse())
	})

	It("should narrow the membar to the GPU", func() {
		p.SetFlag(push.FlagNextMembarGPU)
		p.Memset(dst, 0xffffffff, 4, 16)

		Expect(p.Commands()[0].Membar).To(Equal(vm.MembarGPU))
	})

	It("should leave host commands out of flag consumption", func() {
		p.SetFlag(push.FlagNextMembarNone)
		p.WaitForIdle()
		p.Membar(vm.MembarGPU)
		p.TLBInvalidateAll(vm.PhysAddr{Address: 0x2000}, 0, vm.MembarNone)

		Expect(p.IsFlagSet(push.FlagNextMembarNone)).To(BeTrue())
		Expect(p.Commands()).To(HaveLen(3))
	})

	It("should drop membars with no scope", func() {
		p.Membar(vm.MembarNone)

		Expect(p.Commands()).To(BeEmpty())
	})

	It("should copy the inline payload", func() {
		data := []uint64{7}
		p.MemcopyInline(dst, data)
		data[0] = 8

		Expect(p.Commands()[0].Data).To(Equal([]uint64{7}))
	})

	It("should reject inline payloads over the limit", func() {
		data := make([]uint64, push.InlineDataMaxSize/8+1)

		Expect(func() { p.MemcopyInline(dst, data) }).To(Panic())
	})

	It("should reject unaligned memsets", func() {
		Expect(func() { p.Memset(dst, 0, 8, 12) }).To(Panic())
		Expect(func() { p.Memset(dst, 0, 2, 8) }).To(Panic())
	})

	It("should record targeted invalidates", func() {
		p.TLBInvalidateVA(vm.PhysAddr{Address: 0x3000}, 3, 0x200000, 0x10000,
			vm.PageSize4K, vm.MembarSys)

		cmd := p.Commands()[0]
		Expect(cmd.Kind).To(Equal(push.CmdTLBInvalidateVA))
		Expect(cmd.Depth).To(Equal(3))
		Expect(cmd.VA).To(Equal(uint64(0x200000)))
		Expect(cmd.VASize).To(Equal(uint64(0x10000)))
		Expect(cmd.PageSize).To(Equal(vm.PageSize4K))
	})
})
