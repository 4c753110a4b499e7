// Package push models the command-submission service of a GPU: pushes of
// copy-engine and host commands executed in order on channels, the trackers
// that follow their completion, and the process-wide fatal status.
package push

import (
	"fmt"

	"github.com/sarchlab/gpuvm/mem/vm"
)

// InlineDataMaxSize is the largest payload, in bytes, of one inline memcopy.
const InlineDataMaxSize = 8188

// ChannelType selects the channel pool a push is submitted to.
type ChannelType int

// The channel types.
const (
	ChannelNone ChannelType = iota
	ChannelGPUInternal
	ChannelMemops
	ChannelCPUToGPU
	numChannelTypes
)

var channelTypeNames = [...]string{"none", "gpu_internal", "memops", "cpu_to_gpu"}

func (c ChannelType) String() string {
	if c < 0 || c >= numChannelTypes {
		return fmt.Sprintf("channel(%d)", int(c))
	}

	return channelTypeNames[c]
}

// Flags modify the next copy-engine command of a push. They are consumed by
// that command.
type Flags uint8

// The push flags.
const (
	// FlagNextMembarNone suppresses the completion membar of the next command.
	FlagNextMembarNone Flags = 1 << iota

	// FlagNextMembarGPU narrows the completion membar of the next command to
	// the GPU.
	FlagNextMembarGPU

	// FlagCENextPipelined lets the next command overlap the previous one.
	FlagCENextPipelined
)

// CommandKind identifies a pushed command.
type CommandKind int

// The command kinds.
const (
	CmdMemset CommandKind = iota
	CmdMemcopyInline
	CmdWaitForIdle
	CmdMembar
	CmdTLBInvalidateAll
	CmdTLBInvalidateVA
	CmdTLBInvalidateTest
)

var commandKindNames = [...]string{
	"memset", "memcopy_inline", "wfi", "membar",
	"tlb_invalidate_all", "tlb_invalidate_va", "tlb_invalidate_test",
}

func (k CommandKind) String() string {
	return commandKindNames[k]
}

// TargetVAMode selects whether a test invalidate targets one VA or all.
type TargetVAMode int

// The target VA modes.
const (
	TargetVAAll TargetVAMode = iota
	TargetVATargeted
)

// TLBTestParams describes an invalidate issued by test code.
type TLBTestParams struct {
	Membar       vm.Membar
	TargetVAMode TargetVAMode
	VA           uint64
	PageSize     uint64
	Depth        int
}

// A Command is one entry of a push.
type Command struct {
	Kind CommandKind

	// Copy-engine commands.
	Dst       vm.GPUAddress
	Value     uint64
	ElemSize  int
	Size      uint64
	Data      []uint64
	Pipelined bool

	// Barrier scope. For copy-engine commands it is the completion membar.
	Membar vm.Membar

	// TLB invalidates.
	PDB      vm.PhysAddr
	Depth    int
	VA       uint64
	VASize   uint64
	PageSize uint64
	Test     TLBTestParams
}

func (c Command) String() string {
	switch c.Kind {
	case CmdMemset:
		return fmt.Sprintf("%s %s value 0x%x elem %d size 0x%x membar %s pipelined %t",
			c.Kind, c.Dst, c.Value, c.ElemSize, c.Size, c.Membar, c.Pipelined)
	case CmdMemcopyInline:
		return fmt.Sprintf("%s %s words %d membar %s pipelined %t",
			c.Kind, c.Dst, len(c.Data), c.Membar, c.Pipelined)
	case CmdMembar:
		return fmt.Sprintf("%s %s", c.Kind, c.Membar)
	case CmdTLBInvalidateAll:
		return fmt.Sprintf("%s pdb %s depth %d membar %s", c.Kind, c.PDB, c.Depth, c.Membar)
	case CmdTLBInvalidateVA:
		return fmt.Sprintf("%s pdb %s depth %d va 0x%x size 0x%x page %s membar %s",
			c.Kind, c.PDB, c.Depth, c.VA, c.VASize, vm.PageSizeString(c.PageSize), c.Membar)
	default:
		return c.Kind.String()
	}
}

// A Push is an ordered sequence of commands bound to one channel. A push is
// built by a single goroutine between Manager.Begin and Manager.End.
type Push struct {
	ID          string
	Channel     ChannelType
	Description string

	// EndMembar is the barrier ordering the completion of the push behind its
	// writes. It is resolved from the pending flags when the push is ended.
	EndMembar vm.Membar

	commands []Command
	flags    Flags
	deps     *Tracker
	ended    bool
}

// Commands returns the commands recorded so far.
func (p *Push) Commands() []Command {
	return p.commands
}

// SetFlag sets a flag for the next copy-engine command.
func (p *Push) SetFlag(f Flags) {
	p.flags |= f
}

// IsFlagSet reports whether a flag is pending.
func (p *Push) IsFlagSet(f Flags) bool {
	return p.flags&f != 0
}

// GetAndResetFlag reports whether a flag is pending and clears it.
func (p *Push) GetAndResetFlag(f Flags) bool {
	set := p.flags&f != 0
	p.flags &^= f

	return set
}

func (p *Push) mustBeOpen() {
	if p.ended {
		panic(fmt.Sprintf("push %s used after end", p.ID))
	}
}

// consumeCEFlags resolves the completion membar and pipelining of a
// copy-engine command.
func (p *Push) consumeCEFlags() (vm.Membar, bool) {
	membar := vm.MembarSys

	if p.GetAndResetFlag(FlagNextMembarGPU) {
		membar = vm.MembarGPU
	}

	if p.GetAndResetFlag(FlagNextMembarNone) {
		membar = vm.MembarNone
	}

	pipelined := p.GetAndResetFlag(FlagCENextPipelined)

	return membar, pipelined
}

// Memset fills size bytes at dst with a repeating elemSize-byte value.
func (p *Push) Memset(dst vm.GPUAddress, value uint64, elemSize int, size uint64) {
	p.mustBeOpen()

	if elemSize != 4 && elemSize != 8 {
		panic(fmt.Sprintf("invalid memset element size %d", elemSize))
	}

	if size%uint64(elemSize) != 0 {
		panic(fmt.Sprintf("memset size 0x%x not a multiple of %d", size, elemSize))
	}

	membar, pipelined := p.consumeCEFlags()
	p.commands = append(p.commands, Command{
		Kind:      CmdMemset,
		Dst:       dst,
		Value:     value,
		ElemSize:  elemSize,
		Size:      size,
		Membar:    membar,
		Pipelined: pipelined,
	})
}

// Memset8 fills size bytes at dst with a repeating 8-byte value.
func (p *Push) Memset8(dst vm.GPUAddress, value uint64, size uint64) {
	p.Memset(dst, value, 8, size)
}

// MemcopyInline writes the data carried in the push to dst.
func (p *Push) MemcopyInline(dst vm.GPUAddress, data []uint64) {
	p.mustBeOpen()

	if len(data) == 0 {
		panic("empty inline memcopy")
	}

	if len(data)*8 > InlineDataMaxSize {
		panic(fmt.Sprintf("inline data of %d bytes exceeds %d", len(data)*8,
			InlineDataMaxSize))
	}

	membar, pipelined := p.consumeCEFlags()
	p.commands = append(p.commands, Command{
		Kind:      CmdMemcopyInline,
		Dst:       dst,
		Data:      append([]uint64(nil), data...),
		Size:      uint64(len(data)) * 8,
		Membar:    membar,
		Pipelined: pipelined,
	})
}

// WaitForIdle waits for every previous command of the channel to finish.
func (p *Push) WaitForIdle() {
	p.mustBeOpen()
	p.commands = append(p.commands, Command{Kind: CmdWaitForIdle})
}

// Membar makes the writes of previous commands visible at the given scope.
func (p *Push) Membar(m vm.Membar) {
	p.mustBeOpen()

	if m == vm.MembarNone {
		return
	}

	p.commands = append(p.commands, Command{Kind: CmdMembar, Membar: m})
}

// TLBInvalidateAll invalidates every translation cached for the page tree
// rooted at pdb, from depth downwards.
func (p *Push) TLBInvalidateAll(pdb vm.PhysAddr, depth int, membar vm.Membar) {
	p.mustBeOpen()
	p.commands = append(p.commands, Command{
		Kind:   CmdTLBInvalidateAll,
		PDB:    pdb,
		Depth:  depth,
		Membar: membar,
	})
}

// TLBInvalidateVA invalidates the translations of [va, va+size) at the given
// page granularity.
func (p *Push) TLBInvalidateVA(
	pdb vm.PhysAddr,
	depth int,
	va, size, pageSize uint64,
	membar vm.Membar,
) {
	p.mustBeOpen()
	p.commands = append(p.commands, Command{
		Kind:     CmdTLBInvalidateVA,
		PDB:      pdb,
		Depth:    depth,
		VA:       va,
		VASize:   size,
		PageSize: pageSize,
		Membar:   membar,
	})
}

// TLBInvalidateTest issues an invalidate described by test parameters.
func (p *Push) TLBInvalidateTest(pdb vm.PhysAddr, params TLBTestParams) {
	p.mustBeOpen()
	p.commands = append(p.commands, Command{
		Kind:   CmdTLBInvalidateTest,
		PDB:    pdb,
		Depth:  params.Depth,
		Membar: params.Membar,
		Test:   params,
	})
}
