package gpu

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/memory"
	"github.com/sirupsen/logrus"
)

// span is a physically contiguous piece of a copy-engine destination.
type span struct {
	storage *memory.Storage
	addr    uint64
	size    uint64
}

// Execute runs the commands of a push. It is called by the channel workers.
func (d *Device) Execute(p *push.Push) error {
	d.counters.pushes.Add(1)

	for i, cmd := range p.Commands() {
		if err := d.execute(cmd); err != nil {
			return errors.Wrapf(err, "command %d (%s)", i, cmd)
		}

		d.counters.commands.Add(1)
	}

	if d.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		d.log.WithFields(logrus.Fields{
			"push":     p.ID,
			"channel":  p.Channel,
			"commands": len(p.Commands()),
		}).Trace("push executed")
	}

	return nil
}

func (d *Device) execute(cmd push.Command) error {
	switch cmd.Kind {
	case push.CmdMemset:
		return d.memset(cmd)
	case push.CmdMemcopyInline:
		return d.memcopyInline(cmd)
	case push.CmdWaitForIdle, push.CmdMembar:
		// Commands execute in order, so ordering is implicit.
	case push.CmdTLBInvalidateAll:
		d.tlb.InvalidateAll(cmd.PDB)
		d.counters.invalidates.Add(1)
	case push.CmdTLBInvalidateVA:
		d.tlb.InvalidateRange(cmd.PDB, cmd.VA, cmd.VASize)
		d.counters.invalidates.Add(1)
	case push.CmdTLBInvalidateTest:
		d.invalidateTest(cmd)
	default:
		return errors.Errorf("unknown command kind %d", int(cmd.Kind))
	}

	return nil
}

func (d *Device) invalidateTest(cmd push.Command) {
	if cmd.Test.TargetVAMode == push.TargetVATargeted {
		d.tlb.InvalidateRange(cmd.PDB, cmd.Test.VA, cmd.Test.PageSize)
	} else {
		d.tlb.InvalidateAll(cmd.PDB)
	}

	d.counters.invalidates.Add(1)
}

func (d *Device) memset(cmd push.Command) error {
	spans, err := d.resolve(cmd.Dst, cmd.Size)
	if err != nil {
		return err
	}

	for _, s := range spans {
		if err := s.storage.Memset(s.addr, cmd.Value, cmd.ElemSize, s.size); err != nil {
			return err
		}
	}

	d.counters.bytesWritten.Add(cmd.Size)

	return nil
}

func (d *Device) memcopyInline(cmd push.Command) error {
	size := uint64(len(cmd.Data)) * 8

	buf := make([]byte, size)
	for i, w := range cmd.Data {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}

	spans, err := d.resolve(cmd.Dst, size)
	if err != nil {
		return err
	}

	offset := uint64(0)
	for _, s := range spans {
		if err := s.storage.Write(s.addr, buf[offset:offset+s.size]); err != nil {
			return err
		}

		offset += s.size
	}

	d.counters.bytesWritten.Add(size)

	return nil
}

// resolve splits the size bytes at dst into the physical pieces they land
// in. Virtual addresses are translated through the kernel tree.
func (d *Device) resolve(dst vm.GPUAddress, size uint64) ([]span, error) {
	if !dst.Virtual {
		s, err := d.physicalSpan(vm.PhysAddr{Address: dst.Address, Aperture: dst.Aperture}, size)
		if err != nil {
			return nil, err
		}

		return []span{s}, nil
	}

	if d.kernelTree == nil {
		return nil, errors.Wrapf(vm.ErrInvalidAddress, "no kernel tree to translate %s", dst)
	}

	pdb := d.kernelTree.RootAddress()

	var spans []span

	for va, end := dst.Address, dst.Address+size; va < end; {
		t, err := d.Translate(pdb, va)
		if err != nil {
			return nil, err
		}

		if t.PTE.Prot == vm.ProtReadOnly {
			return nil, errors.Wrapf(vm.ErrInvalidAddress, "write to read-only va 0x%x", va)
		}

		n := min(end-va, t.PageBase()+t.PageSize-va)

		storage := d.Storage(t.PA.Aperture)
		if storage == nil {
			return nil, errors.Wrapf(vm.ErrInvalidAddress,
				"va 0x%x maps to %s, which has no memory", va, t.PA)
		}

		spans = append(spans, span{storage: storage, addr: t.PA.Address, size: n})
		va += n
	}

	return spans, nil
}

func (d *Device) physicalSpan(pa vm.PhysAddr, size uint64) (span, error) {
	if pa.Aperture == vm.ApertureVid && !d.cePhysVidmemWrite {
		return span{}, errors.Wrapf(ErrPhysicalVidmemWrite, "writing %s", pa)
	}

	storage := d.Storage(pa.Aperture)
	if storage == nil {
		return span{}, errors.Wrapf(vm.ErrInvalidAddress, "no memory behind %s", pa)
	}

	return span{storage: storage, addr: pa.Address, size: size}, nil
}
