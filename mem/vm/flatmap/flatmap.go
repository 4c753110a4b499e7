// Package flatmap maintains the identity mappings of the kernel page tree.
//
// The mappings live in a reserved region at the top of the kernel virtual
// address space. Video memory, system memory and the memory of peer GPUs each
// get their own part of the region, so a physical address maps to a virtual
// one by adding the base of its part.
package flatmap

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/mem/vm/ptebatch"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/mem/vm/tlbbatch"
	"github.com/sirupsen/logrus"
)

// DefaultSysmemWindowSize is the size of a dynamic system-memory window.
const DefaultSysmemWindowSize = 4 << 30

// Layout is the placement of the identity mappings in the kernel address
// space.
type Layout struct {
	VidmemBase   uint64
	VidmemSize   uint64
	SysmemBase   uint64
	SysmemSize   uint64
	PeerBase     uint64
	PeerSlotSize uint64
}

// LayoutFor returns the layout used with a HAL. The top quarter of the
// address space is split in four spans: video memory, two spans of system
// memory and the peers.
func LayoutFor(hal mmuhal.Mode) Layout {
	top := uint64(1) << hal.NumVABits()
	span := uint64(1) << (hal.NumVABits() - 4)

	return Layout{
		VidmemBase:   top - 4*span,
		VidmemSize:   span,
		SysmemBase:   top - 3*span,
		SysmemSize:   2 * span,
		PeerBase:     top - span,
		PeerSlotSize: span / vm.MaxPeers,
	}
}

// PeerAddress returns the base of the identity mapping of a peer.
func (l Layout) PeerAddress(peer int) uint64 {
	return l.PeerBase + uint64(peer)*l.PeerSlotSize
}

type chunkWindow struct {
	lock  sync.Mutex
	r     pagetree.Range
	pages uint64
}

type sysmemWindow struct {
	lock sync.Mutex
	vec  *pagetree.RangeVec
}

// Stats tells which identity mappings exist.
type Stats struct {
	StaticVidmem  bool
	ChunkWindows  int
	SysmemWindows int
	PeerMappings  int
}

// A Manager owns the identity mappings of one GPU.
type Manager struct {
	name   string
	tree   *pagetree.Tree
	hal    mmuhal.Mode
	layout Layout

	maxVidmemPageSize uint64
	vidmemSize        uint64
	staticVidmem      bool
	dynamicVidmem     bool
	dynamicSysmem     bool
	sysmemWindowSize  uint64
	virtualPeerCopy   bool

	static      *pagetree.RangeVec
	staticReady atomic.Bool

	chunks []chunkWindow
	sysmem []sysmemWindow

	peersLock sync.Mutex
	peers     [vm.MaxPeers]*pagetree.RangeVec

	log *logrus.Entry
}

// Tree returns the kernel tree holding the mappings.
func (m *Manager) Tree() *pagetree.Tree {
	return m.tree
}

// Layout returns the placement of the mappings.
func (m *Manager) Layout() Layout {
	return m.layout
}

// StaticReady tells if all of video memory can be reached through the static
// mapping.
func (m *Manager) StaticReady() bool {
	return m != nil && m.staticReady.Load()
}

// pageSize returns the page size identity mappings of an aperture use.
func (m *Manager) pageSize(aperture vm.Aperture) uint64 {
	sizes := m.hal.PageSizes()

	if aperture == vm.ApertureVid {
		limit := m.maxVidmemPageSize
		return vm.PageSizes(uint64(sizes) & (limit | (limit - 1))).Biggest()
	}

	return sizes.Biggest()
}

func identityMaker(
	hal mmuhal.Mode,
	aperture vm.Aperture,
	physOffset uint64,
) pagetree.PTEMaker {
	flags := vm.PTEFlagsNone
	if aperture == vm.ApertureVid {
		flags = vm.PTEFlagCached
	}

	return func(_ *pagetree.RangeVec, offset uint64) uint64 {
		return hal.MakePTE(aperture, offset+physOffset, vm.ProtReadWriteAtomic, flags)
	}
}

// createIdentityMapping maps [base, base+size) to the physical addresses of
// aperture starting at physOffset.
func (m *Manager) createIdentityMapping(
	base, size uint64,
	aperture vm.Aperture,
	physOffset uint64,
	flags pmm.AllocFlags,
) (*pagetree.RangeVec, error) {
	ps := m.pageSize(aperture)

	vec, err := pagetree.RangeVecCreate(m.tree, base, size, ps, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: reserving the %s identity mapping", m.name, aperture)
	}

	err = vec.WritePTEs(vm.MembarNone, identityMaker(m.hal, aperture, physOffset))
	if err != nil {
		vec.Destroy()
		return nil, errors.Wrapf(err, "%s: writing the %s identity mapping", m.name, aperture)
	}

	m.log.WithFields(logrus.Fields{
		"aperture":  aperture,
		"base":      base,
		"size":      size,
		"page_size": vm.PageSizeString(ps),
	}).Debug("identity mapping created")

	return vec, nil
}

func (m *Manager) destroyIdentityMapping(vec *pagetree.RangeVec) error {
	if vec == nil {
		return nil
	}

	err := vec.ClearPTEs(vm.MembarSys)
	vec.Destroy()

	return err
}

func (m *Manager) createStatic() error {
	ps := m.pageSize(vm.ApertureVid)
	size := vm.AlignUp(m.vidmemSize, ps)

	vec, err := m.createIdentityMapping(m.layout.VidmemBase, size,
		vm.ApertureVid, 0, pmm.AllocFlagEvict)
	if err != nil {
		return err
	}

	m.static = vec
	m.staticReady.Store(true)

	return nil
}

// GPUAddress returns the address the copy engine uses to reach pa. Video
// memory is reached through the static mapping when the copy engine cannot
// write it physically.
func (m *Manager) GPUAddress(pa vm.PhysAddr) vm.GPUAddress {
	if pa.Aperture == vm.ApertureVid && m.staticVidmem {
		return vm.VirtualGPUAddress(m.layout.VidmemBase + pa.Address)
	}

	return vm.PhysicalGPUAddress(pa)
}

// VidmemVirtualAddress returns the flat virtual address of video memory.
func (m *Manager) VidmemVirtualAddress(addr uint64) vm.GPUAddress {
	return vm.VirtualGPUAddress(m.layout.VidmemBase + addr)
}

// SysmemVirtualAddress returns the flat virtual address of system memory.
// The window holding addr must have been mapped with SysmemMap.
func (m *Manager) SysmemVirtualAddress(addr uint64) vm.GPUAddress {
	return vm.VirtualGPUAddress(m.layout.SysmemBase + addr)
}

// PeerVirtualAddress returns the flat virtual address of the memory of a
// peer.
func (m *Manager) PeerVirtualAddress(peer int, addr uint64) vm.GPUAddress {
	return vm.VirtualGPUAddress(m.layout.PeerAddress(peer) + addr)
}

// ChunkMap makes the root chunk holding chunk reachable through its window.
// It does nothing unless dynamic video-memory mappings are in use.
func (m *Manager) ChunkMap(chunk vm.Allocation) error {
	if !m.dynamicVidmem {
		return nil
	}

	w := m.chunkWindow(chunk)

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.pages == 0 {
		if err := m.createChunkWindow(chunk.Addr.Address, w); err != nil {
			return err
		}
	}

	w.pages += chunk.Size / pmm.SysmemPageSize

	return nil
}

// ChunkUnmap drops the pages of chunk from its window. The window is
// destroyed, once tracker completes, when no page uses it anymore.
func (m *Manager) ChunkUnmap(chunk vm.Allocation, tracker *push.Tracker) error {
	if !m.dynamicVidmem {
		return nil
	}

	w := m.chunkWindow(chunk)

	w.lock.Lock()
	defer w.lock.Unlock()

	pages := chunk.Size / pmm.SysmemPageSize
	if w.pages < pages {
		panic("unmapping a root chunk more than it was mapped")
	}

	w.pages -= pages
	if w.pages != 0 {
		return nil
	}

	if tracker != nil {
		if err := tracker.Wait(); err != nil {
			return errors.Wrapf(err, "%s: waiting before unmapping a root chunk", m.name)
		}
	}

	return m.destroyChunkWindow(chunk.Addr.Address, w)
}

func (m *Manager) chunkWindow(chunk vm.Allocation) *chunkWindow {
	if chunk.Addr.Aperture != vm.ApertureVid {
		panic("mapping a chunk that is not in video memory")
	}

	index := pmm.RootChunkIndex(chunk.Addr.Address)
	if index != pmm.RootChunkIndex(chunk.Addr.Address+chunk.Size-1) {
		panic("chunk crosses a root chunk")
	}

	return &m.chunks[index]
}

func (m *Manager) chunkWindowAddress(addr uint64) (va, base uint64) {
	base = vm.AlignDown(addr, pmm.RootChunkSize)
	return m.layout.VidmemBase + base, base
}

func (m *Manager) createChunkWindow(addr uint64, w *chunkWindow) error {
	va, base := m.chunkWindowAddress(addr)

	err := m.tree.GetPTEs(vm.PageSize2M, va, vm.PageSize2M, pmm.AllocFlagNone, &w.r)
	if err != nil {
		return errors.Wrapf(err, "%s: reserving the window of root chunk 0x%x", m.name, base)
	}

	p, err := m.tree.Begin("mapping a root chunk")
	if err != nil {
		m.putChunkRange(w)
		return err
	}

	depth := m.hal.PageTableDepth(vm.PageSize2M)
	pte := m.hal.MakePTE(vm.ApertureVid, base, vm.ProtReadWriteAtomic, vm.PTEFlagCached)

	var batch ptebatch.Batch
	batch.Begin(p, m.tree.Device())
	batch.WritePTE(w.r.EntryAddress(m.tree, 0), pte, m.hal.EntrySize(depth))
	batch.End(vm.MembarNone)

	tlbbatch.SingleInvalidate(m.tree, p, va, vm.PageSize2M,
		vm.PageSizes(vm.PageSize2M), vm.MembarNone)

	if err := m.tree.Device().Pushes().EndAndWait(p); err != nil {
		m.putChunkRange(w)
		return errors.Wrapf(err, "%s: mapping root chunk 0x%x", m.name, base)
	}

	return nil
}

func (m *Manager) destroyChunkWindow(addr uint64, w *chunkWindow) error {
	va, base := m.chunkWindowAddress(addr)

	p, err := m.tree.Begin("unmapping a root chunk")
	if err != nil {
		return err
	}

	depth := m.hal.PageTableDepth(vm.PageSize2M)

	var batch ptebatch.Batch
	batch.Begin(p, m.tree.Device())
	batch.ClearPTEs(w.r.EntryAddress(m.tree, 0), 0, m.hal.EntrySize(depth), 1)
	batch.End(vm.MembarNone)

	tlbbatch.SingleInvalidate(m.tree, p, va, vm.PageSize2M,
		vm.PageSizes(vm.PageSize2M), vm.MembarSys)

	err = m.tree.Device().Pushes().EndAndWait(p)
	m.putChunkRange(w)

	if err != nil {
		return errors.Wrapf(err, "%s: unmapping root chunk 0x%x", m.name, base)
	}

	return nil
}

func (m *Manager) putChunkRange(w *chunkWindow) {
	if err := m.tree.PutPTEs(&w.r); err != nil {
		m.log.WithError(err).Warn("releasing a root chunk window failed")
	}

	w.r = pagetree.Range{}
}

// SysmemMap makes [addr, addr+size) of system memory reachable through the
// flat sysmem windows. Windows are created on first use and kept until
// Destroy. It does nothing unless dynamic sysmem mappings are in use.
func (m *Manager) SysmemMap(addr, size uint64) error {
	if !m.dynamicSysmem || size == 0 {
		return nil
	}

	win := m.sysmemWindowSize
	end := addr + size

	if end > uint64(len(m.sysmem))*win || end < addr {
		return errors.Wrapf(vm.ErrInvalidAddress,
			"%s: system memory [0x%x, 0x%x) outside of the flat windows", m.name, addr, end)
	}

	for cur := vm.AlignDown(addr, win); cur < end; cur += win {
		if err := m.mapSysmemWindow(cur); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) mapSysmemWindow(base uint64) error {
	w := &m.sysmem[base/m.sysmemWindowSize]

	w.lock.Lock()
	defer w.lock.Unlock()

	if w.vec != nil {
		return nil
	}

	vec, err := m.createIdentityMapping(m.layout.SysmemBase+base, m.sysmemWindowSize,
		vm.ApertureSys, base, pmm.AllocFlagNone)
	if err != nil {
		return err
	}

	w.vec = vec

	return nil
}

// CreatePeerMapping maps the memory of a peer into its slot. Peers behind a
// switch fabric are reached at fabricOffset. It does nothing unless peers
// are copied through virtual addresses.
func (m *Manager) CreatePeerMapping(peer int, size, fabricOffset uint64) error {
	if !m.virtualPeerCopy {
		return nil
	}

	aperture := vm.AperturePeer(peer)

	if size == 0 || size > m.layout.PeerSlotSize {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"%s: peer memory of 0x%x bytes does not fit its slot", m.name, size)
	}

	m.peersLock.Lock()
	defer m.peersLock.Unlock()

	if m.peers[peer] != nil {
		return nil
	}

	size = vm.AlignUp(size, m.pageSize(aperture))

	vec, err := m.createIdentityMapping(m.layout.PeerAddress(peer), size,
		aperture, fabricOffset, pmm.AllocFlagNone)
	if err != nil {
		return err
	}

	m.peers[peer] = vec

	return nil
}

// DestroyPeerMapping removes the mapping of a peer.
func (m *Manager) DestroyPeerMapping(peer int) error {
	m.peersLock.Lock()
	defer m.peersLock.Unlock()

	vec := m.peers[peer]
	m.peers[peer] = nil

	return m.destroyIdentityMapping(vec)
}

// Stats reports the mappings in place.
func (m *Manager) Stats() Stats {
	s := Stats{StaticVidmem: m.StaticReady()}

	for i := range m.chunks {
		w := &m.chunks[i]
		w.lock.Lock()
		if w.pages != 0 {
			s.ChunkWindows++
		}
		w.lock.Unlock()
	}

	for i := range m.sysmem {
		w := &m.sysmem[i]
		w.lock.Lock()
		if w.vec != nil {
			s.SysmemWindows++
		}
		w.lock.Unlock()
	}

	m.peersLock.Lock()
	for _, vec := range m.peers {
		if vec != nil {
			s.PeerMappings++
		}
	}
	m.peersLock.Unlock()

	return s
}

// Destroy removes every mapping. The static mapping goes last, as the other
// mappings may be cleared through it.
func (m *Manager) Destroy() error {
	var result *multierror.Error

	for i := range m.chunks {
		w := &m.chunks[i]

		w.lock.Lock()
		if w.pages != 0 {
			result = multierror.Append(result, errors.Errorf(
				"%s: root chunk %d still has %d mapped pages", m.name, i, w.pages))

			w.pages = 0
			if err := m.destroyChunkWindow(uint64(i)*pmm.RootChunkSize, w); err != nil {
				result = multierror.Append(result, err)
			}
		}
		w.lock.Unlock()
	}

	for i := range m.sysmem {
		w := &m.sysmem[i]

		w.lock.Lock()
		if err := m.destroyIdentityMapping(w.vec); err != nil {
			result = multierror.Append(result, err)
		}
		w.vec = nil
		w.lock.Unlock()
	}

	for peer := range m.peers {
		if err := m.DestroyPeerMapping(peer); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if m.static != nil {
		m.staticReady.Store(false)

		if err := m.destroyIdentityMapping(m.static); err != nil {
			result = multierror.Append(result, err)
		}

		m.static = nil
	}

	return result.ErrorOrNil()
}
