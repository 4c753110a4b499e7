package cmd

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/sarchlab/gpuvm/monitoring"
	"golang.org/x/sync/errgroup"
)

const (
	// Each worker maps inside its own region of the address space.
	regionShift = 32

	maxPagesPerOp = 16

	// maxWorkloadPageSize keeps the mapped pages of an operation small.
	maxWorkloadPageSize = vm.PageSize2M
)

// A workload maps random ranges of the trees, checks each mapping by
// translating it on the device and unmaps it again.
type workload struct {
	device  *gpu.Device
	trees   []*pagetree.Tree
	workers int
	ops     int
	seed    int64

	bar *monitoring.ProgressBar
}

func (w *workload) validate() error {
	if w.workers <= 0 || w.ops < 0 || len(w.trees) == 0 {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"%d workers running %d ops on %d trees", w.workers, w.ops, len(w.trees))
	}

	hal := w.trees[0].HAL()
	if uint64(w.workers+1)<<regionShift > uint64(1)<<hal.NumVABits() {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"%d workers do not fit in %d VA bits", w.workers, hal.NumVABits())
	}

	return nil
}

func (w *workload) run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			return w.worker(ctx, i)
		})
	}

	return g.Wait()
}

func (w *workload) pageSizes(tree *pagetree.Tree) []uint64 {
	var sizes []uint64

	for _, s := range tree.HAL().PageSizes().List() {
		if s <= maxWorkloadPageSize {
			sizes = append(sizes, s)
		}
	}

	return sizes
}

func (w *workload) worker(ctx context.Context, i int) error {
	tree := w.trees[i%len(w.trees)]
	rng := rand.New(rand.NewSource(w.seed + int64(i)))
	sizes := w.pageSizes(tree)
	base := uint64(i+1) << regionShift

	for op := 0; op < w.ops; op++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		pageSize := sizes[rng.Intn(len(sizes))]
		pages := uint64(1 + rng.Intn(maxPagesPerOp))
		slots := (uint64(1)<<regionShift)/pageSize - pages
		va := base + uint64(rng.Int63n(int64(slots)))*pageSize
		pa := vm.AlignDown(uint64(rng.Int63n(1<<36)), pageSize)

		if w.bar != nil {
			w.bar.IncrementInProgress(1)
		}

		err := w.mapAndCheck(tree, va, pages*pageSize, pageSize, pa)
		if err != nil {
			return errors.Wrapf(err, "worker %d, op %d", i, op)
		}

		if w.bar != nil {
			w.bar.MoveInProgressToFinished(1)
		}
	}

	return nil
}

// mapAndCheck maps [va, va+size) to system memory at pa, translates the
// first and the last page and unmaps the range.
func (w *workload) mapAndCheck(tree *pagetree.Tree, va, size, pageSize, pa uint64) error {
	vec, err := pagetree.RangeVecCreate(tree, va, size, pageSize, pmm.AllocFlagNone)
	if err != nil {
		return err
	}
	defer vec.Destroy()

	hal := tree.HAL()

	err = vec.WritePTEs(vm.MembarNone, func(_ *pagetree.RangeVec, offset uint64) uint64 {
		return hal.MakePTE(vm.ApertureSys, pa+offset, vm.ProtReadWrite, vm.PTEFlagsNone)
	})
	if err != nil {
		return err
	}

	for _, offset := range []uint64{0, size - pageSize + pageSize/2} {
		t, err := w.device.Translate(tree.RootAddress(), va+offset)
		if err != nil {
			return err
		}

		want := vm.PhysAddr{Address: pa + offset, Aperture: vm.ApertureSys}
		if t.PA != want || t.PageSize != pageSize {
			return errors.Errorf("va 0x%x translates to %s with %s pages, want %s with %s pages",
				va+offset, t.PA, vm.PageSizeString(t.PageSize),
				want, vm.PageSizeString(pageSize))
		}
	}

	return vec.ClearPTEs(vm.MembarNone)
}
