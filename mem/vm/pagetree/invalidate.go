package pagetree

import (
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

// TestInvalidateTLB issues the invalidate described by params for the tree
// on a memops push and waits for it.
func TestInvalidateTLB(tree *Tree, params push.TLBTestParams) error {
	if tree == nil || tree.root == nil {
		return errors.Wrap(vm.ErrInvalidDevice, "test invalidate without a page tree")
	}

	if params.Membar < vm.MembarNone || params.Membar > vm.MembarSys {
		return errors.Wrapf(vm.ErrInvalidArgument, "test invalidate membar %s", params.Membar)
	}

	if params.TargetVAMode != push.TargetVAAll && params.TargetVAMode != push.TargetVATargeted {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"test invalidate target mode %d", params.TargetVAMode)
	}

	if params.Depth < 0 || params.Depth > tree.hal.PageTableDepth(vm.PageSizeAgnostic) {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"test invalidate level %d", params.Depth)
	}

	pushes := tree.device.Pushes()

	p, err := pushes.Begin(push.ChannelMemops, nil, "test invalidate")
	if err != nil {
		return err
	}

	p.TLBInvalidateTest(tree.RootAddress(), params)
	tree.counters.invalidates.Add(1)

	return pushes.EndAndWait(p)
}
