package pagetree

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Audit checks that every directory below the root is referenced exactly
// once by its parent and that the reference count of each directory covers
// its linked children. leafRefs returns the number of entries of a
// directory reserved through ranges; a nil leafRefs only checks that counts
// are at least the number of children.
func (t *Tree) Audit(leafRefs func(*Directory) uint32) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	var result *multierror.Error

	t.audit(t.root, leafRefs, &result)

	return result.ErrorOrNil()
}

func (t *Tree) audit(dir *Directory, leafRefs func(*Directory) uint32, result **multierror.Error) {
	children := uint32(0)

	for slot, child := range dir.Entries {
		if child == nil {
			continue
		}

		children++

		epi := t.hal.EntriesPerIndex(dir.Depth)
		if child.Parent != dir || int(child.Index) != slot/epi {
			*result = multierror.Append(*result, errors.Errorf(
				"directory at %s is linked in slot %d of %s but points at index %d",
				child.Alloc.Addr, slot, dir.Alloc.Addr, child.Index))
		}

		if child.Depth != dir.Depth+1 {
			*result = multierror.Append(*result, errors.Errorf(
				"directory at %s has depth %d below depth %d",
				child.Alloc.Addr, child.Depth, dir.Depth))
		}

		t.audit(child, leafRefs, result)
	}

	if leafRefs == nil {
		if dir.RefCount < children {
			*result = multierror.Append(*result, errors.Errorf(
				"directory at %s has %d references for %d children",
				dir.Alloc.Addr, dir.RefCount, children))
		}

		return
	}

	if want := children + leafRefs(dir); dir.RefCount != want {
		*result = multierror.Append(*result, errors.Errorf(
			"directory at %s has %d references, want %d",
			dir.Alloc.Addr, dir.RefCount, want))
	}

	if dir != t.root && dir.RefCount == 0 {
		*result = multierror.Append(*result, errors.Errorf(
			"unreferenced directory at %s is still linked", dir.Alloc.Addr))
	}
}
