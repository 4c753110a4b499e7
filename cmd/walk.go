package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/config"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/mem/vm/pmm"
	"github.com/spf13/cobra"
)

var walkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Map a range in a page tree and walk an address through it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts, err := parseWalkFlags(cmd)
		if err != nil {
			return err
		}

		return walk(c, opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(walkCmd)

	walkCmd.Flags().String("location", "", "Page-table location: vid, sys or empty for vid with fallback.")
	walkCmd.Flags().String("vidmem", "64M", "Video memory size.")
	walkCmd.Flags().String("sysmem", "64M", "System memory size.")
	walkCmd.Flags().String("va", "0x200000", "First virtual address of the mapping.")
	walkCmd.Flags().String("size", "", "Size of the mapping. Defaults to one page.")
	walkCmd.Flags().String("page-size", "4K", "Page size of the mapping.")
	walkCmd.Flags().String("pa", "0x400000", "Physical address the mapping points at.")
	walkCmd.Flags().String("aperture", "sys", "Aperture of the mapping, vid or sys.")
	walkCmd.Flags().String("addr", "", "Address to walk. Defaults to the first mapped address.")
}

type walkOptions struct {
	va, size, pageSize, pa, addr uint64
	aperture                     vm.Aperture
}

func parseWalkFlags(cmd *cobra.Command) (walkOptions, error) {
	var (
		opts walkOptions
		err  error
	)

	flags := cmd.Flags()
	get := func(name string) string {
		s, _ := flags.GetString(name)
		return s
	}

	if opts.pageSize, err = config.ParseSize(get("page-size")); err != nil {
		return opts, errors.Wrap(err, "--page-size")
	}

	opts.size = opts.pageSize
	if s := get("size"); s != "" {
		if opts.size, err = config.ParseSize(s); err != nil {
			return opts, errors.Wrap(err, "--size")
		}
	}

	if opts.va, err = strconv.ParseUint(get("va"), 0, 64); err != nil {
		return opts, errors.Wrap(err, "--va")
	}

	if opts.pa, err = strconv.ParseUint(get("pa"), 0, 64); err != nil {
		return opts, errors.Wrap(err, "--pa")
	}

	opts.addr = opts.va
	if s := get("addr"); s != "" {
		if opts.addr, err = strconv.ParseUint(s, 0, 64); err != nil {
			return opts, errors.Wrap(err, "--addr")
		}
	}

	switch get("aperture") {
	case "vid":
		opts.aperture = vm.ApertureVid
	case "sys":
		opts.aperture = vm.ApertureSys
	default:
		return opts, errors.Wrapf(vm.ErrInvalidArgument, "--aperture %q", get("aperture"))
	}

	return opts, nil
}

func (o walkOptions) validate(tree *pagetree.Tree) error {
	if !tree.HAL().PageSizes().Has(o.pageSize) {
		return errors.Wrapf(vm.ErrInvalidArgument, "page size %s, want one of %s",
			vm.PageSizeString(o.pageSize), tree.HAL().PageSizes())
	}

	if o.size == 0 || !vm.IsAligned(o.va, o.pageSize) ||
		!vm.IsAligned(o.size, o.pageSize) || !vm.IsAligned(o.pa, o.pageSize) {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"va 0x%x, size 0x%x and pa 0x%x must be aligned to %s",
			o.va, o.size, o.pa, vm.PageSizeString(o.pageSize))
	}

	return nil
}

func walk(c config.Config, opts walkOptions, out io.Writer) (err error) {
	device, err := c.GPUBuilder().Build("GPU")
	if err != nil {
		return err
	}

	tree, err := pagetree.MakeBuilder().
		WithDevice(device).
		WithBigPageSize(c.BigPageSize).
		Build("GPU.Tree")
	if err != nil {
		return multierror.Append(err, device.Destroy()).ErrorOrNil()
	}

	defer func() {
		if waitErr := tree.Wait(); waitErr != nil {
			err = multierror.Append(err, waitErr).ErrorOrNil()
		}

		tree.Deinit()

		if destroyErr := device.Destroy(); destroyErr != nil {
			err = multierror.Append(err, destroyErr).ErrorOrNil()
		}
	}()

	if err := opts.validate(tree); err != nil {
		return err
	}

	vec, err := pagetree.RangeVecCreate(tree, opts.va, opts.size, opts.pageSize, pmm.AllocFlagNone)
	if err != nil {
		return err
	}
	defer vec.Destroy()

	hal := tree.HAL()

	err = vec.WritePTEs(vm.MembarNone, func(_ *pagetree.RangeVec, offset uint64) uint64 {
		return hal.MakePTE(opts.aperture, opts.pa+offset, vm.ProtReadWrite, vm.PTEFlagsNone)
	})
	if err != nil {
		return err
	}

	printDirectories(out, tree, vec)

	t, steps, walkErr := device.Walker().Walk(tree.RootAddress(), opts.addr)

	fmt.Fprintf(out, "\nwalk of 0x%x from %s\n", opts.addr, tree.RootAddress())

	for _, s := range steps {
		kind := "pde"
		if s.Leaf {
			kind = "pte"
		}

		fmt.Fprintf(out, "  depth %d  index %4d  %s at %s  %#x\n",
			s.Depth, s.Index, kind, s.Entry, s.Raw)
	}

	if walkErr != nil {
		fmt.Fprintf(out, "fault: %v\n", walkErr)
		return vec.ClearPTEs(vm.MembarNone)
	}

	fmt.Fprintf(out, "0x%x -> %s (%s page at depth %d, %s)\n",
		opts.addr, t.PA, vm.PageSizeString(t.PageSize), t.Depth, t.PTE.Prot)

	return vec.ClearPTEs(vm.MembarNone)
}

// printDirectories prints the chain of directories above each page table of
// the vector.
func printDirectories(out io.Writer, tree *pagetree.Tree, vec *pagetree.RangeVec) {
	fmt.Fprintf(out, "%s tree, root at %s\n", tree.HAL().Arch(), tree.RootAddress())

	for _, r := range vec.Ranges {
		var chain []*pagetree.Directory
		for d := r.Table; d != nil; d = d.Parent {
			chain = append([]*pagetree.Directory{d}, chain...)
		}

		fmt.Fprintf(out, "\nentries %d..%d of the %s table\n",
			r.StartIndex, r.StartIndex+r.EntryCount-1, vm.PageSizeString(r.PageSize))

		for _, d := range chain {
			fmt.Fprintf(out, "  depth %d  index %4d  refs %4d  at %s\n",
				d.Depth, d.Index, d.RefCount, d.Alloc.Addr)
		}
	}
}
