package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/spf13/cobra"
)

var halCmd = &cobra.Command{
	Use:   "hal",
	Short: "Print the page-table layout of an architecture.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		hal, err := mmuhal.ForArch(c.Arch, c.BigPageSize)
		if err != nil {
			return err
		}

		printHAL(cmd.OutOrStdout(), hal)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(halCmd)
}

func printHAL(out io.Writer, hal mmuhal.Mode) {
	sizes := hal.PageSizes()
	small := sizes.Smallest()

	fmt.Fprintf(out, "%s, %s big pages, %d VA bits, page sizes %s\n\n",
		hal.Arch(), vm.PageSizeString(hal.BigPageSize()), hal.NumVABits(), sizes)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "depth\tentry size\tentries/index\tindex bits\talloc size\tcoverage\tleaf of")

	maxDepth := hal.PageTableDepth(small)
	for depth := 0; depth <= maxDepth; depth++ {
		indexBits := fmt.Sprint(hal.IndexBits(depth, small))
		allocSize := vm.PageSizeString(hal.AllocationSize(depth, small))
		coverage := vm.PageSizeString(mmuhal.Coverage(hal, depth, small))

		if depth == maxDepth && hal.BigPageSize() != small &&
			hal.PageTableDepth(hal.BigPageSize()) == depth {
			big := hal.BigPageSize()
			indexBits += fmt.Sprintf(" (%d)", hal.IndexBits(depth, big))
			allocSize += fmt.Sprintf(" (%s)", vm.PageSizeString(hal.AllocationSize(depth, big)))
			coverage += fmt.Sprintf(" (%s)", vm.PageSizeString(mmuhal.Coverage(hal, depth, big)))
		}

		leafOf := ""
		for _, s := range sizes.List() {
			if hal.PageTableDepth(s) == depth {
				if leafOf != "" {
					leafOf += " "
				}

				leafOf += vm.PageSizeString(s)
			}
		}

		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			depth, hal.EntrySize(depth), hal.EntriesPerIndex(depth),
			indexBits, allocSize, coverage, leafOf)
	}

	tw.Flush()

	pte := hal.MakePTE(vm.ApertureVid, 0x100000, vm.ProtReadWrite, vm.PTEFlagsNone)
	fmt.Fprintf(out, "\nPTE vid 0x100000 RW      0x%016x %+v\n", pte, hal.DecodePTE(pte))

	pte = hal.MakePTE(vm.ApertureSys, 0x200000, vm.ProtReadOnly, vm.PTEFlagCached)
	fmt.Fprintf(out, "PTE sys 0x200000 RO      0x%016x %+v\n", pte, hal.DecodePTE(pte))

	fmt.Fprintf(out, "PTE poisoned             0x%016x\n", hal.PoisonedPTE())
	fmt.Fprintf(out, "PTE unmapped %-11s 0x%016x\n",
		vm.PageSizeString(hal.BigPageSize()), hal.UnmappedPTE(hal.BigPageSize()))

	child := vm.Allocation{Addr: vm.PhysAddr{Address: 0x300000, Aperture: vm.ApertureVid}}
	entry := make([]uint64, hal.EntrySize(0)/8)
	hal.MakePDE(entry, [2]*vm.Allocation{&child}, 0, 0)
	fmt.Fprintf(out, "PDE depth 0 -> %s %#x %+v\n", child.Addr, entry, hal.DecodePDE(entry, 0))
}
