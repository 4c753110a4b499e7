package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/tracing"
	"github.com/spf13/cobra"
)

var traceCmd = &cobra.Command{
	Use:   "trace [db]",
	Short: "List the tree operations recorded by a traced run.",
	Long: `trace reads the database written by "run" with a trace database ` +
		`configured and lists the recorded tasks a page at a time. The ` +
		`database defaults to the configured trace database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts, err := parseTraceFlags(cmd)
		if err != nil {
			return err
		}

		switch {
		case len(args) == 1:
			opts.file = args[0]
		case c.TraceDB != "":
			opts.file = c.TraceDB + ".sqlite3"
		default:
			return errors.Wrap(vm.ErrInvalidArgument, "no trace database given")
		}

		return listTrace(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)

	traceCmd.Flags().String("kind", "", "Only list tasks of this kind.")
	traceCmd.Flags().String("what", "", "Only list tasks doing this, such as GetPTEs.")
	traceCmd.Flags().String("location", "", "Only list tasks of this tree.")
	traceCmd.Flags().Bool("failed", false, "Only list tasks that ended with an error.")
	traceCmd.Flags().String("order", "start", "Order by start, end or duration.")
	traceCmd.Flags().Int("limit", 20, "Tasks per page. 0 lists every task.")
	traceCmd.Flags().Int("offset", 0, "Tasks to skip.")
	traceCmd.Flags().Bool("steps", false, "Print the steps of each task.")
}

var traceOrders = map[string]string{
	"start":    "StartTime, ID",
	"end":      "EndTime, ID",
	"duration": "EndTime - StartTime DESC, ID",
}

type traceOptions struct {
	file  string
	query datarecording.Query
	steps bool
}

func parseTraceFlags(cmd *cobra.Command) (traceOptions, error) {
	var (
		opts    traceOptions
		clauses []string
	)

	flags := cmd.Flags()

	for _, column := range []string{"Kind", "What", "Location"} {
		v, _ := flags.GetString(strings.ToLower(column))
		if v == "" {
			continue
		}

		clauses = append(clauses, column+" = ?")
		opts.query.Args = append(opts.query.Args, v)
	}

	if failed, _ := flags.GetBool("failed"); failed {
		clauses = append(clauses, "Error != ''")
	}

	opts.query.Where = strings.Join(clauses, " AND ")

	order, _ := flags.GetString("order")
	if opts.query.OrderBy = traceOrders[order]; opts.query.OrderBy == "" {
		return opts, errors.Wrapf(vm.ErrInvalidArgument,
			"--order %q, want start, end or duration", order)
	}

	opts.query.Limit, _ = flags.GetInt("limit")
	opts.query.Offset, _ = flags.GetInt("offset")

	if opts.query.Limit < 0 || opts.query.Offset < 0 {
		return opts, errors.Wrap(vm.ErrInvalidArgument, "--limit and --offset must not be negative")
	}

	opts.steps, _ = flags.GetBool("steps")

	return opts, nil
}

func listTrace(ctx context.Context, opts traceOptions, out io.Writer) error {
	reader, err := datarecording.NewReader(opts.file)
	if err != nil {
		return err
	}
	defer reader.Close()

	total, err := reader.Count(ctx, tracing.TaskTable, opts.query)
	if err != nil {
		return err
	}

	tasks, err := datarecording.Select[tracing.TaskEntry](ctx, reader,
		tracing.TaskTable, opts.query)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tWHAT\tLOCATION\tSTART\tDURATION\tERROR")

	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.9f\t%.9f\t%s\n",
			t.ID, t.Kind, t.What, t.Location, t.StartTime, t.EndTime-t.StartTime, t.Error)

		if !opts.steps {
			continue
		}

		steps, err := datarecording.Select[tracing.StepEntry](ctx, reader,
			tracing.StepTable, datarecording.Query{
				Where:   "TaskID = ?",
				Args:    []any{t.ID},
				OrderBy: "Time",
			})
		if err != nil {
			return err
		}

		for _, s := range steps {
			fmt.Fprintf(tw, "\t\t  %s\t\t%.9f\t\t\n", s.What, s.Time)
		}
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "%d-%d of %d tasks\n",
		min(opts.query.Offset+1, total), opts.query.Offset+len(tasks), total)

	return nil
}
