package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/browser"
	"github.com/sarchlab/gpuvm/config"
	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/monitoring"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/sim/id"
	"github.com/sarchlab/gpuvm/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a concurrent mapping workload on a simulated GPU.",
	Long: "`run` builds a GPU and user page trees, and lets workers map, " +
		"check and unmap random ranges concurrently.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := runOptions{config: c}
		flags := cmd.Flags()
		opts.workers, _ = flags.GetInt("workers")
		opts.ops, _ = flags.GetInt("ops")
		opts.seed, _ = flags.GetInt64("seed")
		opts.shared, _ = flags.GetBool("shared")
		opts.monitor, _ = flags.GetBool("monitor")
		opts.open, _ = flags.GetBool("open")
		opts.keepServing, _ = flags.GetBool("serve")

		if flags.Changed("trace") {
			opts.config.TraceDB, _ = flags.GetString("trace")
		}

		if flags.Changed("port") {
			opts.config.MonitorPort, _ = flags.GetInt("port")
		}

		id.UseParallelIDGenerator()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return runWorkload(ctx, opts, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("location", "", "Page-table location: vid, sys or empty for vid with fallback.")
	runCmd.Flags().String("vidmem", "", "Video memory size.")
	runCmd.Flags().String("sysmem", "", "System memory size.")
	runCmd.Flags().Int("workers", 4, "Number of concurrent workers.")
	runCmd.Flags().Int("ops", 256, "Operations per worker.")
	runCmd.Flags().Int64("seed", 1, "Random seed of the workload.")
	runCmd.Flags().Bool("shared", false, "Let all workers share one page tree.")
	runCmd.Flags().String("trace", "", "Record the tasks into this SQLite database.")
	runCmd.Flags().Bool("monitor", false, "Serve the monitor while the workload runs.")
	runCmd.Flags().Int("port", 0, "Port of the monitor.")
	runCmd.Flags().Bool("open", false, "Open the monitor in a browser.")
	runCmd.Flags().Bool("serve", false, "Keep serving the monitor after the workload until interrupted.")
}

type runOptions struct {
	config config.Config

	workers int
	ops     int
	seed    int64
	shared  bool

	monitor     bool
	open        bool
	keepServing bool
}

type runSession struct {
	opts    runOptions
	device  *gpu.Device
	trees   []*pagetree.Tree
	monitor *monitoring.Monitor
	timer   *tracing.TotalTimeTracer

	recorder datarecording.DataRecorder
	dbTracer *tracing.DBTracer
}

func runWorkload(ctx context.Context, opts runOptions, out io.Writer) (err error) {
	s := &runSession{opts: opts}
	defer func() {
		if closeErr := s.close(); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()

	if err := s.build(); err != nil {
		return err
	}

	s.attachTracers()
	s.startMonitor()

	w := &workload{
		device:  s.device,
		trees:   s.trees,
		workers: opts.workers,
		ops:     opts.ops,
		seed:    opts.seed,
	}

	if s.monitor != nil {
		w.bar = s.monitor.CreateProgressBar("ops", uint64(opts.workers*opts.ops))
	}

	if err := w.run(ctx); err != nil {
		return err
	}

	s.report(out)

	if s.monitor != nil && opts.keepServing {
		fmt.Fprintln(os.Stderr, "Workload done. Press Ctrl-C to stop the monitor.")
		<-ctx.Done()
	}

	return nil
}

func (s *runSession) build() error {
	device, err := s.opts.config.GPUBuilder().Build("GPU")
	if err != nil {
		return err
	}

	s.device = device

	numTrees := s.opts.workers
	if s.opts.shared {
		numTrees = 1
	}

	for i := 0; i < numTrees; i++ {
		tree, err := pagetree.MakeBuilder().
			WithDevice(device).
			WithBigPageSize(s.opts.config.BigPageSize).
			WithVASpace(fmt.Sprintf("VASpace[%d]", i)).
			Build(fmt.Sprintf("GPU.Tree[%d]", i))
		if err != nil {
			return err
		}

		s.trees = append(s.trees, tree)
	}

	logrus.WithFields(logrus.Fields{
		"arch":  device.Arch(),
		"trees": len(s.trees),
	}).Info("workload ready")

	return nil
}

func (s *runSession) domains() []sim.Hookable {
	domains := []sim.Hookable{s.device.Pushes()}
	for _, t := range s.trees {
		domains = append(domains, t)
	}

	return domains
}

func (s *runSession) attachTracers() {
	clock := sim.NewWallClock()

	s.timer = tracing.NewTotalTimeTracer(clock, tracing.KindFilter(tracing.KindTreeOp))

	if s.opts.config.TraceDB != "" {
		s.recorder = datarecording.New(s.opts.config.TraceDB)
		s.dbTracer = tracing.NewDBTracer(clock, s.recorder)
	}

	for _, d := range s.domains() {
		tracing.CollectTrace(d, s.timer)

		if s.dbTracer != nil {
			tracing.CollectTrace(d, s.dbTracer)
		}
	}
}

func (s *runSession) startMonitor() {
	if !s.opts.monitor {
		return
	}

	s.monitor = monitoring.NewMonitor().
		WithPortNumber(s.opts.config.MonitorPort).
		WithPageDir(s.opts.config.MonitorPages)
	s.monitor.RegisterDevice(s.device)

	for _, t := range s.trees {
		s.monitor.RegisterTree(t)
	}

	url := s.monitor.StartServer()

	if s.opts.open {
		if err := browser.OpenURL(url); err != nil {
			logrus.WithError(err).Warn("cannot open the monitor in a browser")
		}
	}
}

func (s *runSession) report(out io.Writer) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "tree\tdirs\tgets\tputs\tretries\tinvalidates\tfallbacks\tpushes\t")

	for _, t := range s.trees {
		st := t.Stats()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			st.Name, st.Directories, st.Gets, st.Puts, st.Retries,
			st.Invalidates, st.Fallbacks, st.Pushes)
	}

	tw.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(tw, "operation\tcount\tfailed\ttotal (s)\taverage (s)\tmax (s)\t")

	for _, ts := range s.timer.Summary() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.6f\t%.6f\t%.6f\t\n",
			ts.What, ts.Count, ts.Failed, ts.Total, ts.Average, ts.Max)
	}

	tw.Flush()

	ds := s.device.Stats()
	fmt.Fprintf(out, "\n%d pushes, %d walks, %d TLB hits, %d TLB misses\n",
		ds.Pushes, ds.Walks, ds.TLB.Hits, ds.TLB.Misses)
}

func (s *runSession) close() error {
	var result *multierror.Error

	if s.monitor != nil {
		if err := s.monitor.StopServer(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, t := range s.trees {
		if err := t.Wait(); err != nil {
			result = multierror.Append(result, err)
		}

		t.Deinit()
	}

	if s.device != nil {
		if err := s.device.Destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.dbTracer != nil {
		s.dbTracer.Terminate()
	}

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
