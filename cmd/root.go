// Package cmd provides the command-line interface of gpuvm.
package cmd

import (
	"github.com/sarchlab/gpuvm/config"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gpuvm",
	Short: "gpuvm builds and exercises GPU page trees on a simulated GPU.",
	Long: `gpuvm builds GPU page trees the way a unified-memory driver does ` +
		`and drives them on a simulated GPU. It can run concurrent mapping ` +
		`workloads, print the page-table layout of an architecture and walk ` +
		`a mapping through the tree.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It returns the exit code of the process.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}

	return 0
}

func init() {
	rootCmd.PersistentFlags().String("env", "", "Read settings from this .env file.")
	rootCmd.PersistentFlags().String("arch", "", "GPU architecture ("+archNames()+").")
	rootCmd.PersistentFlags().String("big-page", "", "Big page size, 64K or 128K.")
	rootCmd.PersistentFlags().String("log-level", "", "Log level.")
}

func archNames() string {
	s := ""
	for i, a := range mmuhal.Archs() {
		if i > 0 {
			s += ", "
		}

		s += a.String()
	}

	return s
}

// loadConfig reads the configuration and lets the flags of cmd override it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var files []string
	if f, _ := cmd.Flags().GetString("env"); f != "" {
		files = append(files, f)
	}

	c, err := config.Load(files...)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()

	if s, _ := flags.GetString("arch"); s != "" {
		if c.Arch, err = mmuhal.ParseArch(s); err != nil {
			return config.Config{}, err
		}
	}

	sizeFlags := map[string]*uint64{
		"big-page": &c.BigPageSize,
		"vidmem":   &c.VidmemSize,
		"sysmem":   &c.SysmemSize,
	}

	for name, out := range sizeFlags {
		if flags.Lookup(name) == nil {
			continue
		}

		s, _ := flags.GetString(name)
		if s == "" {
			continue
		}

		if *out, err = config.ParseSize(s); err != nil {
			return config.Config{}, err
		}
	}

	if s, _ := flags.GetString("log-level"); s != "" {
		if c.LogLevel, err = logrus.ParseLevel(s); err != nil {
			return config.Config{}, err
		}
	}

	if flags.Lookup("location") != nil && flags.Changed("location") {
		c.PageTableLocation, _ = flags.GetString("location")
	}

	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}

	return c, c.Apply()
}
