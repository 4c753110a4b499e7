// Package config reads the settings of the engine from the environment and
// an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sirupsen/logrus"
)

// The environment variables the settings are read from.
const (
	EnvPageTableLocation = "GPUVM_PAGE_TABLE_LOCATION"
	EnvArch              = "GPUVM_ARCH"
	EnvBigPageSize       = "GPUVM_BIG_PAGE_SIZE"
	EnvVidmemSize        = "GPUVM_VIDMEM_SIZE"
	EnvSysmemSize        = "GPUVM_SYSMEM_SIZE"
	EnvCEPhysVidmemWrite = "GPUVM_CE_PHYS_VIDMEM_WRITE"
	EnvLogLevel          = "GPUVM_LOG_LEVEL"
	EnvMonitorPort       = "GPUVM_MONITOR_PORT"
	EnvMonitorPages      = "GPUVM_MONITOR_PAGES"
	EnvTraceDB           = "GPUVM_TRACE_DB"
)

// Config holds the settings of the engine.
type Config struct {
	PageTableLocation string
	Arch              mmuhal.Arch
	BigPageSize       uint64
	VidmemSize        uint64
	SysmemSize        uint64
	CEPhysVidmemWrite bool
	LogLevel          logrus.Level
	MonitorPort       int
	MonitorPages      string
	TraceDB           string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Arch:              mmuhal.ArchAmpere,
		BigPageSize:       vm.PageSize64K,
		VidmemSize:        1 << 30,
		SysmemSize:        4 << 30,
		CEPhysVidmemWrite: true,
		LogLevel:          logrus.InfoLevel,
	}
}

// Load reads the .env files, or .env in the working directory when none is
// given, and then the environment. Variables already set in the environment
// win over the files. A missing default .env file is not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}

	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, errors.Wrap(err, "loading env files")
		}
	}

	return FromLookup(os.LookupEnv)
}

// FromLookup builds a configuration from the variables lookup finds.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.str(EnvPageTableLocation, &c.PageTableLocation)
	p.arch(EnvArch, &c.Arch)
	p.size(EnvBigPageSize, &c.BigPageSize)
	p.size(EnvVidmemSize, &c.VidmemSize)
	p.size(EnvSysmemSize, &c.SysmemSize)
	p.boolean(EnvCEPhysVidmemWrite, &c.CEPhysVidmemWrite)
	p.level(EnvLogLevel, &c.LogLevel)
	p.integer(EnvMonitorPort, &c.MonitorPort)
	p.str(EnvMonitorPages, &c.MonitorPages)
	p.str(EnvTraceDB, &c.TraceDB)

	if p.err != nil {
		return Config{}, p.err
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// Validate checks the settings that do not depend on each other.
func (c Config) Validate() error {
	switch c.PageTableLocation {
	case "", "vid", "sys":
	default:
		return errors.Wrapf(vm.ErrInvalidArgument,
			"%s=%q, want vid or sys", EnvPageTableLocation, c.PageTableLocation)
	}

	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		return errors.Wrapf(vm.ErrInvalidArgument,
			"%s=%d out of range", EnvMonitorPort, c.MonitorPort)
	}

	if _, err := mmuhal.ForArch(c.Arch, c.BigPageSize); err != nil {
		return err
	}

	return nil
}

// Apply makes the process-wide settings take effect: the page-table
// location and the log level.
func (c Config) Apply() error {
	if err := pagetree.SetPageTableLocation(c.PageTableLocation); err != nil {
		return err
	}

	logrus.SetLevel(c.LogLevel)

	return nil
}

// GPUBuilder returns a device builder with the configured architecture and
// memory sizes.
func (c Config) GPUBuilder() gpu.Builder {
	return gpu.MakeBuilder().
		WithArch(c.Arch).
		WithBigPageSize(c.BigPageSize).
		WithVidmemSize(c.VidmemSize).
		WithSysmemSize(c.SysmemSize).
		WithCEPhysVidmemWrite(c.CEPhysVidmemWrite)
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}

	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}

	return strings.TrimSpace(v), true
}

func (p *parser) fail(key, value string, err error) {
	p.err = errors.Wrapf(vm.ErrInvalidArgument, "%s=%q: %v", key, value, err)
}

func (p *parser) str(key string, out *string) {
	if v, ok := p.get(key); ok {
		*out = v
	}
}

func (p *parser) arch(key string, out *mmuhal.Arch) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}

	a, err := mmuhal.ParseArch(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*out = a
}

func (p *parser) size(key string, out *uint64) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}

	s, err := ParseSize(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*out = s
}

func (p *parser) boolean(key string, out *bool) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*out = b
}

func (p *parser) integer(key string, out *int) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*out = n
}

func (p *parser) level(key string, out *logrus.Level) {
	v, ok := p.get(key)
	if !ok || v == "" {
		return
	}

	l, err := logrus.ParseLevel(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}

	*out = l
}
