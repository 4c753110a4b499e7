// Package monitoring serves the state of page trees and devices over HTTP
// while a workload runs.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/sim/id"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// A TreeSource reports the statistics of a page tree.
type TreeSource interface {
	sim.Named
	Stats() pagetree.Stats
}

// A DeviceSource reports the statistics of a GPU.
type DeviceSource interface {
	sim.Named
	Stats() gpu.Stats
}

// Monitor turns a running workload into a server that reports its page trees
// and devices.
type Monitor struct {
	portNumber int
	pageDir    string
	listener   net.Listener
	server     *http.Server
	registry   *prometheus.Registry

	lock    sync.Mutex
	trees   []TreeSource
	devices []DeviceSource

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(&collector{m: m})

	return m
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithPageDir serves the files of dir at the root of the monitor instead of
// the bundled page.
func (m *Monitor) WithPageDir(dir string) *Monitor {
	m.pageDir = dir
	return m
}

// Registry returns the registry the /metrics endpoint gathers from.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterTree adds a page tree to be monitored.
func (m *Monitor) RegisterTree(t TreeSource) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, existing := range m.trees {
		if existing.Name() == t.Name() {
			panic(fmt.Sprintf("tree %s is already monitored", t.Name()))
		}
	}

	m.trees = append(m.trees, t)
}

// UnregisterTree stops monitoring the tree of the name. It is called before
// a tree is torn down.
func (m *Monitor) UnregisterTree(name string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	trees := m.trees[:0]
	for _, t := range m.trees {
		if t.Name() != name {
			trees = append(trees, t)
		}
	}

	m.trees = trees
}

// RegisterDevice adds a GPU to be monitored. Its kernel tree is monitored
// too.
func (m *Monitor) RegisterDevice(d *gpu.Device) {
	m.lock.Lock()
	m.devices = append(m.devices, d)
	m.lock.Unlock()

	if kt := d.KernelTree(); kt != nil {
		m.RegisterTree(kt)
	}
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        id.Get().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/trees", m.listTrees)
	r.HandleFunc("/api/tree/{name}", m.treeDetails)
	r.HandleFunc("/api/tree/{name}/{field}", m.treeField)
	r.HandleFunc("/api/devices", m.listDevices)
	r.HandleFunc("/api/device/{name}", m.deviceDetails)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(http.FileServer(pages(m.pageDir)))

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() string {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d", listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring page trees with %s\n", url)

	go func() {
		err := m.server.Serve(listener)
		if err != http.ErrServerClosed {
			dieOnErr(err)
		}
	}()

	return url
}

// StopServer closes the web server.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

func (m *Monitor) treeSnapshot() []pagetree.Stats {
	m.lock.Lock()
	trees := append([]TreeSource(nil), m.trees...)
	m.lock.Unlock()

	stats := make([]pagetree.Stats, 0, len(trees))
	for _, t := range trees {
		stats = append(stats, t.Stats())
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})

	return stats
}

func (m *Monitor) deviceSnapshot() map[string]gpu.Stats {
	m.lock.Lock()
	devices := append([]DeviceSource(nil), m.devices...)
	m.lock.Unlock()

	stats := make(map[string]gpu.Stats, len(devices))
	for _, d := range devices {
		stats[d.Name()] = d.Stats()
	}

	return stats
}

func (m *Monitor) listTrees(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.treeSnapshot())
}

func (m *Monitor) findTree(name string) TreeSource {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, t := range m.trees {
		if t.Name() == name {
			return t
		}
	}

	return nil
}

func (m *Monitor) findTreeOr404(w http.ResponseWriter, r *http.Request) TreeSource {
	name := mux.Vars(r)["name"]

	t := m.findTree(name)
	if t == nil {
		http.Error(w, "Tree not found", http.StatusNotFound)
	}

	return t
}

func (m *Monitor) treeDetails(w http.ResponseWriter, r *http.Request) {
	t := m.findTreeOr404(w, r)
	if t == nil {
		return
	}

	stats := t.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(1)

	dieOnErr(serializer.Serialize(w))
}

func (m *Monitor) treeField(w http.ResponseWriter, r *http.Request) {
	t := m.findTreeOr404(w, r)
	if t == nil {
		return
	}

	stats := t.Stats()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint([]string{mux.Vars(r)["field"]}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dieOnErr(serializer.Serialize(w))
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.deviceSnapshot())
}

func (m *Monitor) deviceDetails(w http.ResponseWriter, r *http.Request) {
	stats, found := m.deviceSnapshot()[mux.Vars(r)["name"]]
	if !found {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&stats)
	serializer.SetMaxDepth(2)

	dieOnErr(serializer.Serialize(w))
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressBarRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if s := r.URL.Query().Get("duration"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, fmt.Sprintf("invalid duration %q", s), http.StatusBadRequest)
			return
		}

		duration = d
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
