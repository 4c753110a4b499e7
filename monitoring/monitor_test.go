package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sarchlab/gpuvm/mem/vm/gpu"
	"github.com/sarchlab/gpuvm/mem/vm/mmuhal"
	"github.com/sarchlab/gpuvm/mem/vm/pagetree"
)

type fakeTree struct {
	stats pagetree.Stats
}

func (t *fakeTree) Name() string {
	return t.stats.Name
}

func (t *fakeTree) Stats() pagetree.Stats {
	return t.stats
}

func newFakeTree(name string, gets uint64) *fakeTree {
	return &fakeTree{stats: pagetree.Stats{
		Name:        name,
		Arch:        "pascal",
		Kind:        "user",
		Location:    "vid",
		Directories: 5,
		Gets:        gets,
	}}
}

var _ = Describe("Monitor", func() {
	var (
		m       *Monitor
		handler http.Handler
	)

	BeforeEach(func() {
		m = NewMonitor()
		handler = m.Handler()
	})

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

		return rec
	}

	It("should fall back to a random port for reserved ports", func() {
		Expect(m.WithPortNumber(80).portNumber).To(Equal(0))
		Expect(m.WithPortNumber(8080).portNumber).To(Equal(8080))
	})

	It("should serve pages from a directory when one is given", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "index.html"),
			[]byte("<p>local</p>"), 0o600)).To(Succeed())

		handler = m.WithPageDir(dir).Handler()

		Expect(get("/").Body.String()).To(Equal("<p>local</p>"))
		Expect(get("/missing.js").Code).To(Equal(http.StatusNotFound))
	})

	It("should list trees by name", func() {
		m.RegisterTree(newFakeTree("b", 2))
		m.RegisterTree(newFakeTree("a", 1))

		rec := get("/api/trees")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var stats []pagetree.Stats
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(HaveLen(2))
		Expect(stats[0].Name).To(Equal("a"))
		Expect(stats[1].Gets).To(Equal(uint64(2)))
	})

	It("should not monitor two trees of the same name", func() {
		m.RegisterTree(newFakeTree("a", 1))

		Expect(func() { m.RegisterTree(newFakeTree("a", 1)) }).To(Panic())
	})

	It("should serialize one tree", func() {
		m.RegisterTree(newFakeTree("a", 1))

		Expect(get("/api/tree/a").Code).To(Equal(http.StatusOK))
		Expect(get("/api/tree/b").Code).To(Equal(http.StatusNotFound))
	})

	It("should forget unregistered trees", func() {
		m.RegisterTree(newFakeTree("a", 1))
		m.UnregisterTree("a")

		Expect(get("/api/tree/a").Code).To(Equal(http.StatusNotFound))
		Expect(m.treeSnapshot()).To(BeEmpty())
	})

	It("should report progress", func() {
		bar := m.CreateProgressBar("ops", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)

		rec := get("/api/progress")

		var bars []map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0]).To(HaveKeyWithValue("name", "ops"))
		Expect(bars[0]).To(HaveKeyWithValue("finished", BeNumerically("==", 2)))
		Expect(bars[0]).To(HaveKeyWithValue("in_progress", BeNumerically("==", 1)))

		m.CompleteProgressBar(bar)
		Expect(get("/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should report the resources of the process", func() {
		rec := get("/api/resource")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("memory_size"))
	})

	It("should reject a bad profile duration", func() {
		Expect(get("/api/profile?duration=soon").Code).To(Equal(http.StatusBadRequest))
	})

	It("should export tree metrics", func() {
		m.RegisterTree(newFakeTree("a", 3))

		Expect(testutil.CollectAndCount(&collector{m: m})).To(Equal(10))

		rec := get("/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(
			`gpuvm_tree_gets_total{arch="pascal",kind="user",location="vid",tree="a"} 3`))
		Expect(rec.Body.String()).To(ContainSubstring(
			`gpuvm_tree_directories{arch="pascal",kind="user",location="vid",tree="a"} 5`))
	})

	It("should serve the index page", func() {
		rec := get("/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	Context("with a device", func() {
		var device *gpu.Device

		BeforeEach(func() {
			var err error

			device, err = gpu.MakeBuilder().
				WithArch(mmuhal.ArchPascal).
				WithVidmemSize(32 << 20).
				WithSysmemSize(32 << 20).
				Build("GPU")
			Expect(err).NotTo(HaveOccurred())

			m.RegisterDevice(device)
		})

		AfterEach(func() {
			m.UnregisterTree(device.KernelTree().Name())
			Expect(device.Destroy()).To(Succeed())
		})

		It("should monitor the device and its kernel tree", func() {
			Expect(get("/api/tree/" + device.KernelTree().Name()).Code).
				To(Equal(http.StatusOK))
			Expect(get("/api/device/GPU").Code).To(Equal(http.StatusOK))
			Expect(get("/api/device/Other").Code).To(Equal(http.StatusNotFound))

			var devices map[string]gpu.Stats
			Expect(json.Unmarshal(get("/api/devices").Body.Bytes(), &devices)).To(Succeed())
			Expect(devices).To(HaveKey("GPU"))

			Expect(get("/metrics").Body.String()).To(
				ContainSubstring(`gpuvm_device_pushes_total{device="GPU"}`))
		})
	})
})
