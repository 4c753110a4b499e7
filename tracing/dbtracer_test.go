package tracing_test

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/datarecording"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/tracing"
	"go.uber.org/mock/gomock"
)

var _ = Describe("DBTracer", func() {
	var (
		mockCtrl   *gomock.Controller
		timeTeller *MockTimeTeller
		recorder   datarecording.DataRecorder
		file       string
		tracer     *tracing.DBTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)

		path := filepath.Join(GinkgoT().TempDir(), "trace")
		file = path + ".sqlite3"
		recorder = datarecording.New(path)
		tracer = tracing.NewDBTracer(timeTeller, recorder)
	})

	AfterEach(func() {
		Expect(recorder.Close()).To(Succeed())
		mockCtrl.Finish()
	})

	open := func() *datarecording.Reader {
		reader, err := datarecording.NewReader(file)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(reader.Close)

		return reader
	}

	tasks := func() []tracing.TaskEntry {
		entries, err := datarecording.Select[tracing.TaskEntry](context.Background(),
			open(), tracing.TaskTable, datarecording.Query{OrderBy: "StartTime"})
		Expect(err).NotTo(HaveOccurred())

		return entries
	}

	steps := func() []tracing.StepEntry {
		entries, err := datarecording.Select[tracing.StepEntry](context.Background(),
			open(), tracing.StepTable, datarecording.Query{OrderBy: "Time"})
		Expect(err).NotTo(HaveOccurred())

		return entries
	}

	task := func(id string) tracing.Task {
		return tracing.Task{
			ID:       id,
			Kind:     tracing.KindTreeOp,
			What:     "GetPTEs",
			Location: "Tree",
		}
	}

	It("should write ended tasks", func() {
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1))
		tracer.StartTask(task("1"))

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1.5))
		tracer.StepTask(tracing.Task{ID: "1", Steps: []tracing.TaskStep{{What: "submitted"}}})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(2))
		tracer.EndTask(tracing.Task{ID: "1", Err: errors.New("no memory")})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(3))
		tracer.StartTask(task("2"))

		tracer.Terminate()

		Expect(tasks()).To(Equal([]tracing.TaskEntry{
			{
				ID:        "1",
				Kind:      tracing.KindTreeOp,
				What:      "GetPTEs",
				Location:  "Tree",
				StartTime: 1,
				EndTime:   2,
				Error:     "no memory",
			},
		}))
		Expect(steps()).To(Equal([]tracing.StepEntry{
			{TaskID: "1", Time: 1.5, What: "submitted"},
		}))
	})

	It("should skip tasks outside the time range", func() {
		tracer.SetTimeRange(10, 20)

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1))
		tracer.StartTask(task("early"))
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(2))
		tracer.EndTask(tracing.Task{ID: "early"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(25))
		tracer.StartTask(task("late"))

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(5))
		tracer.StartTask(task("overlapping"))
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(15))
		tracer.EndTask(tracing.Task{ID: "overlapping"})

		tracer.Terminate()

		results := tasks()
		Expect(results).To(HaveLen(1))
		Expect(results[0].ID).To(Equal("overlapping"))
	})

	It("should panic on incomplete tasks", func() {
		Expect(func() { tracer.StartTask(tracing.Task{ID: "1"}) }).To(Panic())
	})
})
