package tracing_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/tracing"
	"go.uber.org/mock/gomock"
)

var _ = Describe("TotalTimeTracer", func() {
	var (
		mockCtrl   *gomock.Controller
		timeTeller *MockTimeTeller
		t          *tracing.TotalTimeTracer
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeTeller = NewMockTimeTeller(mockCtrl)

		t = tracing.NewTotalTimeTracer(timeTeller, tracing.KindFilter(tracing.KindPush))
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should add up overlapping tasks", func() {
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1))
		t.StartTask(tracing.Task{ID: "1", Kind: tracing.KindPush, What: "memset"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1.5))
		t.StartTask(tracing.Task{ID: "2", Kind: tracing.KindPush, What: "memset"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(2))
		t.EndTask(tracing.Task{ID: "1"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(3.5))
		t.EndTask(tracing.Task{ID: "2"})

		Expect(t.TotalTime()).To(Equal(sim.VTimeInSec(3)))
		Expect(t.AverageTime()).To(Equal(sim.VTimeInSec(1.5)))
		Expect(t.TotalCount()).To(Equal(uint64(2)))
		Expect(t.InflightCount()).To(Equal(0))
	})

	It("should ignore filtered and unknown tasks", func() {
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1))
		t.StartTask(tracing.Task{ID: "1", Kind: tracing.KindTreeOp, What: "GetPTEs"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(2))
		t.EndTask(tracing.Task{ID: "1"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(3))
		t.EndTask(tracing.Task{ID: "never started"})

		Expect(t.TotalCount()).To(BeZero())
		Expect(t.Summary()).To(BeEmpty())
	})

	It("should break the time down by what", func() {
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(0))
		t.StartTask(tracing.Task{ID: "1", Kind: tracing.KindPush, What: "a"})
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(0))
		t.StartTask(tracing.Task{ID: "2", Kind: tracing.KindPush, What: "b"})
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(0))
		t.StartTask(tracing.Task{ID: "3", Kind: tracing.KindPush, What: "b"})

		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(1))
		t.EndTask(tracing.Task{ID: "1"})
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(2))
		t.EndTask(tracing.Task{ID: "2", Err: errors.New("fault")})
		timeTeller.EXPECT().CurrentTime().Return(sim.VTimeInSec(4))
		t.EndTask(tracing.Task{ID: "3"})

		Expect(t.Summary()).To(Equal([]tracing.TimeStats{
			{What: "b", Count: 2, Failed: 1, Total: 6, Average: 3, Max: 4},
			{What: "a", Count: 1, Total: 1, Average: 1, Max: 1},
		}))
	})
})
