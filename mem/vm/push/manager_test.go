package push_test

import (
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/mem/vm"
	"github.com/sarchlab/gpuvm/mem/vm/push"
	"github.com/sarchlab/gpuvm/sim"
	"go.uber.org/mock/gomock"
)

// recordingBackend executes pushes by recording their descriptions. A push
// whose description has a gate blocks until the gate is closed.
type recordingBackend struct {
	mu    sync.Mutex
	order []string
	gates map[string]chan struct{}
}

func (b *recordingBackend) gate(desc string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.gates == nil {
		b.gates = make(map[string]chan struct{})
	}

	g := make(chan struct{})
	b.gates[desc] = g

	return g
}

func (b *recordingBackend) Execute(p *push.Push) error {
	b.mu.Lock()
	g := b.gates[p.Description]
	b.mu.Unlock()

	if g != nil {
		<-g
	}

	b.mu.Lock()
	b.order = append(b.order, p.Description)
	b.mu.Unlock()

	return nil
}

func (b *recordingBackend) executed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.order...)
}

var _ = Describe("Manager", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockBackend
		m        *push.Manager
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockBackend(mockCtrl)
		m = push.NewManager("GPU[0].Pushes", backend, 2)
	})

	AfterEach(func() {
		m.Shutdown()
		push.ResetGlobalStatus()
		mockCtrl.Finish()
	})

	It("should execute an ended push", func() {
		p, err := m.Begin(push.ChannelMemops, nil, "memset")
		Expect(err).NotTo(HaveOccurred())

		backend.EXPECT().Execute(p).Return(nil)

		Expect(m.EndAndWait(p)).To(Succeed())
	})

	It("should end a push with the membar its flags leave", func() {
		p, err := m.Begin(push.ChannelGPUInternal, nil, "link")
		Expect(err).NotTo(HaveOccurred())

		backend.EXPECT().Execute(p).Return(nil)

		p.SetFlag(push.FlagNextMembarGPU)
		m.End(p)

		Expect(p.EndMembar).To(Equal(vm.MembarGPU))
		Expect(func() { p.WaitForIdle() }).To(Panic())
	})

	It("should give every push a distinct ID", func() {
		p1, _ := m.Begin(push.ChannelMemops, nil, "a")
		p2, _ := m.Begin(push.ChannelMemops, nil, "b")

		backend.EXPECT().Execute(gomock.Any()).Return(nil).Times(2)

		Expect(p1.ID).NotTo(Equal(p2.ID))

		e1 := m.End(p1)
		e2 := m.End(p2)
		Expect(e1.PushID()).To(Equal(p1.ID))
		Expect(push.NewTracker(e1, e2).Wait()).To(Succeed())
	})

	It("should set the fatal status when execution fails", func() {
		p, _ := m.Begin(push.ChannelGPUInternal, nil, "faulty")
		backend.EXPECT().Execute(p).Return(errors.New("mmu fault"))

		err := m.EndAndWait(p)
		Expect(errors.Is(err, push.ErrChannelFault)).To(BeTrue())
		Expect(errors.Is(push.GlobalStatus(), push.ErrChannelFault)).To(BeTrue())

		_, err = m.Begin(push.ChannelMemops, nil, "after fault")
		Expect(err).To(HaveOccurred())
	})

	It("should refuse to begin after shutdown", func() {
		m.Shutdown()

		_, err := m.Begin(push.ChannelMemops, nil, "late")
		Expect(err).To(MatchError(push.ErrManagerStopped))
	})

	It("should invoke hooks at begin, end and completion", func() {
		var (
			mu  sync.Mutex
			pos []*sim.HookPos
		)

		m.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
			mu.Lock()
			pos = append(pos, ctx.Pos)
			mu.Unlock()
		}))

		p, _ := m.Begin(push.ChannelMemops, nil, "hooked")
		backend.EXPECT().Execute(p).Return(nil)
		Expect(m.EndAndWait(p)).To(Succeed())
		m.Shutdown()

		Expect(m.NumHooks()).To(Equal(1))
		Expect(pos).To(Equal([]*sim.HookPos{
			sim.HookPosPushBegin,
			sim.HookPosPushEnd,
			sim.HookPosPushComplete,
		}))
	})
})

var _ = Describe("Manager ordering", func() {
	var (
		backend *recordingBackend
		m       *push.Manager
	)

	BeforeEach(func() {
		backend = &recordingBackend{}
		m = push.NewManager("GPU[0].Pushes", backend, 4)
	})

	AfterEach(func() {
		m.Shutdown()
		push.ResetGlobalStatus()
	})

	It("should execute pushes of a channel in order", func() {
		gate := backend.gate("first")
		tracker := push.NewTracker()

		for _, desc := range []string{"first", "second", "third"} {
			p, err := m.Begin(push.ChannelMemops, nil, desc)
			Expect(err).NotTo(HaveOccurred())
			tracker.Add(m.End(p))
		}

		Consistently(backend.executed).Should(BeEmpty())
		close(gate)

		Expect(tracker.Wait()).To(Succeed())
		Expect(backend.executed()).To(Equal([]string{"first", "second", "third"}))
	})

	It("should hold a push until its dependencies complete", func() {
		gate := backend.gate("producer")

		producer, _ := m.Begin(push.ChannelGPUInternal, nil, "producer")
		deps := push.NewTracker(m.End(producer))

		consumer, _ := m.Begin(push.ChannelMemops, deps, "consumer")
		entry := m.End(consumer)

		Consistently(entry.Completed).Should(BeFalse())
		close(gate)

		Expect(entry.Wait()).To(Succeed())
		Expect(backend.executed()).To(Equal([]string{"producer", "consumer"}))
	})

	It("should wake waiters when the fatal status is set", func() {
		gate := backend.gate("stuck")

		p, _ := m.Begin(push.ChannelMemops, nil, "stuck")
		entry := m.End(p)

		done := make(chan error)
		go func() { done <- entry.Wait() }()

		fatal := errors.New("ecc error")
		push.SetGlobalStatus(fatal)

		Eventually(done).Should(Receive(MatchError(fatal)))
		close(gate)
	})
})
