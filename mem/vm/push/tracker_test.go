package push_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/gpuvm/mem/vm/push"
)

var _ = Describe("Tracker", func() {
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
	})

	end := func(typ push.ChannelType, desc string) push.TrackerEntry {
		p, err := m.Begin(typ, nil, desc)
		Expect(err).NotTo(HaveOccurred())

		return m.End(p)
	}

	It("should treat the zero entry as complete", func() {
		var e push.TrackerEntry

		Expect(e.Completed()).To(BeTrue())
		Expect(e.Wait()).To(Succeed())

		t := push.NewTracker(e)
		Expect(t.IsEmpty()).To(BeTrue())
	})

	It("should keep only the latest entry per channel", func() {
		gate := backend.gate("a")
		t := push.NewTracker()

		t.Add(end(push.ChannelMemops, "a"))
		t.Add(end(push.ChannelMemops, "b"))
		t.Add(end(push.ChannelGPUInternal, "c"))

		Expect(t.Entries()).To(HaveLen(2))
		Expect(t.Entries()[0].Channel()).To(Equal(push.ChannelMemops))

		close(gate)
		Expect(t.Wait()).To(Succeed())
		Expect(t.IsEmpty()).To(BeTrue())
	})

	It("should not replace a newer entry with an older one", func() {
		older := end(push.ChannelMemops, "older")
		newer := end(push.ChannelMemops, "newer")

		t := push.NewTracker(newer)
		t.Add(older)

		Expect(t.Entries()[0].PushID()).To(Equal(newer.PushID()))
		Expect(t.Wait()).To(Succeed())
	})

	It("should overwrite with a single entry", func() {
		t := push.NewTracker(end(push.ChannelMemops, "a"), end(push.ChannelCPUToGPU, "b"))
		e := end(push.ChannelGPUInternal, "c")

		t.Overwrite(e)

		Expect(t.Entries()).To(HaveLen(1))
		Expect(t.Entries()[0].PushID()).To(Equal(e.PushID()))
		Expect(t.Wait()).To(Succeed())
	})

	It("should prune completed entries", func() {
		gate := backend.gate("slow")

		t := push.NewTracker(end(push.ChannelMemops, "fast"))
		Expect(t.Wait()).To(Succeed())

		t.Add(end(push.ChannelGPUInternal, "slow"))
		Expect(t.Completed()).To(BeFalse())

		close(gate)
		Eventually(t.Completed).Should(BeTrue())
		Expect(t.IsEmpty()).To(BeTrue())
	})

	It("should merge and clone trackers", func() {
		a := push.NewTracker(end(push.ChannelMemops, "a"))
		b := push.NewTracker(end(push.ChannelGPUInternal, "b"))

		a.AddTracker(b)
		clone := a.Clone()
		a.Clear()

		Expect(a.IsEmpty()).To(BeTrue())
		Expect(clone.Entries()).To(HaveLen(2))
		Expect(clone.Wait()).To(Succeed())
	})
})
