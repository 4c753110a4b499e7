package push

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/gpuvm/sim"
	"github.com/sarchlab/gpuvm/sim/id"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrManagerStopped is returned when a push is begun after Shutdown.
var ErrManagerStopped = errors.New("push manager stopped")

// A Backend executes the commands of a push. It is called by the channel
// worker, one push at a time per channel, in submission order.
type Backend interface {
	Execute(p *Push) error
}

type submission struct {
	push *Push
	c    *completion
}

type channel struct {
	typ   ChannelType
	queue chan submission
	sem   *semaphore.Weighted
	seq   uint64
}

// A Manager owns the channels of a device and executes ended pushes on
// per-channel worker goroutines.
type Manager struct {
	*sim.HookableBase
	sim.NamedBase

	backend Backend
	log     *logrus.Entry

	lock     sync.Mutex
	channels map[ChannelType]*channel
	stopped  bool
	workers  sync.WaitGroup
	inFlight sync.WaitGroup
}

// NewManager creates a manager with one worker per channel type. depth bounds
// the number of pushes that may be in flight on each channel.
func NewManager(name string, backend Backend, depth int) *Manager {
	if depth <= 0 {
		panic("channel depth must be positive")
	}

	m := &Manager{
		HookableBase: sim.NewHookableBase(),
		NamedBase:    sim.MakeNamedBase(name),
		backend:      backend,
		log:          logrus.WithField("component", name),
		channels:     make(map[ChannelType]*channel),
	}

	for t := ChannelGPUInternal; t < numChannelTypes; t++ {
		ch := &channel{
			typ:   t,
			queue: make(chan submission, depth),
			sem:   semaphore.NewWeighted(int64(depth)),
		}
		m.channels[t] = ch

		m.workers.Add(1)

		go m.run(ch)
	}

	return m
}

// Begin opens a push on a channel of the given type. The push will not start
// executing before every entry of deps has completed.
func (m *Manager) Begin(
	typ ChannelType,
	deps *Tracker,
	description string,
) (*Push, error) {
	if err := GlobalStatus(); err != nil {
		return nil, err
	}

	m.lock.Lock()
	ch, ok := m.channels[typ]
	if !ok {
		m.lock.Unlock()
		panic("unknown channel type " + typ.String())
	}

	if m.stopped {
		m.lock.Unlock()
		return nil, ErrManagerStopped
	}

	m.inFlight.Add(1)
	m.lock.Unlock()

	err := ch.sem.Acquire(context.Background(), 1)
	if err != nil {
		m.inFlight.Done()
		return nil, errors.Wrap(err, "acquiring channel slot")
	}

	if err := GlobalStatus(); err != nil {
		ch.sem.Release(1)
		m.inFlight.Done()

		return nil, err
	}

	p := &Push{
		ID:          id.Generate(),
		Channel:     typ,
		Description: description,
		deps:        NewTracker(),
	}
	p.deps.AddTracker(deps)

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    sim.HookPosPushBegin,
		Item:   p,
	})

	return p, nil
}

// End submits the push to its channel and returns its completion handle.
// Every begun push must be ended.
func (m *Manager) End(p *Push) TrackerEntry {
	p.mustBeOpen()
	p.EndMembar, _ = p.consumeCEFlags()
	p.ended = true

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    sim.HookPosPushEnd,
		Item:   p,
	})

	m.lock.Lock()
	ch := m.channels[p.Channel]
	ch.seq++
	c := newCompletion(p.Channel, ch.seq, p.ID)
	ch.queue <- submission{push: p, c: c}
	m.lock.Unlock()

	return TrackerEntry{c: c}
}

// EndAndWait submits the push and waits for it to complete.
func (m *Manager) EndAndWait(p *Push) error {
	return m.End(p).Wait()
}

// Shutdown waits for every in-flight push and stops the workers.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	if m.stopped {
		m.lock.Unlock()
		return
	}

	m.stopped = true
	m.lock.Unlock()

	m.inFlight.Wait()

	for _, ch := range m.channels {
		close(ch.queue)
	}

	m.workers.Wait()
}

func (m *Manager) run(ch *channel) {
	defer m.workers.Done()

	for s := range ch.queue {
		err := m.execute(s.push)
		s.c.complete(err)
		ch.sem.Release(1)

		m.InvokeHook(sim.HookCtx{
			Domain: m,
			Pos:    sim.HookPosPushComplete,
			Item:   s.push,
			Detail: err,
		})

		m.inFlight.Done()
	}
}

func (m *Manager) execute(p *Push) error {
	if err := p.deps.Wait(); err != nil {
		return err
	}

	if err := GlobalStatus(); err != nil {
		return err
	}

	if err := m.backend.Execute(p); err != nil {
		err = errors.Wrapf(ErrChannelFault, "%s push %s (%s): %v",
			p.Channel, p.ID, p.Description, err)

		m.log.WithError(err).Error("channel fault, setting fatal status")
		SetGlobalStatus(err)

		return err
	}

	return nil
}
