package push

import (
	"sync"
)

// completion is the host-visible record of one push. It is closed once the
// channel has executed every command of the push.
type completion struct {
	channel ChannelType
	seq     uint64
	pushID  string

	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion(channel ChannelType, seq uint64, pushID string) *completion {
	return &completion{
		channel: channel,
		seq:     seq,
		pushID:  pushID,
		done:    make(chan struct{}),
	}
}

func (c *completion) complete(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// A TrackerEntry is a completion handle for one ended push. The zero value is
// always complete.
type TrackerEntry struct {
	c *completion
}

// PushID returns the ID of the push the entry tracks.
func (e TrackerEntry) PushID() string {
	if e.c == nil {
		return ""
	}

	return e.c.pushID
}

// Channel returns the channel that executes the tracked push.
func (e TrackerEntry) Channel() ChannelType {
	if e.c == nil {
		return ChannelNone
	}

	return e.c.channel
}

// Completed reports whether the tracked push has finished.
func (e TrackerEntry) Completed() bool {
	if e.c == nil {
		return true
	}

	select {
	case <-e.c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the tracked push completes or a fatal status is set.
func (e TrackerEntry) Wait() error {
	if e.c == nil {
		return GlobalStatus()
	}

	select {
	case <-e.c.done:
		if e.c.err != nil {
			return e.c.err
		}

		return GlobalStatus()
	case <-fatalSignal():
		return GlobalStatus()
	}
}

// A Tracker is an ordered set of outstanding pushes. Only the latest push of
// each channel is kept, since channels execute in order.
//
// A Tracker is not safe for concurrent use. Its owner serializes access.
type Tracker struct {
	entries []TrackerEntry
}

// NewTracker creates a tracker that waits for the given entries.
func NewTracker(entries ...TrackerEntry) *Tracker {
	t := &Tracker{}
	for _, e := range entries {
		t.Add(e)
	}

	return t
}

// Add makes the tracker also wait for e.
func (t *Tracker) Add(e TrackerEntry) {
	if e.c == nil {
		return
	}

	for i, existing := range t.entries {
		if existing.c.channel != e.c.channel {
			continue
		}

		if e.c.seq > existing.c.seq {
			t.entries[i] = e
		}

		return
	}

	t.entries = append(t.entries, e)
}

// AddTracker merges all the entries of other into t.
func (t *Tracker) AddTracker(other *Tracker) {
	if other == nil {
		return
	}

	for _, e := range other.entries {
		t.Add(e)
	}
}

// Overwrite replaces the content of the tracker with a single entry.
func (t *Tracker) Overwrite(e TrackerEntry) {
	t.entries = t.entries[:0]
	t.Add(e)
}

// Clear drops all the entries without waiting.
func (t *Tracker) Clear() {
	t.entries = nil
}

// Entries returns a copy of the outstanding entries.
func (t *Tracker) Entries() []TrackerEntry {
	return append([]TrackerEntry(nil), t.entries...)
}

// Clone returns an independent tracker with the same entries.
func (t *Tracker) Clone() *Tracker {
	return &Tracker{entries: t.Entries()}
}

// IsEmpty reports whether the tracker has no entries at all.
func (t *Tracker) IsEmpty() bool {
	return len(t.entries) == 0
}

// Completed removes the finished entries and reports whether none is left.
func (t *Tracker) Completed() bool {
	kept := t.entries[:0]

	for _, e := range t.entries {
		if !e.Completed() {
			kept = append(kept, e)
		}
	}

	t.entries = kept

	return len(t.entries) == 0
}

// Wait blocks until every entry completes. Completed entries are removed. The
// first error observed, including a fatal status, is returned.
func (t *Tracker) Wait() error {
	for len(t.entries) > 0 {
		if err := t.entries[0].Wait(); err != nil {
			return err
		}

		t.entries = t.entries[1:]
	}

	t.entries = nil

	return GlobalStatus()
}
