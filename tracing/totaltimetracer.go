package tracing

import (
	"sort"
	"sync"

	"github.com/sarchlab/gpuvm/sim"
)

// TimeStats summarizes the durations of a group of tasks.
type TimeStats struct {
	What    string
	Count   uint64
	Failed  uint64
	Total   sim.VTimeInSec
	Average sim.VTimeInSec
	Max     sim.VTimeInSec
}

func (s *TimeStats) add(d sim.VTimeInSec, failed bool) {
	s.Count++
	s.Total += d
	s.Average = s.Total / sim.VTimeInSec(s.Count)

	if d > s.Max {
		s.Max = d
	}

	if failed {
		s.Failed++
	}
}

// TotalTimeTracer can collect the total time of executing a certain type of
// task. If the execution of two tasks overlaps, this tracer will simply add
// the two task processing time together. The time is also broken down by the
// What of the tasks.
type TotalTimeTracer struct {
	timeTeller    sim.TimeTeller
	filter        TaskFilter
	lock          sync.Mutex
	all           TimeStats
	byWhat        map[string]*TimeStats
	inflightTasks map[string]Task
}

// NewTotalTimeTracer creates a new TotalTimeTracer. A nil filter accepts all
// the tasks.
func NewTotalTimeTracer(
	timeTeller sim.TimeTeller,
	filter TaskFilter,
) *TotalTimeTracer {
	t := &TotalTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		byWhat:        make(map[string]*TimeStats),
		inflightTasks: make(map[string]Task),
	}

	return t
}

// TotalTime returns the total time has been spent on a certain type of tasks.
func (t *TotalTimeTracer) TotalTime() sim.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.all.Total
}

// AverageTime returns the average duration of the completed tasks.
func (t *TotalTimeTracer) AverageTime() sim.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.all.Average
}

// TotalCount returns the number of completed tasks.
func (t *TotalTimeTracer) TotalCount() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.all.Count
}

// InflightCount returns the number of tasks started but not ended.
func (t *TotalTimeTracer) InflightCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.inflightTasks)
}

// Summary returns the statistics of each What, sorted by total time.
func (t *TotalTimeTracer) Summary() []TimeStats {
	t.lock.Lock()
	defer t.lock.Unlock()

	list := make([]TimeStats, 0, len(t.byWhat))
	for _, s := range t.byWhat {
		list = append(list, *s)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].Total != list[j].Total {
			return list[i].Total > list[j].Total
		}

		return list[i].What < list[j].What
	})

	return list
}

// StartTask records the task start time
func (t *TotalTimeTracer) StartTask(task Task) {
	task.StartTime = t.timeTeller.CurrentTime()

	if t.filter != nil && !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask does nothing
func (t *TotalTimeTracer) StepTask(_ Task) {
	// Do nothing
}

// EndTask records the end of the task
func (t *TotalTimeTracer) EndTask(task Task) {
	task.EndTime = t.timeTeller.CurrentTime()

	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	delete(t.inflightTasks, task.ID)

	d := task.EndTime - originalTask.StartTime
	failed := task.Err != nil

	t.all.add(d, failed)

	s, found := t.byWhat[originalTask.What]
	if !found {
		s = &TimeStats{What: originalTask.What}
		t.byWhat[originalTask.What] = s
	}

	s.add(d, failed)
}
