// Package queue implements the four-lane strict-priority task queue that
// sits in front of the exec scheduler's admission control: critical,
// high, normal, and low, with aging to prevent low-priority starvation
// and caller-selectable backpressure when a lane or the queue overflows.
package queue

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/wheel"
)

type locator struct {
	lane Priority
	idx  int
}

// Queue is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	clk    clock.Clock
	wheel  *wheel.Wheel
	events Events

	lanes [numPriorities][]*Task
	index map[string]locator

	aging  agingHeap
	agingIdx map[string]*agingItem
}

// New constructs an empty Queue. The wheel is used for per-task
// max-wait timers; pass nil to disable max-wait entirely.
func New(cfg Config, clk clock.Clock, w *wheel.Wheel, events Events) *Queue {
	q := &Queue{
		cfg:      cfg,
		clk:      clk,
		wheel:    w,
		events:   events,
		index:    make(map[string]locator),
		agingIdx: make(map[string]*agingItem),
	}
	heap.Init(&q.aging)
	return q
}

// Enqueue admits a task into its priority's lane, applying backpressure
// per cfg.RejectionPolicy if either the lane or the global cap is full.
func (q *Queue) Enqueue(t Task) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(t)
}

func (q *Queue) enqueueLocked(t Task) EnqueueResult {
	if t.OriginalPriority == 0 && t.Priority != Critical {
		t.OriginalPriority = t.Priority
	}

	for {
		laneFull := q.cfg.PerPriorityCap > 0 && len(q.lanes[t.Priority]) >= q.cfg.PerPriorityCap
		globalFull := q.cfg.GlobalCap > 0 && q.totalLocked() >= q.cfg.GlobalCap

		if !laneFull && !globalFull {
			q.insertLocked(t)
			if q.events.OnEnqueued != nil {
				q.events.OnEnqueued(t.TaskID)
			}
			return EnqueueResult{Success: true}
		}

		switch q.cfg.RejectionPolicy {
		case PolicyDropOldest:
			if len(q.lanes[t.Priority]) == 0 {
				return q.rejectLocked(t.TaskID, "queue-full")
			}
			dropped := q.lanes[t.Priority][0]
			q.removeLocked(dropped.TaskID)
			if dropped.Cancellation != nil {
				dropped.Cancellation.Cancel()
			}
			if q.events.OnDropped != nil {
				q.events.OnDropped(dropped.TaskID)
			}
			q.insertLocked(t)
			if q.events.OnEnqueued != nil {
				q.events.OnEnqueued(t.TaskID)
			}
			return EnqueueResult{Success: true}

		case PolicyDemote:
			next, ok := t.Priority.demoted()
			if !ok {
				return q.rejectLocked(t.TaskID, "queue-full")
			}
			t.Priority = next
			continue

		default: // PolicyReject and unknown policies behave as reject
			return q.rejectLocked(t.TaskID, "queue-full")
		}
	}
}

func (q *Queue) rejectLocked(taskID, reason string) EnqueueResult {
	if q.events.OnRejected != nil {
		q.events.OnRejected(taskID, reason)
	}
	return EnqueueResult{Success: false, Reason: reason}
}

// insertLocked appends t to its lane, indexes it, and arms its aging and
// max-wait timers. Must be called with q.mu held.
func (q *Queue) insertLocked(t Task) {
	lane := t.Priority
	tp := t
	q.lanes[lane] = append(q.lanes[lane], &tp)
	q.index[t.TaskID] = locator{lane: lane, idx: len(q.lanes[lane]) - 1}

	if q.cfg.AgingThresholdMs > 0 && t.Priority != Critical {
		q.armAgingLocked(t.TaskID, t.EnqueuedAtMs+q.cfg.AgingThresholdMs)
	}
	if q.wheel != nil && q.cfg.MaxWaitTimeMs > 0 {
		taskID := t.TaskID
		q.wheel.ScheduleTimeout(maxWaitTimerID(taskID), q.cfg.MaxWaitTimeMs, func() {
			q.handleMaxWait(taskID)
		})
	}
}

func maxWaitTimerID(taskID string) string { return fmt.Sprintf("queue-maxwait-%s", taskID) }

func (q *Queue) handleMaxWait(taskID string) {
	q.mu.Lock()
	_, present := q.index[taskID]
	var token *CancelToken
	if present {
		if t := q.taskAtLocked(taskID); t != nil {
			token = t.Cancellation
		}
		q.removeLocked(taskID)
	}
	q.mu.Unlock()

	if !present {
		return
	}
	if token != nil {
		token.Cancel()
	}
	if q.events.OnMaxWaitExceeded != nil {
		q.events.OnMaxWaitExceeded(taskID)
	}
}

func (q *Queue) taskAtLocked(taskID string) *Task {
	loc, ok := q.index[taskID]
	if !ok {
		return nil
	}
	return q.lanes[loc.lane][loc.idx]
}

// Dequeue removes and returns the head of the highest-priority
// non-empty lane, draining critical before high before normal before low.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for lane := Critical; lane < numPriorities; lane++ {
		if len(q.lanes[lane]) == 0 {
			continue
		}
		t := q.lanes[lane][0]
		q.removeLocked(t.TaskID)
		if q.events.OnDequeued != nil {
			q.events.OnDequeued(t.TaskID)
		}
		return t, true
	}
	return nil, false
}

// Remove cancels and evicts a queued task in O(1) via swap-and-pop
// against the lane slice, guided by the task_id -> (lane, idx) index.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(taskID)
}

func (q *Queue) removeLocked(taskID string) bool {
	loc, ok := q.index[taskID]
	if !ok {
		return false
	}
	lane := q.lanes[loc.lane]
	last := len(lane) - 1

	if loc.idx != last {
		lane[loc.idx] = lane[last]
		q.index[lane[loc.idx].TaskID] = locator{lane: loc.lane, idx: loc.idx}
	}
	q.lanes[loc.lane] = lane[:last]
	delete(q.index, taskID)

	if q.wheel != nil {
		q.wheel.CancelTimeout(maxWaitTimerID(taskID))
	}
	q.removeAgingLocked(taskID)
	return true
}

// GetSize returns the total number of queued tasks across all lanes.
func (q *Queue) GetSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

func (q *Queue) totalLocked() int {
	total := 0
	for _, lane := range q.lanes {
		total += len(lane)
	}
	return total
}

// GetStats reports per-lane occupancy.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Critical: len(q.lanes[Critical]),
		High:     len(q.lanes[High]),
		Normal:   len(q.lanes[Normal]),
		Low:      len(q.lanes[Low]),
		Total:    q.totalLocked(),
	}
}

// --- aging ---

type agingItem struct {
	taskID      string
	nextBoostMs int64
	index       int // position in the heap, maintained by heap.Interface
}

type agingHeap []*agingItem

func (h agingHeap) Len() int            { return len(h) }
func (h agingHeap) Less(i, j int) bool  { return h[i].nextBoostMs < h[j].nextBoostMs }
func (h agingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *agingHeap) Push(x any) {
	item := x.(*agingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *agingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	*h = old[:n-1]
	return item
}

func (q *Queue) armAgingLocked(taskID string, nextBoostMs int64) {
	item := &agingItem{taskID: taskID, nextBoostMs: nextBoostMs}
	q.agingIdx[taskID] = item
	heap.Push(&q.aging, item)
}

func (q *Queue) removeAgingLocked(taskID string) {
	item, ok := q.agingIdx[taskID]
	if !ok {
		return
	}
	heap.Remove(&q.aging, item.index)
	delete(q.agingIdx, taskID)
}

// SweepAging boosts every task whose aging timer is due as of nowMs, at
// most one level each, bounded to tasks actually due (O(k log n) over k
// due tasks, not the full queue). Intended to be called periodically,
// e.g. from a wheel interval registered by the exec scheduler.
func (q *Queue) SweepAging(nowMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.aging.Len() > 0 {
		next := q.aging[0]
		if next.nextBoostMs > nowMs {
			break
		}
		heap.Pop(&q.aging)
		delete(q.agingIdx, next.taskID)

		loc, ok := q.index[next.taskID]
		if !ok {
			continue
		}
		t := q.lanes[loc.lane][loc.idx]
		newPriority, boosted := t.Priority.boosted()
		if !boosted {
			continue // already critical
		}

		from := t.Priority
		q.moveLaneLocked(next.taskID, newPriority)
		if q.events.OnAged != nil {
			q.events.OnAged(next.taskID, from, newPriority)
		}
		if newPriority != Critical {
			q.armAgingLocked(next.taskID, nowMs+q.cfg.AgingThresholdMs)
		}
	}
}

// moveLaneLocked relocates a task to a new lane, preserving its identity
// in the index. Must be called with q.mu held.
func (q *Queue) moveLaneLocked(taskID string, newLane Priority) {
	loc, ok := q.index[taskID]
	if !ok {
		return
	}
	t := q.lanes[loc.lane][loc.idx]
	last := len(q.lanes[loc.lane]) - 1
	if loc.idx != last {
		q.lanes[loc.lane][loc.idx] = q.lanes[loc.lane][last]
		q.index[q.lanes[loc.lane][loc.idx].TaskID] = locator{lane: loc.lane, idx: loc.idx}
	}
	q.lanes[loc.lane] = q.lanes[loc.lane][:last]

	t.Priority = newLane
	q.lanes[newLane] = append(q.lanes[newLane], t)
	q.index[taskID] = locator{lane: newLane, idx: len(q.lanes[newLane]) - 1}
}
