// Package wheel implements a hierarchical timing wheel: the single timer
// primitive every other component schedules through. No component other
// than this one calls clock.Clock.AfterFunc on a recurring basis.
package wheel

import (
	"container/list"
	"sync"
	"time"

	"github.com/openclaw/core/internal/clock"
)

const (
	slotsPerLevel = 64
	numLevels     = 4
)

// entry is one scheduled callback. It lives in exactly one bucket (a
// container/list.List) at a time, so cancellation is an O(1)
// list.Remove plus a map delete.
type entry struct {
	id         string
	fn         func()
	fireAtTick int64
	periodTick int64 // 0 for one-shot timeouts
	seq        int64
	bucket     *list.List
	elem       *list.Element
	cancelled  bool
}

type level struct {
	slots [slotsPerLevel]*list.List
}

func newLevel() *level {
	l := &level{}
	for i := range l.slots {
		l.slots[i] = list.New()
	}
	return l
}

// capacityTicks is the number of ticks a single slot at this level spans.
func (l *level) slotSpan(levelIdx int) int64 {
	span := int64(1)
	for i := 0; i < levelIdx; i++ {
		span *= slotsPerLevel
	}
	return span
}

// Wheel is a hierarchical timing wheel driven by a fixed tick resolution.
// scheduleTimeout/scheduleInterval/cancel all run in O(1) amortised time;
// only the cascade of an expired higher-level slot touches more than one
// entry, and that work is bounded by the entries actually due.
type Wheel struct {
	mu          sync.Mutex
	clk         clock.Clock
	tick        time.Duration
	levels      [numLevels]*level
	currentTick int64
	ids         map[string]*entry
	seq         int64
	stopped     bool
	timer       clock.Timer
}

// New constructs a Wheel ticking at the given resolution (10ms if zero)
// and starts its internal drive loop immediately. The drive timer is
// rescheduled from within its own callback rather than via a recurring
// ticker, so Stop takes effect within one tick.
func New(clk clock.Clock, tickResolution time.Duration) *Wheel {
	if tickResolution <= 0 {
		tickResolution = 10 * time.Millisecond
	}
	w := &Wheel{
		clk:  clk,
		tick: tickResolution,
		ids:  make(map[string]*entry),
	}
	for i := range w.levels {
		w.levels[i] = newLevel()
	}
	w.armNextTick()
	return w
}

// Stop halts the internal drive loop. Pending timers are left registered
// but will never fire; callers tearing down should not rely on Stop to
// fire maxWaitExceeded-style callbacks.
func (w *Wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Wheel) armNextTick() {
	w.timer = w.clk.AfterFunc(w.tick, w.onTick)
}

// ScheduleTimeout registers a one-shot callback. Scheduling with an id
// already in use replaces the prior callback (the old one will not fire).
func (w *Wheel) ScheduleTimeout(id string, delayMs int64, fn func()) {
	w.schedule(id, delayMs, 0, fn)
}

// ScheduleInterval registers a periodic callback that reschedules itself
// every periodMs until cancelled.
func (w *Wheel) ScheduleInterval(id string, periodMs int64, fn func()) {
	w.schedule(id, periodMs, periodMs, fn)
}

func (w *Wheel) schedule(id string, delayMs, periodMs int64, fn func()) {
	if delayMs < 0 {
		delayMs = 0
	}
	delayTicks := delayMs / w.tick.Milliseconds()
	if delayTicks <= 0 {
		delayTicks = 1
	}
	periodTicks := int64(0)
	if periodMs > 0 {
		periodTicks = periodMs / w.tick.Milliseconds()
		if periodTicks <= 0 {
			periodTicks = 1
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeLocked(id)

	e := &entry{
		id:         id,
		fn:         fn,
		fireAtTick: w.currentTick + delayTicks,
		periodTick: periodTicks,
		seq:        w.seq,
	}
	w.seq++
	w.ids[id] = e
	w.placeLocked(e)
}

// CancelTimeout cancels a pending one-shot; idempotent.
func (w *Wheel) CancelTimeout(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
}

// CancelInterval cancels a pending periodic timer; idempotent.
func (w *Wheel) CancelInterval(id string) {
	w.CancelTimeout(id)
}

// HasTimer reports whether id is currently registered.
func (w *Wheel) HasTimer(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.ids[id]
	return ok
}

func (w *Wheel) removeLocked(id string) {
	e, ok := w.ids[id]
	if !ok {
		return
	}
	e.cancelled = true
	if e.bucket != nil && e.elem != nil {
		e.bucket.Remove(e.elem)
		e.bucket, e.elem = nil, nil
	}
	delete(w.ids, id)
}

// placeLocked inserts e into the slot of the lowest level whose span
// covers its remaining ticks. Must be called with w.mu held.
func (w *Wheel) placeLocked(e *entry) {
	remaining := e.fireAtTick - w.currentTick
	if remaining < 0 {
		remaining = 0
	}
	for lvl := 0; lvl < numLevels; lvl++ {
		span := w.levels[lvl].slotSpan(lvl) * slotsPerLevel
		if remaining < span || lvl == numLevels-1 {
			slotSpan := w.levels[lvl].slotSpan(lvl)
			slot := (e.fireAtTick / slotSpan) % slotsPerLevel
			if slot < 0 {
				slot = 0
			}
			bucket := w.levels[lvl].slots[slot]
			e.bucket = bucket
			e.elem = bucket.PushBack(e)
			return
		}
	}
}

// onTick advances the wheel by one tick: fires everything due in level 0's
// current slot, then cascades any higher level whose slot just wrapped.
func (w *Wheel) onTick() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.currentTick++
	due := w.collectDueLocked()
	w.mu.Unlock()

	fireDue(due)

	w.mu.Lock()
	for _, e := range due {
		if e.periodTick > 0 && !e.cancelled {
			e.fireAtTick = w.currentTick + e.periodTick
			w.placeLocked(e)
		} else {
			delete(w.ids, e.id)
		}
	}
	if !w.stopped {
		w.armNextTick()
	}
	w.mu.Unlock()
}

// collectDueLocked pops level 0's current slot and cascades wrapped
// higher-level slots down. Must be called with w.mu held; returns the
// entries to fire in non-decreasing fire-tick order (insertion order
// within a tick, since they share a slot and are appended in schedule
// order).
func (w *Wheel) collectDueLocked() []*entry {
	slot0 := w.currentTick % slotsPerLevel
	bucket := w.levels[0].slots[slot0]
	due := drainBucket(bucket)

	if slot0 == 0 {
		w.cascadeLocked(1)
	}
	return due
}

// cascadeLocked empties level lvl's current slot and reinserts every live
// entry at the appropriate (now lower) level, then recurses into lvl+1
// if that level's slot has also just wrapped.
func (w *Wheel) cascadeLocked(lvl int) {
	if lvl >= numLevels {
		return
	}
	span := w.levels[lvl].slotSpan(lvl)
	slot := (w.currentTick / span) % slotsPerLevel
	bucket := w.levels[lvl].slots[slot]

	var moving []*entry
	for el := bucket.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		bucket.Remove(el)
		if !e.cancelled {
			moving = append(moving, e)
		}
		el = next
	}
	for _, e := range moving {
		w.placeLocked(e)
	}

	if slot == 0 {
		w.cascadeLocked(lvl + 1)
	}
}

// drainBucket removes every live entry from bucket, in insertion order.
// Entries stay registered in the wheel's ids map (with bucket/elem
// cleared) while they fire, so a callback that cancels its own interval
// id is honoured; onTick deletes or reschedules them afterward.
func drainBucket(bucket *list.List) []*entry {
	var due []*entry
	for el := bucket.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		bucket.Remove(el)
		e.bucket, e.elem = nil, nil
		el = next
		if e.cancelled {
			continue
		}
		due = append(due, e)
	}
	return due
}

func fireDue(due []*entry) {
	for _, e := range due {
		e.fn()
	}
}
