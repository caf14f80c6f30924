// Package scheduler implements the Scheduler (C6): a min-heap of pending
// alarms guarded by one dedicated goroutine that sleeps until the
// earliest fire_at, then fires an Alarm trigger through a Firer callback.
// Recurring alarms are re-enqueued on firing, either on a fixed period or
// via a parsed cron schedule (github.com/robfig/cron/v3), matching this
// corpus's only other use of that dependency (expression validation,
// generalized here to actual schedule-math on firing).
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Firer is invoked when an alarm fires. internal/runtime wires this to
// router.DispatchAlarm.
type Firer func(agentID, alarmID string, fireAt time.Time, payload string)

// Recurrence describes how an alarm re-arms itself after firing. Zero
// value means one-shot.
type Recurrence struct {
	Period   time.Duration // fixed period, mutually exclusive with Cron
	Cron     cron.Schedule // parsed cron schedule
}

func (r Recurrence) isRecurring() bool {
	return r.Period > 0 || r.Cron != nil
}

func (r Recurrence) next(from time.Time) time.Time {
	if r.Cron != nil {
		return r.Cron.Next(from)
	}
	return from.Add(r.Period)
}

// ParseCron parses a standard five-field cron expression into a
// Recurrence, using robfig/cron/v3's parser.
func ParseCron(expr string) (Recurrence, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Recurrence{}, fmt.Errorf("scheduler: parse cron %q: %w", expr, err)
	}
	return Recurrence{Cron: sched}, nil
}

type alarm struct {
	id         string
	agentID    string
	fireAt     time.Time
	payload    string
	recurrence Recurrence
	cancelled  bool
	index      int // heap index, maintained by container/heap
}

// alarmHeap is a min-heap ordered by fireAt.
type alarmHeap []*alarm

func (h alarmHeap) Len() int            { return len(h) }
func (h alarmHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *alarmHeap) Push(x any) {
	a := x.(*alarm)
	a.index = len(*h)
	*h = append(*h, a)
}
func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}

// Scheduler owns the alarm min-heap and its single firing goroutine.
type Scheduler struct {
	mu      sync.Mutex
	h       alarmHeap
	byID    map[string]*alarm
	wake    chan struct{}
	stop    chan struct{}
	fire    Firer
	nowFunc func() time.Time
}

// New constructs a Scheduler. Call Run in a goroutine to start firing.
func New(fire Firer) *Scheduler {
	return &Scheduler{
		byID:    make(map[string]*alarm),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		fire:    fire,
		nowFunc: time.Now,
	}
}

// Schedule registers a new alarm, or replaces an existing one with the
// same id.
func (s *Scheduler) Schedule(agentID, alarmID string, fireAt time.Time, payload string, recurrence Recurrence) {
	s.mu.Lock()
	if old, ok := s.byID[alarmID]; ok {
		old.cancelled = true
		if old.index >= 0 {
			heap.Remove(&s.h, old.index)
		}
	}
	a := &alarm{id: alarmID, agentID: agentID, fireAt: fireAt, payload: payload, recurrence: recurrence}
	s.byID[alarmID] = a
	heap.Push(&s.h, a)
	s.mu.Unlock()
	s.nudge()
}

// Cancel marks alarmID cancelled. O(log n): it removes the alarm from the
// heap immediately if still pending. A cancel that races with a firing
// already in flight resolves in favor of delivery (spec §4.6): Run reads
// cancelled under the lock right before firing, so only a cancel that
// lands before that check suppresses delivery.
func (s *Scheduler) Cancel(alarmID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[alarmID]
	if !ok {
		return
	}
	a.cancelled = true
	if a.index >= 0 {
		heap.Remove(&s.h, a.index)
	}
	delete(s.byID, alarmID)
}

// Stop halts the firing goroutine.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the firing loop until Stop is called. Intended to run in its
// own goroutine for the lifetime of the runtime.
func (s *Scheduler) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.h) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.h[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	now := s.nowFunc()
	for {
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		a := heap.Pop(&s.h).(*alarm)
		if a.cancelled {
			delete(s.byID, a.id)
			s.mu.Unlock()
			continue
		}
		if a.recurrence.isRecurring() {
			next := a.recurrence.next(a.fireAt)
			rearmed := &alarm{id: a.id, agentID: a.agentID, fireAt: next, payload: a.payload, recurrence: a.recurrence}
			s.byID[a.id] = rearmed
			heap.Push(&s.h, rearmed)
		} else {
			delete(s.byID, a.id)
		}
		fireAt, agentID, alarmID, payload := a.fireAt, a.agentID, a.id, a.payload
		s.mu.Unlock()

		s.fire(agentID, alarmID, fireAt, payload)
	}
}
