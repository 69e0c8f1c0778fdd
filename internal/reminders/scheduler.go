package reminders

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tazhate/ffdash/internal/domain"
)

const fireTimeout = 30 * time.Second

// DeliverFunc performs the notification side effects for a due reminder.
type DeliverFunc func(ctx context.Context, r *domain.Reminder)

// Source is what the scheduler needs from the store when a timer fires.
type Source interface {
	Get(id int64) *domain.Reminder
	MarkCompleted(ctx context.Context, id int64) error
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Scheduler keeps one in-process timer per pending reminder. Its timers die
// with the process; the background worker and the server sweep cover the rest.
type Scheduler struct {
	source  Source
	deliver DeliverFunc
	now     func() time.Time

	mu      sync.Mutex
	timers  map[int64]timerEntry
	gen     uint64
	stopped bool
}

func NewScheduler(source Source, deliver DeliverFunc) *Scheduler {
	return &Scheduler{
		source:  source,
		deliver: deliver,
		now:     time.Now,
		timers:  make(map[int64]timerEntry),
	}
}

// Schedule arms a timer for r, replacing any timer for the same id. A
// reminder that is already due fires right away on its own goroutine.
func (s *Scheduler) Schedule(r *domain.Reminder) {
	delay := time.Duration(r.FireEpoch()-s.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if prev, ok := s.timers[r.ID]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	id := r.ID
	s.timers[id] = timerEntry{
		timer: time.AfterFunc(delay, func() { s.fire(id, gen) }),
		gen:   gen,
	}
}

func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.timers[id]; ok {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Schedule is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

func (s *Scheduler) fire(id int64, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] panic in reminder %d timer: %v\n%s", id, r, debug.Stack())
		}
	}()

	s.mu.Lock()
	entry, ok := s.timers[id]
	if !ok || entry.gen != gen {
		// cancelled or replaced after the timer started
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	r := s.source.Get(id)
	if r == nil || r.IsResolved() {
		log.Printf("[scheduler] reminder %d already handled, skipping", id)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	s.deliver(ctx, r)
	if err := s.source.MarkCompleted(ctx, id); err != nil {
		log.Printf("[scheduler] mark reminder %d completed: %v", id, err)
	}
}
