package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tazhate/ffdash/internal/bot"
	"github.com/tazhate/ffdash/internal/delivery"
	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/metrics"
)

const (
	DefaultSnooze = 5 * time.Minute

	deliverTimeout = 30 * time.Second
	queueSize      = 64
)

// State is where a reminder is in the worker's lifecycle.
type State string

const (
	StateScheduled              State = "scheduled"
	StateDeliveredPendingAction State = "delivered_pending_action"
	StateRescheduled            State = "rescheduled"
	StateCompleted              State = "completed"
	StateSuppressed             State = "suppressed"
)

// Store is the worker's own durable storage.
type Store interface {
	Save(r *domain.Reminder) error
	Get(id int64) (*domain.Reminder, error)
	Delete(id int64) error
	ListByFireTime() ([]*domain.Reminder, error)
	Settings() (domain.ChannelSettings, error)
	SaveSettings(s domain.ChannelSettings) error
}

type firing struct {
	id  int64
	gen uint64
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Worker delivers reminders independently of the page. All state changes
// happen on the Run goroutine; timers post their expiry back into the loop.
type Worker struct {
	store    Store
	adapter  *delivery.Adapter
	endpoint string
	snooze   time.Duration
	grace    time.Duration
	now      func() time.Time

	cmds  chan domain.WorkerCommand
	fired chan firing
	done  chan struct{}

	// owned by the Run goroutine
	timers     map[int64]timerEntry
	gen        uint64
	channel    *bot.Channel
	channelKey string

	mu     sync.RWMutex
	states map[int64]State
	onAck  func(id int64)

	deliveries sync.WaitGroup
}

// New creates a worker. adapter carries the local notifier and lead lookup;
// the channel is built from the persisted settings at delivery time.
func New(store Store, adapter *delivery.Adapter, telegramEndpoint string) *Worker {
	if adapter == nil {
		adapter = delivery.New(metrics.PathWorker, nil, nil, nil)
	}
	return &Worker{
		store:    store,
		adapter:  adapter,
		endpoint: telegramEndpoint,
		snooze:   DefaultSnooze,
		now:      time.Now,
		cmds:     make(chan domain.WorkerCommand, queueSize),
		fired:    make(chan firing, queueSize),
		done:     make(chan struct{}),
		timers:   make(map[int64]timerEntry),
		states:   make(map[int64]State),
	}
}

func (w *Worker) SetSnooze(d time.Duration) {
	if d > 0 {
		w.snooze = d
	}
}

// SetGrace delays every worker timer by d past the fire time, so a live
// foreground timer in the same process resolves the reminder first.
func (w *Worker) SetGrace(d time.Duration) {
	if d >= 0 {
		w.grace = d
	}
}

// OnAcknowledged registers fn to run when the user acknowledges a
// notification. fn runs on its own goroutine.
func (w *Worker) OnAcknowledged(fn func(id int64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onAck = fn
}

// Post queues a command. Commands posted after Run returned are dropped.
func (w *Worker) Post(cmd domain.WorkerCommand) {
	select {
	case w.cmds <- cmd:
	case <-w.done:
		log.Printf("[worker] stopped, dropping %T", cmd)
	}
}

// State returns the lifecycle state of a reminder the worker knows about.
func (w *Worker) State(id int64) (State, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.states[id]
	return s, ok
}

// Run re-arms stored reminders and processes commands until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	w.rearm()

	defer func() {
		for id, entry := range w.timers {
			entry.timer.Stop()
			delete(w.timers, id)
		}
		close(w.done)
		w.deliveries.Wait()
		log.Printf("[worker] stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			w.handle(ctx, cmd)
		case f := <-w.fired:
			w.fire(ctx, f)
		}
	}
}

func (w *Worker) rearm() {
	list, err := w.store.ListByFireTime()
	if err != nil {
		log.Printf("[worker] %v: list reminders: %v", domain.ErrStorageUnavailable, err)
		return
	}

	armed := 0
	for _, r := range list {
		if r.IsResolved() {
			continue
		}
		w.arm(r)
		armed++
	}
	log.Printf("[worker] started, %d reminders armed", armed)
}

func (w *Worker) handle(ctx context.Context, cmd domain.WorkerCommand) {
	switch c := cmd.(type) {
	case domain.ScheduleReminder:
		w.schedule(c.Reminder)
	case domain.CancelReminder:
		w.cancel(c.ID)
	case domain.MarkCompleted:
		w.markCompleted(c.ID)
	case domain.SaveSettings:
		if err := w.store.SaveSettings(c.Settings); err != nil {
			log.Printf("[worker] %v: save settings: %v", domain.ErrStorageUnavailable, err)
		}
	case domain.NotificationAction:
		w.action(c)
	default:
		log.Printf("[worker] unknown command %T, dropped", cmd)
	}
}

func (w *Worker) schedule(r *domain.Reminder) {
	if r == nil {
		return
	}
	r = r.Clone()
	if err := w.store.Save(r); err != nil {
		log.Printf("[worker] %v: save reminder %d: %v", domain.ErrStorageUnavailable, r.ID, err)
	}
	if r.Completed {
		w.disarm(r.ID)
		w.setState(r.ID, StateCompleted)
		return
	}
	w.arm(r)
}

func (w *Worker) cancel(id int64) {
	w.disarm(id)
	if err := w.store.Delete(id); err != nil {
		log.Printf("[worker] %v: delete reminder %d: %v", domain.ErrStorageUnavailable, id, err)
	}

	w.mu.Lock()
	delete(w.states, id)
	w.mu.Unlock()
}

// markCompleted records a resolution made elsewhere. The timer stays armed
// and suppresses itself when it fires.
func (w *Worker) markCompleted(id int64) {
	r, err := w.store.Get(id)
	if err != nil || r == nil || r.Completed {
		return
	}
	r.Completed = true
	if err := w.store.Save(r); err != nil {
		log.Printf("[worker] %v: save reminder %d: %v", domain.ErrStorageUnavailable, id, err)
	}
}

func (w *Worker) action(a domain.NotificationAction) {
	r, err := w.store.Get(a.ID)
	if err != nil {
		log.Printf("[worker] %v: get reminder %d: %v", domain.ErrStorageUnavailable, a.ID, err)
		return
	}
	if r == nil {
		log.Printf("[worker] action %s for unknown reminder %d", a.Action, a.ID)
		return
	}

	switch a.Action {
	case domain.ActionAcknowledge:
		r.Completed = true
		if err := w.store.Save(r); err != nil {
			log.Printf("[worker] %v: save reminder %d: %v", domain.ErrStorageUnavailable, r.ID, err)
		}
		w.disarm(r.ID)
		w.setState(r.ID, StateCompleted)

		w.mu.RLock()
		fn := w.onAck
		w.mu.RUnlock()
		if fn != nil {
			go fn(r.ID)
		}

	case domain.ActionSnooze:
		r.SetFireTime(w.now().Add(w.snooze))
		r.Completed = false
		if err := w.store.Save(r); err != nil {
			log.Printf("[worker] %v: save reminder %d: %v", domain.ErrStorageUnavailable, r.ID, err)
		}
		w.setState(r.ID, StateRescheduled)
		w.arm(r)

	default:
		log.Printf("[worker] unknown notification action %q", a.Action)
	}
}

func (w *Worker) arm(r *domain.Reminder) {
	w.disarm(r.ID)

	delay := time.Duration(r.FireEpoch()-w.now().UnixMilli())*time.Millisecond + w.grace
	if delay < 0 {
		delay = 0
	}

	w.gen++
	f := firing{id: r.ID, gen: w.gen}
	w.timers[r.ID] = timerEntry{
		timer: time.AfterFunc(delay, func() {
			select {
			case w.fired <- f:
			case <-w.done:
			}
		}),
		gen: f.gen,
	}
	w.setState(r.ID, StateScheduled)
}

func (w *Worker) disarm(id int64) {
	if entry, ok := w.timers[id]; ok {
		entry.timer.Stop()
		delete(w.timers, id)
	}
}

func (w *Worker) fire(ctx context.Context, f firing) {
	entry, ok := w.timers[f.id]
	if !ok || entry.gen != f.gen {
		return
	}
	delete(w.timers, f.id)

	r, err := w.store.Get(f.id)
	if err != nil {
		log.Printf("[worker] %v: get reminder %d: %v", domain.ErrStorageUnavailable, f.id, err)
		return
	}
	if r == nil || r.IsResolved() {
		log.Printf("[worker] reminder %d already handled, suppressed", f.id)
		w.setState(f.id, StateSuppressed)
		return
	}

	settings, err := w.store.Settings()
	if err != nil {
		log.Printf("[worker] %v: load settings: %v", domain.ErrStorageUnavailable, err)
	}
	adapter := w.adapter.WithChannel(w.channelFor(settings))
	opts := delivery.Options{Silent: settings.Silent}
	if settings.TagForReminders {
		opts.MentionUserID = settings.MentionUserID
	}

	w.setState(r.ID, StateDeliveredPendingAction)

	w.deliveries.Add(1)
	go func() {
		defer w.deliveries.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[worker] panic delivering reminder %d: %v\n%s", r.ID, p, debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
		defer cancel()
		adapter.Deliver(ctx, r, opts, delivery.ActionAcknowledge, delivery.ActionSnooze)
	}()
}

// channelFor returns a bot channel for the persisted credentials, reusing the
// previous one while they are unchanged.
func (w *Worker) channelFor(s domain.ChannelSettings) delivery.ChannelSender {
	if !s.IsConfigured() {
		return nil
	}
	key := fmt.Sprintf("%s/%d", s.BotToken, s.ChatID)
	if w.channel == nil || w.channelKey != key {
		w.channel = bot.NewChannel(s.BotToken, s.ChatID, w.endpoint)
		w.channelKey = key
	}
	return w.channel
}

func (w *Worker) setState(id int64, s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.states[id]; ok && prev != s {
		log.Printf("[worker] reminder %d: %s -> %s", id, prev, s)
	}
	w.states[id] = s
}
