package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/ffdash/internal/clients/dashboard"
	"github.com/tazhate/ffdash/internal/domain"
)

// fakeAPI is a minimal in-memory dashboard API.
type fakeAPI struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int64
	reminders map[int64]*dashboard.Reminder
	down      bool
	requests  []string

	// holdCreate, when set, parks POST /reminders until it is closed
	holdCreate chan struct{}
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{nextID: 1, reminders: make(map[int64]*dashboard.Reminder)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	hold := f.holdCreate
	f.mu.Unlock()
	if hold != nil && r.Method == http.MethodPost {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api")
	switch {
	case path == "/health":
		w.Write([]byte("ok"))
	case path == "/reminders" && r.Method == http.MethodPost:
		var req dashboard.CreateReminderRequest
		json.NewDecoder(r.Body).Decode(&req)
		rem := &dashboard.Reminder{ID: f.nextID, Text: req.Text, DateTime: req.DateTime, LeadID: req.LeadID}
		f.nextID++
		f.reminders[rem.ID] = rem
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rem)
	case strings.HasPrefix(path, "/reminders/"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(path, "/reminders/"), 10, 64)
		rem, ok := f.reminders[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPut:
			var req dashboard.UpdateReminderRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.DateTime != nil {
				if !req.DateTime.After(rem.DateTime) {
					http.Error(w, "datetime must move forward", http.StatusBadRequest)
					return
				}
				rem.DateTime = *req.DateTime
				rem.Sent = false
			}
			if req.Completed != nil && *req.Completed {
				rem.Completed = true
			}
			json.NewEncoder(w).Encode(rem)
		case http.MethodDelete:
			delete(f.reminders, id)
			w.Write([]byte(`{}`))
		}
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeAPI) get(id int64) *dashboard.Reminder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reminders[id]; ok {
		c := *r
		return &c
	}
	return nil
}

func (f *fakeAPI) holdCreates() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdCreate = make(chan struct{})
	return f.holdCreate
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reminders)
}

// fakeGate reports a fixed reachability.
type fakeGate struct {
	reachable atomic.Bool
}

func newFakeGate(reachable bool) *fakeGate {
	g := &fakeGate{}
	g.reachable.Store(reachable)
	return g
}

func (g *fakeGate) IsReachable() bool           { return g.reachable.Load() }
func (g *fakeGate) Probe(_ context.Context) bool { return g.reachable.Load() }

type fakeWorker struct {
	mu   sync.Mutex
	cmds []domain.WorkerCommand
}

func (w *fakeWorker) Post(cmd domain.WorkerCommand) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cmds = append(w.cmds, cmd)
}

func (w *fakeWorker) commands() []domain.WorkerCommand {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.WorkerCommand(nil), w.cmds...)
}

// deliveries counts DeliverFunc calls per reminder text.
type deliveries struct {
	mu    sync.Mutex
	texts []string
}

func (d *deliveries) deliver(_ context.Context, r *domain.Reminder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, r.Text)
}

func (d *deliveries) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.texts)
}

type harness struct {
	store     *Store
	scheduler *Scheduler
	api       *fakeAPI
	gate      *fakeGate
	worker    *fakeWorker
	delivered *deliveries
	repo      *MemoryRepository
}

func newHarness(t *testing.T, reachable bool) *harness {
	t.Helper()

	h := &harness{
		api:       newFakeAPI(t),
		gate:      newFakeGate(reachable),
		worker:    &fakeWorker{},
		delivered: &deliveries{},
		repo:      NewMemoryRepository(),
	}
	h.store = NewStore(h.repo, dashboard.NewClient(h.api.URL+"/api"), h.gate, NewBus())
	h.scheduler = NewScheduler(h.store, h.delivered.deliver)
	h.store.SetTimers(h.scheduler)
	h.store.SetWorker(h.worker)
	t.Cleanup(h.scheduler.Stop)
	return h
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	tests := []struct {
		name  string
		text  string
		fire  time.Time
		field string
	}{
		{"empty text", "", time.Now().Add(time.Hour), "text"},
		{"blank text", "   ", time.Now().Add(time.Hour), "text"},
		{"past", "Call", time.Now().Add(-time.Minute), "datetime"},
		{"now", "Call", time.Now(), "datetime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, err := h.store.Create(ctx, tt.text, tt.fire, nil)
			require.Error(t, err)
			assert.Nil(t, r)

			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	list, err := h.repo.List()
	require.NoError(t, err)
	assert.Empty(t, list, "nothing may be written on validation failure")
	assert.Empty(t, h.store.ListPending())
	assert.Equal(t, 0, h.api.count())
	assert.Empty(t, h.worker.commands())
}

func TestCreateOnline(t *testing.T) {
	h := newHarness(t, true)
	fire := time.Now().Add(time.Hour)

	r, mode, err := h.store.Create(context.Background(), "  Call client X  ", fire, nil)
	require.NoError(t, err)
	assert.Equal(t, SavedOnline, mode)
	assert.Equal(t, int64(1), r.ID, "server id replaces the provisional one")
	assert.Equal(t, "Call client X", r.Text)
	assert.True(t, r.Synced)
	assert.False(t, r.Provisional)
	assert.Equal(t, fire.UnixMilli(), r.FireTimeLocalEpoch)

	pending := h.store.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)

	stored, err := h.repo.Get(1)
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.NotNil(t, h.api.get(1))
	assert.Equal(t, 1, h.scheduler.Pending())

	cmds := h.worker.commands()
	require.Len(t, cmds, 1)
	sched, ok := cmds[0].(domain.ScheduleReminder)
	require.True(t, ok)
	assert.Equal(t, int64(1), sched.Reminder.ID)
}

func TestCreateOffline(t *testing.T) {
	h := newHarness(t, false)
	before := time.Now().UnixMilli()

	r, mode, err := h.store.Create(context.Background(), "offline", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, SavedOffline, mode)
	assert.True(t, r.Provisional)
	assert.False(t, r.Synced)
	assert.GreaterOrEqual(t, r.ID, before, "provisional id is the creation time in millis")

	stored, err := h.repo.Get(r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored, "record must be in local durable storage")
	assert.True(t, stored.Provisional)

	pending := h.store.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)
	assert.Equal(t, 0, h.api.count())
}

func TestCreateRemoteFailureKeepsLocalCopy(t *testing.T) {
	h := newHarness(t, true)
	h.api.setDown(true)

	r, mode, err := h.store.Create(context.Background(), "flaky", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.Equal(t, SavedLocal, mode)
	assert.True(t, r.Provisional)
	assert.Len(t, h.store.ListPending(), 1)
}

func TestProvisionalIDsAreUnique(t *testing.T) {
	h := newHarness(t, false)
	fixed := time.Now()
	h.store.now = func() time.Time { return fixed }

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		r, _, err := h.store.Create(context.Background(), fmt.Sprintf("r%d", i), fixed.Add(time.Hour), nil)
		require.NoError(t, err)
		assert.False(t, seen[r.ID])
		seen[r.ID] = true
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var events []domain.EventKind
	h.store.Bus().Subscribe(func(ev domain.ReminderEvent) { events = append(events, ev.Kind) })

	r, _, err := h.store.Create(ctx, "once", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	require.NoError(t, h.store.MarkCompleted(ctx, r.ID))
	first := h.store.Get(r.ID)
	require.NoError(t, h.store.MarkCompleted(ctx, r.ID))
	second := h.store.Get(r.ID)

	assert.Equal(t, first, second)
	assert.True(t, second.Completed)
	assert.True(t, second.Synced)
	assert.True(t, h.api.get(r.ID).Completed)
	assert.Equal(t, []domain.EventKind{domain.ReminderCreated, domain.ReminderCompleted}, events)
	assert.Equal(t, 0, h.scheduler.Pending())
	assert.Empty(t, h.store.ListPending())

	var completes int
	for _, cmd := range h.worker.commands() {
		if _, ok := cmd.(domain.MarkCompleted); ok {
			completes++
		}
	}
	assert.Equal(t, 1, completes)

	require.NoError(t, h.store.MarkCompleted(ctx, 999), "unknown id is a no-op")
}

func TestTimerDeliversOnceAndCompletes(t *testing.T) {
	h := newHarness(t, true)

	r, _, err := h.store.Create(context.Background(), "Call client X", time.Now().Add(200*time.Millisecond), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := h.store.Get(r.ID)
		return got != nil && got.Completed
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.delivered.count())
	assert.True(t, h.api.get(r.ID).Completed)
}

// two reminders with the same fire time resolve independently
func TestSameFireTimeIndependent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	fire := time.Now().Add(time.Hour)

	a, _, err := h.store.Create(ctx, "a", fire, nil)
	require.NoError(t, err)
	b, _, err := h.store.Create(ctx, "b", fire, nil)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, h.scheduler.Pending())

	require.NoError(t, h.store.MarkCompleted(ctx, a.ID))
	assert.True(t, h.store.Get(a.ID).Completed)
	assert.False(t, h.store.Get(b.ID).Completed)
	assert.Equal(t, 1, h.scheduler.Pending())

	pending := h.store.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	require.NoError(t, h.store.MarkCompleted(ctx, b.ID))
	assert.Empty(t, h.store.ListPending())
}

func TestSameFireTimeBothDelivered(t *testing.T) {
	h := newHarness(t, false)
	fire := time.Now().Add(150 * time.Millisecond)

	a, _, err := h.store.Create(context.Background(), "a", fire, nil)
	require.NoError(t, err)
	b, _, err := h.store.Create(context.Background(), "b", fire, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.Get(a.ID).Completed && h.store.Get(b.ID).Completed
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, h.delivered.count())
}

func TestDeleteBeforeFire(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	r, _, err := h.store.Create(ctx, "doomed", time.Now().Add(200*time.Millisecond), nil)
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(ctx, r.ID))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, h.delivered.count())
	assert.Empty(t, h.store.ListPending())
	assert.Nil(t, h.store.Get(r.ID))
	assert.Nil(t, h.api.get(r.ID))

	stored, err := h.repo.Get(r.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	cmds := h.worker.commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, domain.CancelReminder{ID: r.ID}, cmds[len(cmds)-1])
}

func TestDeleteDuringRemoteCreate(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	hold := h.api.holdCreates()
	var once sync.Once
	release := func() { once.Do(func() { close(hold) }) }
	t.Cleanup(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, err := h.store.Create(ctx, "doomed", time.Now().Add(300*time.Millisecond), nil)
		assert.NoError(t, err)
	}()

	var provisional *domain.Reminder
	require.Eventually(t, func() bool {
		pending := h.store.ListPending()
		if len(pending) != 1 {
			return false
		}
		provisional = pending[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, provisional.Provisional)

	require.NoError(t, h.store.Delete(ctx, provisional.ID))
	release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Create did not return")
	}

	for _, cmd := range h.worker.commands() {
		_, scheduled := cmd.(domain.ScheduleReminder)
		assert.False(t, scheduled, "deleted reminder was handed to the worker")
	}
	assert.Equal(t, 0, h.scheduler.Pending())
	assert.Empty(t, h.store.ListPending())
	assert.Equal(t, 0, h.api.count(), "remote copy is removed")

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, h.delivered.count())
}

func TestSnoozeMonotonic(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	r, _, err := h.store.Create(ctx, "later", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	prev := r.FireTimeUTC
	for i := 0; i < 3; i++ {
		snoozed, err := h.store.Snooze(ctx, r.ID, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, snoozed.FireTimeUTC.After(prev))
		assert.False(t, snoozed.Completed)
		assert.Equal(t, snoozed.FireTimeUTC.UnixMilli(), snoozed.FireTimeLocalEpoch)
		prev = snoozed.FireTimeUTC
	}

	assert.True(t, h.api.get(r.ID).DateTime.Equal(prev))
	assert.True(t, h.store.Get(r.ID).Synced)
	assert.Equal(t, 1, h.scheduler.Pending())
}

func TestSnoozeDueReminderMovesPastNow(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	r, _, err := h.store.Create(ctx, "x", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	h.store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	snoozed, err := h.store.Snooze(ctx, r.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, snoozed.FireTimeUTC.After(time.Now().Add(2*time.Hour)))
}

func TestSnoozeErrors(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.store.Snooze(ctx, 42, time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	r, _, err := h.store.Create(ctx, "x", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	_, err = h.store.Snooze(ctx, r.ID, 0)
	assert.True(t, domain.IsValidation(err))

	require.NoError(t, h.store.MarkCompleted(ctx, r.ID))
	_, err = h.store.Snooze(ctx, r.ID, time.Minute)
	assert.True(t, domain.IsValidation(err))
}

func TestListUpcoming(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	now := time.Now()

	for i, offset := range []time.Duration{3 * time.Hour, 30 * time.Minute, 30 * time.Hour, time.Hour} {
		_, _, err := h.store.Create(ctx, fmt.Sprintf("r%d", i), now.Add(offset), nil)
		require.NoError(t, err)
	}

	upcoming := h.store.ListUpcoming(24*time.Hour, 0)
	require.Len(t, upcoming, 3)
	assert.Equal(t, "r1", upcoming[0].Text)
	assert.Equal(t, "r3", upcoming[1].Text)
	assert.Equal(t, "r0", upcoming[2].Text)

	assert.Len(t, h.store.ListUpcoming(24*time.Hour, 2), 2)
}

func TestReconcilePushesOfflineChanges(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	open, _, err := h.store.Create(ctx, "open", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	done, _, err := h.store.Create(ctx, "done", time.Now().Add(2*time.Hour), nil)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkCompleted(ctx, done.ID))

	assert.Equal(t, 0, h.store.Reconcile(ctx), "nothing happens while offline")

	h.gate.reachable.Store(true)
	assert.Equal(t, 2, h.store.Reconcile(ctx))
	assert.Equal(t, 2, h.api.count())

	assert.Nil(t, h.store.Get(open.ID), "provisional id is replaced")
	for _, r := range []*domain.Reminder{h.store.Get(1), h.store.Get(2)} {
		require.NotNil(t, r)
		assert.True(t, r.Synced)
		assert.False(t, r.Provisional)
	}
	assert.True(t, h.api.get(2).Completed)
	assert.False(t, h.api.get(1).Completed)

	pending := h.store.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)
	assert.Equal(t, 1, h.scheduler.Pending())

	assert.Equal(t, 0, h.store.Reconcile(ctx), "second pass has nothing to do")
}

func TestReconcileCompletionAfterFailedPut(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	r, _, err := h.store.Create(ctx, "x", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	h.api.setDown(true)
	require.NoError(t, h.store.MarkCompleted(ctx, r.ID))
	assert.False(t, h.store.Get(r.ID).Synced)
	assert.False(t, h.api.get(r.ID).Completed)

	h.api.setDown(false)
	assert.Equal(t, 1, h.store.Reconcile(ctx))
	assert.True(t, h.api.get(r.ID).Completed)
	assert.True(t, h.store.Get(r.ID).Synced)
}

func TestLoadRearmsPending(t *testing.T) {
	h := newHarness(t, false)

	due := &domain.Reminder{ID: 1, Text: "overdue", Synced: true}
	due.SetFireTime(time.Now().Add(-time.Minute))
	later := &domain.Reminder{ID: 2, Text: "later", Synced: true}
	later.SetFireTime(time.Now().Add(time.Hour))
	done := &domain.Reminder{ID: 3, Text: "done", Completed: true, Synced: true}
	done.SetFireTime(time.Now().Add(-time.Hour))
	for _, r := range []*domain.Reminder{due, later, done} {
		require.NoError(t, h.repo.Save(r))
	}

	require.NoError(t, h.store.Load(context.Background()))

	require.Eventually(t, func() bool { return h.store.Get(1).Completed }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, h.delivered.count())
	assert.Equal(t, 1, h.scheduler.Pending())
}

type brokenRepo struct{ MemoryRepository }

func (b *brokenRepo) Save(*domain.Reminder) error { return errors.New("quota exceeded") }

func TestStorageFailureFallsBackToMemory(t *testing.T) {
	h := newHarness(t, false)
	h.store.repo = &brokenRepo{}

	r, _, err := h.store.Create(context.Background(), "kept in memory", time.Now().Add(time.Hour), nil)
	require.NoError(t, err)
	assert.True(t, h.store.InMemory())
	assert.NotNil(t, h.store.Get(r.ID))
	assert.Len(t, h.store.ListPending(), 1)

	require.NoError(t, h.store.MarkCompleted(context.Background(), r.ID))
	assert.True(t, h.store.Get(r.ID).Completed)
}
