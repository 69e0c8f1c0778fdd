package reminders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tazhate/ffdash/internal/clients/dashboard"
	"github.com/tazhate/ffdash/internal/domain"
	"github.com/tazhate/ffdash/internal/metrics"
)

const remoteTimeout = 3 * time.Second

// SaveMode tells the page where a new reminder ended up.
type SaveMode string

const (
	// SavedOnline: stored locally and in the remote store.
	SavedOnline SaveMode = "online"
	// SavedLocal: the API looked reachable but the remote create failed.
	SavedLocal SaveMode = "local"
	// SavedOffline: the API was unreachable; only the local copy exists.
	SavedOffline SaveMode = "offline"
)

// Remote is the remote store of record.
type Remote interface {
	CreateReminder(ctx context.Context, req dashboard.CreateReminderRequest) (*dashboard.Reminder, error)
	UpdateReminder(ctx context.Context, id int64, req dashboard.UpdateReminderRequest) (*dashboard.Reminder, error)
	DeleteReminder(ctx context.Context, id int64) error
}

type Gate interface {
	IsReachable() bool
	Probe(ctx context.Context) bool
}

// Timers arms and disarms the foreground timer of a reminder.
type Timers interface {
	Schedule(r *domain.Reminder)
	Cancel(id int64)
}

// CommandPoster delivers commands to the background worker.
type CommandPoster interface {
	Post(cmd domain.WorkerCommand)
}

// Store is the page's view of the user's reminders. It writes locally first
// and treats the remote store as best effort.
type Store struct {
	remote Remote
	gate   Gate
	bus    *Bus
	now    func() time.Time

	mu        sync.RWMutex
	repo      Repository
	fallback  bool
	reminders map[int64]*domain.Reminder
	syncing   map[int64]bool
	lastID    int64

	timers Timers
	worker CommandPoster
}

func NewStore(repo Repository, remote Remote, gate Gate, bus *Bus) *Store {
	if bus == nil {
		bus = NewBus()
	}
	return &Store{
		remote:    remote,
		gate:      gate,
		bus:       bus,
		now:       time.Now,
		repo:      repo,
		reminders: make(map[int64]*domain.Reminder),
		syncing:   make(map[int64]bool),
	}
}

func (s *Store) SetTimers(t Timers) {
	s.timers = t
}

func (s *Store) SetWorker(w CommandPoster) {
	s.worker = w
}

func (s *Store) Bus() *Bus {
	return s.bus
}

// Load reads the repository into memory and arms timers for pending reminders.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.repo.List()
	if err != nil {
		log.Printf("[reminders] %v: load: %v", domain.ErrStorageUnavailable, err)
		s.mu.Lock()
		s.switchToMemory()
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	for _, r := range list {
		s.reminders[r.ID] = r
	}
	s.mu.Unlock()

	pending := s.ListPending()
	for _, r := range pending {
		s.schedule(r)
	}
	log.Printf("[reminders] loaded %d reminders, %d pending", len(list), len(pending))
	return nil
}

// Create validates and stores a new reminder, then arms both timers. Only
// validation failures are returned.
func (s *Store) Create(ctx context.Context, text string, fireTime time.Time, leadID *int64) (*domain.Reminder, SaveMode, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", domain.NewValidationError("text", "reminder text cannot be empty")
	}
	now := s.now()
	if !fireTime.After(now) {
		return nil, "", domain.NewValidationError("datetime", "reminder time must be in the future")
	}

	r := &domain.Reminder{
		Text:        text,
		LeadID:      leadID,
		Provisional: true,
		CreatedAt:   now.UTC(),
	}
	r.SetFireTime(fireTime)

	s.mu.Lock()
	id := s.provisionalID(now)
	r.ID = id
	s.reminders[id] = r
	s.syncing[id] = true
	s.persist(r)
	out := r.Clone()
	s.mu.Unlock()

	mode := SavedOffline
	var created *dashboard.Reminder
	if s.gate.Probe(ctx) {
		mode = SavedLocal
		var err error
		created, err = s.createRemote(ctx, out)
		if err != nil {
			log.Printf("[reminders] %v: create reminder %d: %v", domain.ErrRemoteUnavailable, id, err)
		} else if adopted := s.adopt(id, created.ID); adopted != nil {
			out = adopted
			mode = SavedOnline
		}
	}
	s.release(id)

	if !s.scheduleIfKept(out) {
		log.Printf("[reminders] reminder %d was deleted while saving", out.ID)
		if created != nil {
			s.dropRemote(ctx, created.ID)
		}
		return out, mode, nil
	}
	s.bus.Publish(domain.ReminderEvent{Kind: domain.ReminderCreated, Reminder: out.Clone()})
	metrics.RemindersCreated.WithLabelValues(string(mode)).Inc()
	return out, mode, nil
}

// MarkCompleted resolves a reminder. Calling it again is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	r, ok := s.reminders[id]
	if !ok || r.Completed {
		s.mu.Unlock()
		return nil
	}
	r.Completed = true
	r.Synced = false
	s.persist(r)
	snapshot := r.Clone()
	s.mu.Unlock()

	if s.timers != nil {
		s.timers.Cancel(id)
	}
	s.post(domain.MarkCompleted{ID: id})

	if !snapshot.Provisional && s.gate.IsReachable() {
		completed := true
		if err := s.updateRemote(ctx, id, dashboard.UpdateReminderRequest{Completed: &completed}); err != nil {
			log.Printf("[reminders] %v: complete reminder %d: %v", domain.ErrRemoteUnavailable, id, err)
		} else {
			s.markSynced(id, snapshot)
		}
	}

	s.bus.Publish(domain.ReminderEvent{Kind: domain.ReminderCompleted, Reminder: snapshot})
	return nil
}

// Delete removes a reminder everywhere it is scheduled. Unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	r, ok := s.reminders[id]
	if ok {
		delete(s.reminders, id)
		if err := s.repo.Delete(id); err != nil {
			s.storageFailed("delete", err)
		}
	}
	s.mu.Unlock()

	// after the map delete, so a concurrent Create cannot re-arm it
	if s.timers != nil {
		s.timers.Cancel(id)
	}
	s.post(domain.CancelReminder{ID: id})
	if !ok {
		return nil
	}

	if !r.Provisional && s.gate.IsReachable() {
		s.dropRemote(ctx, id)
	}

	s.bus.Publish(domain.ReminderEvent{Kind: domain.ReminderDeleted, Reminder: r})
	return nil
}

// Snooze moves the fire time d past the later of now and the current fire time.
func (s *Store) Snooze(ctx context.Context, id int64, d time.Duration) (*domain.Reminder, error) {
	if d <= 0 {
		return nil, domain.NewValidationError("minutes", "snooze interval must be positive")
	}

	s.mu.Lock()
	r, ok := s.reminders[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	if r.Completed {
		s.mu.Unlock()
		return nil, domain.NewValidationError("id", "reminder is already completed")
	}
	base := s.now()
	if !r.IsDue(base) {
		base = r.FireTimeUTC
	}
	r.SetFireTime(base.Add(d))
	r.Synced = false
	s.persist(r)
	snapshot := r.Clone()
	s.mu.Unlock()

	s.schedule(snapshot)

	if !snapshot.Provisional && s.gate.IsReachable() {
		fire := snapshot.FireTimeUTC
		if err := s.updateRemote(ctx, id, dashboard.UpdateReminderRequest{DateTime: &fire}); err != nil {
			log.Printf("[reminders] %v: snooze reminder %d: %v", domain.ErrRemoteUnavailable, id, err)
		} else {
			s.markSynced(id, snapshot)
		}
	}

	s.bus.Publish(domain.ReminderEvent{Kind: domain.ReminderSnoozed, Reminder: snapshot.Clone()})
	return snapshot, nil
}

// Get returns a copy of the reminder or nil.
func (s *Store) Get(id int64) *domain.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reminders[id].Clone()
}

// ListPending returns reminders that are not completed, earliest first.
func (s *Store) ListPending() []*domain.Reminder {
	s.mu.RLock()
	out := make([]*domain.Reminder, 0, len(s.reminders))
	for _, r := range s.reminders {
		if !r.Completed {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, domain.SortByFireTime)
	return out
}

// ListUpcoming returns pending reminders firing within the next window,
// earliest first. A positive limit caps the result.
func (s *Store) ListUpcoming(within time.Duration, limit int) []*domain.Reminder {
	now := s.now()
	end := now.Add(within)

	var out []*domain.Reminder
	for _, r := range s.ListPending() {
		if r.FireTimeUTC.Before(now) || !r.FireTimeUTC.Before(end) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Reconcile pushes local changes the remote store has not acknowledged.
// It returns the number of reminders brought in sync.
func (s *Store) Reconcile(ctx context.Context) int {
	var dirty []*domain.Reminder
	s.mu.RLock()
	for _, r := range s.reminders {
		if !r.Synced {
			dirty = append(dirty, r.Clone())
		}
	}
	s.mu.RUnlock()

	if len(dirty) == 0 || !s.gate.Probe(ctx) {
		return 0
	}
	slices.SortFunc(dirty, domain.SortByFireTime)

	synced := 0
	for _, r := range dirty {
		if !s.claim(r.ID) {
			continue
		}
		err := s.reconcileOne(ctx, r)
		s.release(r.ID)
		if err != nil {
			log.Printf("[reminders] %v: reconcile reminder %d: %v", domain.ErrRemoteUnavailable, r.ID, err)
			continue
		}
		synced++
	}
	if synced > 0 {
		log.Printf("[reminders] reconciled %d of %d reminders", synced, len(dirty))
	}
	return synced
}

func (s *Store) reconcileOne(ctx context.Context, r *domain.Reminder) error {
	r = s.Get(r.ID)
	if r == nil || r.Synced {
		return nil
	}

	if r.Provisional {
		created, err := s.createRemote(ctx, r)
		if err != nil {
			return err
		}
		adopted := s.adopt(r.ID, created.ID)
		if adopted == nil {
			s.dropRemote(ctx, created.ID)
			return nil
		}
		if s.timers != nil {
			s.timers.Cancel(r.ID)
		}
		s.post(domain.CancelReminder{ID: r.ID})

		if !adopted.IsResolved() {
			s.scheduleIfKept(adopted)
			return nil
		}
		r = adopted
	}

	var req dashboard.UpdateReminderRequest
	if r.Completed {
		completed := true
		req.Completed = &completed
	} else {
		fire := r.FireTimeUTC
		req.DateTime = &fire
	}

	err := s.updateRemote(ctx, r.ID, req)
	var apiErr *dashboard.APIError
	switch {
	case err == nil:
	case dashboard.IsNotFound(err):
		log.Printf("[reminders] reminder %d no longer exists remotely", r.ID)
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500 && req.DateTime != nil:
		// the remote fire time is already at or past ours
	default:
		return err
	}

	s.markSynced(r.ID, r)
	return nil
}

func (s *Store) createRemote(ctx context.Context, r *domain.Reminder) (*dashboard.Reminder, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	created, err := s.remote.CreateReminder(ctx, dashboard.CreateReminderRequest{
		Text:     r.Text,
		DateTime: r.FireTimeUTC,
		LeadID:   r.LeadID,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote reminder: %w", err)
	}
	return created, nil
}

// dropRemote deletes the remote copy of a reminder. A missing copy is fine.
func (s *Store) dropRemote(ctx context.Context, id int64) {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	if err := s.remote.DeleteReminder(ctx, id); err != nil && !dashboard.IsNotFound(err) {
		log.Printf("[reminders] %v: delete reminder %d: %v", domain.ErrRemoteUnavailable, id, err)
	}
}

func (s *Store) updateRemote(ctx context.Context, id int64, req dashboard.UpdateReminderRequest) error {
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	_, err := s.remote.UpdateReminder(ctx, id, req)
	return err
}

// adopt re-keys a provisional reminder under the id the remote store assigned
// and returns a copy. It returns nil if the reminder was deleted meanwhile.
func (s *Store) adopt(oldID, newID int64) *domain.Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[oldID]
	if !ok {
		log.Printf("[reminders] reminder %d was deleted while syncing, dropping remote copy %d", oldID, newID)
		return nil
	}
	delete(s.reminders, oldID)
	r.ID = newID
	r.Provisional = false
	r.Synced = !r.Completed
	s.reminders[newID] = r

	if err := s.repo.Replace(oldID, r); err != nil {
		s.storageFailed("replace", err)
		s.repo.Save(r)
	}
	return r.Clone()
}

// claim marks id as being synced. It reports false if another caller is
// already syncing it.
func (s *Store) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing[id] {
		return false
	}
	s.syncing[id] = true
	return true
}

func (s *Store) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncing, id)
}

// markSynced flags the reminder as acknowledged unless it changed after
// snapshot was taken.
func (s *Store) markSynced(id int64, snapshot *domain.Reminder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reminders[id]
	if !ok || r.Completed != snapshot.Completed || r.FireEpoch() != snapshot.FireEpoch() {
		return
	}
	r.Synced = true
	s.persist(r)
}

// scheduleIfKept arms r unless it was deleted meanwhile. Holding s.mu orders
// the worker command before the CancelReminder of a concurrent Delete.
func (s *Store) scheduleIfKept(r *domain.Reminder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[r.ID]; !ok {
		return false
	}
	s.schedule(r)
	return true
}

func (s *Store) schedule(r *domain.Reminder) {
	if r == nil || r.IsResolved() {
		return
	}
	if s.timers != nil {
		s.timers.Schedule(r.Clone())
	}
	s.post(domain.ScheduleReminder{Reminder: r.Clone()})
}

func (s *Store) post(cmd domain.WorkerCommand) {
	if s.worker != nil {
		s.worker.Post(cmd)
	}
}

// provisionalID returns the creation time in millis, bumped past any id in
// use. Must be called with s.mu held.
func (s *Store) provisionalID(now time.Time) int64 {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	for {
		if _, taken := s.reminders[id]; !taken {
			break
		}
		id++
	}
	s.lastID = id
	return id
}

// persist writes r to the repository. Must be called with s.mu held.
func (s *Store) persist(r *domain.Reminder) {
	if err := s.repo.Save(r); err != nil {
		s.storageFailed("save", err)
		if err := s.repo.Save(r); err != nil {
			log.Printf("[reminders] save reminder %d in memory: %v", r.ID, err)
		}
	}
}

// storageFailed logs the failure and moves the session to memory. Must be
// called with s.mu held.
func (s *Store) storageFailed(op string, err error) {
	log.Printf("[reminders] %v: %s: %v", domain.ErrStorageUnavailable, op, err)
	s.switchToMemory()
}

func (s *Store) switchToMemory() {
	if s.fallback {
		return
	}
	log.Printf("[reminders] continuing in memory; unsynced reminders are lost on restart")
	mem := NewMemoryRepository()
	for _, r := range s.reminders {
		mem.Save(r)
	}
	s.repo = mem
	s.fallback = true
}

// InMemory reports whether durable storage failed this session.
func (s *Store) InMemory() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}
